package consensus

import "bytes"

// CheckPow reports whether hash satisfies the proof-of-work target:
// integer(hash, big-endian) <= integer(target, big-endian). Dynamic
// difficulty adjustment is out of scope (spec Non-goals); targets are
// fixed per block kind and supplied by configuration.
func CheckPow(hash H256, target H256) bool {
	return bytes.Compare(hash[:], target[:]) <= 0
}
