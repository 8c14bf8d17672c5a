// Package consensus implements the Optchain hash, Merkle, PoW, and block
// primitives shared by every chain kind.
package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// H256 is a 256-bit digest, the unit of identity for blocks, commitments,
// and symbols throughout the protocol.
type H256 [32]byte

func (h H256) Bytes() []byte { return h[:] }

func (h H256) String() string { return hex.EncodeToString(h[:]) }

func (h H256) IsZero() bool { return h == H256{} }

// MarshalJSON encodes H256 as a hex string rather than JSON's default byte
// array, so wire payloads and store records stay human-inspectable.
func (h H256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h[:]) + `"`), nil
}

func (h *H256) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return txerr(ERR_PARSE, "H256: not a JSON string")
	}
	decoded, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return txerr(ERR_PARSE, "H256: bad hex: "+err.Error())
	}
	if len(decoded) != 32 {
		return txerr(ERR_PARSE, "H256: wrong length")
	}
	copy(h[:], decoded)
	return nil
}

func HashFromHex(s string) (H256, error) {
	var out H256
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, txerr(ERR_PARSE, "bad hex hash: "+err.Error())
	}
	if len(b) != 32 {
		return out, txerr(ERR_PARSE, "hash must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// Sha256 is the single hash primitive the protocol is built on. The
// algorithm is mandated by the protocol (not a pluggable choice), so this
// wraps the standard library directly.
func Sha256(b []byte) H256 {
	return H256(sha256.Sum256(b))
}

// MultiHash concatenates a list of digests and hashes the result:
// multi_hash(hs) = SHA256(concat(hs)).
func MultiHash(hs []H256) H256 {
	buf := make([]byte, 0, 32*len(hs))
	for _, h := range hs {
		buf = append(buf, h[:]...)
	}
	return Sha256(buf)
}

// PowHash is the proof-of-work hash: SHA256(h || be32(nonce)).
func PowHash(h H256, nonce uint32) H256 {
	var buf [36]byte
	copy(buf[:32], h[:])
	binary.BigEndian.PutUint32(buf[32:], nonce)
	return Sha256(buf[:])
}
