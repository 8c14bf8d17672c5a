package crypto

// CryptoProvider is the hash backend the wire envelope's checksum depends
// on. Nothing else in this module needs a pluggable crypto abstraction:
// consensus hashing is the protocol-mandated SHA-256 in the consensus
// package directly, not behind this interface.
type CryptoProvider interface {
	SHA3_256(input []byte) ([32]byte, error)
}
