package consensus

// SymbolIndex names one symbol slot within a transaction block's cmt_root:
// the root identifies the block, the index identifies the slot. Its hash
// reuses pow_hash purely as a keyed combiner (root, index) -> H256; no
// proof-of-work is implied or checked here.
type SymbolIndex struct {
	Root  H256
	Index uint32
}

func (si SymbolIndex) Hash() H256 { return PowHash(si.Root, si.Index) }

// Symbol is the unit the symbol pool requests and receives: the
// transactions occupying one slot of a transaction block, plus the Merkle
// proof tying their combined hash back to the block's cmt_root.
type Symbol struct {
	Index             SymbolIndex
	Data              []Transaction
	MerkleProof       []H256
	NumSymbolPerBlock uint32
}

func (s Symbol) Hash() H256 { return s.Index.Hash() }

// Verify checks the symbol's data against its own Merkle proof: the
// transactions in Data must multi_hash to the leaf the proof was built for,
// and that leaf must verify against the block's cmt_root at Index.Index out
// of NumSymbolPerBlock total slots.
func (s Symbol) Verify() bool {
	txHashes := make([]H256, len(s.Data))
	for i, tx := range s.Data {
		txHashes[i] = tx.Hash()
	}
	dataHash := MultiHash(txHashes)
	return VerifyMerkleProof(
		s.Index.Root,
		dataHash.Bytes(),
		s.MerkleProof,
		int(s.Index.Index),
		int(s.NumSymbolPerBlock),
	)
}
