package consensus

import "testing"

func buildSymbolPool(t *testing.T, numBlocks int) (*MerkleTree[H256], []H256) {
	t.Helper()
	txSets := make([][]Transaction, numBlocks)
	digests := make([]H256, numBlocks)
	for i := range txSets {
		txSets[i] = []Transaction{{Payload: []byte{byte(i)}}}
		hashes := make([]H256, len(txSets[i]))
		for j, tx := range txSets[i] {
			hashes[j] = tx.Hash()
		}
		digests[i] = MultiHash(hashes)
	}
	tree, err := NewMerkleTree(digests)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tree, digests
}

func TestSymbolVerifyRoundtrip(t *testing.T) {
	const n = 5
	tree, _ := buildSymbolPool(t, n)
	root := tree.Root()
	for i := 0; i < n; i++ {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("i=%d: %v", i, err)
		}
		sym := Symbol{
			Index:             SymbolIndex{Root: root, Index: uint32(i)},
			Data:              []Transaction{{Payload: []byte{byte(i)}}},
			MerkleProof:       proof,
			NumSymbolPerBlock: n,
		}
		if !sym.Verify() {
			t.Fatalf("i=%d: expected symbol to verify", i)
		}
	}
}

func TestSymbolVerifyRejectsTamperedData(t *testing.T) {
	tree, _ := buildSymbolPool(t, 4)
	root := tree.Root()
	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sym := Symbol{
		Index:             SymbolIndex{Root: root, Index: 1},
		Data:              []Transaction{{Payload: []byte("tampered")}},
		MerkleProof:       proof,
		NumSymbolPerBlock: 4,
	}
	if sym.Verify() {
		t.Fatalf("expected verification failure for tampered symbol data")
	}
}

func TestSymbolIndexHashVariesByIndex(t *testing.T) {
	root := Sha256([]byte("cmt-root"))
	a := SymbolIndex{Root: root, Index: 0}
	b := SymbolIndex{Root: root, Index: 1}
	if a.Hash() == b.Hash() {
		t.Fatalf("symbol index hash must vary by index")
	}
}
