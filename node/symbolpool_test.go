package node

import (
	"testing"

	"optchain.dev/node/consensus"
	"optchain.dev/node/node/store"
)

func newTestSymbolPool(t *testing.T, exReqNum, inReqNum, numSymbolPerBlock int) *SymbolPool {
	t.Helper()
	db, err := store.Open(t.TempDir(), 1)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSymbolPool(db, exReqNum, inReqNum, numSymbolPerBlock)
}

// buildSymbolTree builds a commitment tree the way a transaction block's
// cmt_root actually commits to its symbol slots: one leaf per slot, each
// leaf the multi_hash over that slot's transaction hashes (here, one
// transaction per slot). This must match Symbol.Verify's own
// multi_hash(Data)-then-climb computation, not a tree built directly over
// raw transaction bytes.
func buildSymbolTree(t *testing.T, payloads [][]byte) *consensus.MerkleTree[consensus.H256] {
	t.Helper()
	leaves := make([]consensus.H256, len(payloads))
	for i, p := range payloads {
		tx := consensus.Transaction{Payload: p}
		leaves[i] = consensus.MultiHash([]consensus.H256{tx.Hash()})
	}
	tree, err := consensus.NewMerkleTree(leaves)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tree
}

func TestSymbolPoolRequestIsOnceOnly(t *testing.T) {
	sp := newTestSymbolPool(t, 2, 4, 8)
	root := consensus.Sha256([]byte("cmt"))

	indices, err := sp.RequestSymbolsForNewCmt(root, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 2 {
		t.Fatalf("expected ex_req_num=2 indices, got %d", len(indices))
	}

	if _, err := sp.RequestSymbolsForNewCmt(root, true); err == nil {
		t.Fatalf("expected ERR_ALREADY_REQUESTED on second request")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_ALREADY_REQUESTED {
		t.Fatalf("expected ERR_ALREADY_REQUESTED, got %v", err)
	}
}

func TestSymbolPoolInsertRejectsUnrequestedAndBadProof(t *testing.T) {
	sp := newTestSymbolPool(t, 1, 1, 4)
	tree := buildSymbolTree(t, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
	root := tree.Root()

	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sym := consensus.Symbol{
		Index:             consensus.SymbolIndex{Root: root, Index: 1},
		Data:              []consensus.Transaction{{Payload: []byte("b")}},
		MerkleProof:       proof,
		NumSymbolPerBlock: 4,
	}

	if err := sp.InsertSymbol(sym); err == nil {
		t.Fatalf("expected ERR_NOT_REQUESTED before any request for this root")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_NOT_REQUESTED {
		t.Fatalf("expected ERR_NOT_REQUESTED, got %v", err)
	}

	sp.mu.Lock()
	sp.requested[root] = []uint32{1}
	sp.mu.Unlock()

	tampered := sym
	tampered.Data = []consensus.Transaction{{Payload: []byte("tampered")}}
	if err := sp.InsertSymbol(tampered); err == nil {
		t.Fatalf("expected ERR_BAD_PROOF for tampered data")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_BAD_PROOF {
		t.Fatalf("expected ERR_BAD_PROOF, got %v", err)
	}

	if err := sp.InsertSymbol(sym); err != nil {
		t.Fatalf("unexpected error inserting a valid requested symbol: %v", err)
	}
	if err := sp.InsertSymbol(sym); err == nil {
		t.Fatalf("expected ERR_ALREADY_PRESENT on re-insert")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_ALREADY_PRESENT {
		t.Fatalf("expected ERR_ALREADY_PRESENT, got %v", err)
	}
}

func TestSymbolPoolGetUnreceivedAndGetSymbol(t *testing.T) {
	sp := newTestSymbolPool(t, 2, 2, 4)
	tree := buildSymbolTree(t, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")})
	root := tree.Root()

	sp.mu.Lock()
	sp.requested[root] = []uint32{0, 2}
	sp.mu.Unlock()

	unreceived, err := sp.GetUnreceivedSymbols(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unreceived) != 2 {
		t.Fatalf("expected both requested indices to be unreceived, got %d", len(unreceived))
	}

	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sym := consensus.Symbol{
		Index:             consensus.SymbolIndex{Root: root, Index: 0},
		Data:              []consensus.Transaction{{Payload: []byte("a")}},
		MerkleProof:       proof,
		NumSymbolPerBlock: 4,
	}
	if err := sp.InsertSymbol(sym); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unreceived, err = sp.GetUnreceivedSymbols(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unreceived) != 1 || unreceived[0].Index != 2 {
		t.Fatalf("expected only index 2 still unreceived, got %v", unreceived)
	}

	got, err := sp.GetSymbol(sym.Index)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Hash() != sym.Hash() {
		t.Fatalf("expected round-tripped symbol to match the inserted one")
	}

	if _, err := sp.GetSymbol(consensus.SymbolIndex{Root: root, Index: 3}); err == nil {
		t.Fatalf("expected ERR_NOT_PRESENT for an index that was never inserted")
	} else if code, ok := consensus.CodeOf(err); !ok || code != consensus.ERR_NOT_PRESENT {
		t.Fatalf("expected ERR_NOT_PRESENT, got %v", err)
	}
}
