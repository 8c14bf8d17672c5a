package consensus

import "testing"

type byteLeaf []byte

func (b byteLeaf) Bytes() []byte { return b }

func leaves(n int) []byteLeaf {
	out := make([]byteLeaf, n)
	for i := range out {
		out[i] = byteLeaf{byte(i)}
	}
	return out
}

func TestMerkleTreeSingleLeaf(t *testing.T) {
	tree, err := NewMerkleTree(leaves(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Root() != leafHash([]byte{0}) {
		t.Fatalf("single-leaf root must equal the leaf hash")
	}
}

func TestMerkleProofVerifyRoundtrip_VariousSizes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 17} {
		ls := leaves(n)
		tree, err := NewMerkleTree(ls)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		root := tree.Root()
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !VerifyMerkleProof(root, ls[i].Bytes(), proof, i, n) {
				t.Fatalf("n=%d i=%d: proof failed to verify", n, i)
			}
		}
	}
}

func TestMerkleProofRejectsWrongLeaf(t *testing.T) {
	ls := leaves(5)
	tree, err := NewMerkleTree(ls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if VerifyMerkleProof(tree.Root(), []byte{99}, proof, 2, 5) {
		t.Fatalf("expected verification failure for tampered leaf")
	}
}

func TestMerkleProofRejectsWrongIndex(t *testing.T) {
	ls := leaves(6)
	tree, err := NewMerkleTree(ls)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if VerifyMerkleProof(tree.Root(), ls[1].Bytes(), proof, 3, 6) {
		t.Fatalf("expected verification failure for mismatched index")
	}
}

func TestNewMerkleTreeRejectsEmpty(t *testing.T) {
	if _, err := NewMerkleTree([]byteLeaf{}); err == nil {
		t.Fatalf("expected error for empty leaf set")
	}
}

// TestMerkleDoubleHashForDigestLeaves covers the symbol-verification path
// noted in the spec: when the leaf is itself already a digest, the tree
// still hashes it once more at build and verify time.
func TestMerkleDoubleHashForDigestLeaves(t *testing.T) {
	digest := Sha256([]byte("symbol-payload"))
	tree, err := NewMerkleTree([]H256{digest})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree.Root() == digest {
		t.Fatalf("expected the tree root to differ from the raw digest (double hash)")
	}
	if tree.Root() != leafHash(digest.Bytes()) {
		t.Fatalf("expected root to equal leafHash(digest)")
	}
	proof, _ := tree.Proof(0)
	if !VerifyMerkleProof(tree.Root(), digest.Bytes(), proof, 0, 1) {
		t.Fatalf("expected verify to double-hash the digest leaf and succeed")
	}
}
