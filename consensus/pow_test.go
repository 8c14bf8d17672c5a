package consensus

import "testing"

func TestCheckPowBoundaryIsInclusive(t *testing.T) {
	h := Sha256([]byte("block"))
	if !CheckPow(h, h) {
		t.Fatalf("hash == target must satisfy pow (<=)")
	}
	var max H256
	for i := range max {
		max[i] = 0xff
	}
	if !CheckPow(h, max) {
		t.Fatalf("any hash must satisfy an all-ff target")
	}
	var min H256
	if h != min && CheckPow(h, min) {
		t.Fatalf("non-zero hash must not satisfy a zero target")
	}
}
