package store

import "testing"

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func TestDBPutGetRemove(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	k := key(1)
	if ok, err := db.Contains(BucketProposer, k); err != nil || ok {
		t.Fatalf("expected absent, got ok=%v err=%v", ok, err)
	}

	if err := db.Put(BucketProposer, k, []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok, err := db.Get(BucketProposer, k)
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("get mismatch: v=%s ok=%v err=%v", v, ok, err)
	}

	n, err := db.Len(BucketProposer)
	if err != nil || n != 1 {
		t.Fatalf("len: n=%d err=%v", n, err)
	}

	if err := db.Remove(BucketProposer, k); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := db.Contains(BucketProposer, k); ok {
		t.Fatalf("expected removed")
	}
}

func TestDBIterStopsEarly(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := byte(0); i < 5; i++ {
		if err := db.Put(BucketAvailability(0), key(i), []byte{i}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	seen := 0
	err = db.Iter(BucketAvailability(0), func(k [32]byte, v []byte) bool {
		seen++
		return seen < 2
	})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected early stop at 2, got %d", seen)
	}
}
