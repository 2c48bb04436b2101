package utreexo

import (
	"testing"

	"github.com/ccoin/zkvm-core/pkg/types"
)

func TestInsertThenNormalizeProducesVerifiableProof(t *testing.T) {
	f := NewForest()
	items := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}

	w := f.WorkForest()
	transient := make([]Proof, len(items))
	for i, it := range items {
		transient[i] = w.Insert(it)
	}
	next, catchup, err := w.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	for i, it := range items {
		committed, err := catchup.UpdateProof(it, transient[i])
		if err != nil {
			t.Fatalf("UpdateProof(%d): %v", i, err)
		}
		if err := next.Verify(it, committed); err != nil {
			t.Fatalf("Verify(%d): %v", i, err)
		}
	}
}

func TestDeleteThenNormalizeShrinksForest(t *testing.T) {
	f := NewForest()
	items := [][]byte{[]byte("a"), []byte("b")}

	f1, _, err := f.Update(func(w *WorkForest) error {
		for _, it := range items {
			w.Insert(it)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update (insert): %v", err)
	}
	rootAfterInsert := f1.Root()

	f2, _, err := f1.Update(func(w *WorkForest) error {
		return w.Delete(items[0], Proof{Generation: f1.generation})
	})
	if err != nil {
		t.Fatalf("Update (delete): %v", err)
	}

	if f2.Root() == rootAfterInsert {
		t.Fatal("deleting an item should change the forest root")
	}
}

func TestDeleteRejectsUnknownItem(t *testing.T) {
	f := NewForest()
	f1, _, err := f.Update(func(w *WorkForest) error {
		w.Insert([]byte("a"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, _, err = f1.Update(func(w *WorkForest) error {
		return w.Delete([]byte("never-inserted"), Proof{Generation: f1.generation})
	})
	if err != ErrInvalidProof {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}

func TestVerifyRejectsStaleGeneration(t *testing.T) {
	f := NewForest()
	f1, _, err := f.Update(func(w *WorkForest) error {
		w.Insert([]byte("a"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	stale := Proof{Generation: f1.generation + 1, Path: &Path{}}
	if err := f1.Verify([]byte("a"), stale); err != ErrOutdatedProof {
		t.Fatalf("expected ErrOutdatedProof, got %v", err)
	}
}

func TestCatchupUpdatesProofAcrossTwoNormalizations(t *testing.T) {
	f := NewForest()
	f1, _, err := f.Update(func(w *WorkForest) error {
		w.Insert([]byte("a"))
		w.Insert([]byte("b"))
		w.Insert([]byte("c"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	work := f1.WorkForest()
	proofD := work.Insert([]byte("d"))
	f2, catchup, err := work.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	updated, err := catchup.UpdateProof([]byte("d"), proofD)
	if err != nil {
		t.Fatalf("UpdateProof: %v", err)
	}
	if err := f2.Verify([]byte("d"), updated); err != nil {
		t.Fatalf("updated proof should verify against the new generation: %v", err)
	}
}

func TestCatchupRejectsProofMoreThanOneGenerationBehind(t *testing.T) {
	f := NewForest()
	f1, _, err := f.Update(func(w *WorkForest) error {
		w.Insert([]byte("a"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	f2, catchup, err := f1.Update(func(w *WorkForest) error {
		w.Insert([]byte("b"))
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = f2

	ancient := Proof{Generation: 0, Path: nil}
	if _, err := catchup.UpdateProof([]byte("a"), ancient); err != ErrOutdatedProof {
		t.Fatalf("expected ErrOutdatedProof, got %v", err)
	}
}

func TestProofEncodeDecodeTransientRoundTrip(t *testing.T) {
	transient := Proof{Path: nil}
	encoded := EncodeProof(transient)
	decoded, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof: %v", err)
	}
	if decoded.Path != nil {
		t.Fatal("transient proof should decode with a nil path")
	}
}

func TestProofEncodeDecodeCommittedRoundTrip(t *testing.T) {
	var n1, n2 [32]byte
	n1[0] = 1
	n2[0] = 2
	committed := Proof{Path: &Path{Position: 5, Neighbors: []types.Hash{n1, n2}}}
	encoded := EncodeProof(committed)
	decoded, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof: %v", err)
	}
	if decoded.Path == nil {
		t.Fatal("committed proof should decode with a non-nil path")
	}
	if decoded.Path.Position != 5 || len(decoded.Path.Neighbors) != 2 {
		t.Fatalf("unexpected decoded path: %+v", decoded.Path)
	}
	if decoded.Path.Neighbors[0] != n1 || decoded.Path.Neighbors[1] != n2 {
		t.Fatal("decoded neighbor hashes do not match the originals")
	}
}

func TestDecodeProofRejectsBadTag(t *testing.T) {
	if _, err := DecodeProof([]byte{0x02}); err != ErrInvalidProof {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if _, err := DecodeProof(nil); err != ErrInvalidProof {
		t.Fatalf("expected ErrInvalidProof for empty input, got %v", err)
	}
}
