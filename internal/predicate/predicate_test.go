package predicate

import (
	"bytes"
	"testing"

	"github.com/ccoin/zkvm-core/internal/ristretto"
)

func randomPoint(t *testing.T) *ristretto.Point {
	t.Helper()
	s, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	return ristretto.MulBase(s)
}

func TestOpaqueFromKeyAndFromTreePointPrecedence(t *testing.T) {
	key := randomPoint(t)
	if !Opaque(key).Point().Equal(key) {
		t.Fatal("Opaque should expose the wrapped point unchanged")
	}
	if !FromKey(key).Point().Equal(key) {
		t.Fatal("FromKey should expose the bare key as the predicate point")
	}

	tree, err := NewTree(key, [][]byte{[]byte("prog")}, [32]byte{1})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	p := FromTree(tree)
	if !p.Point().Equal(tree.PrecomputedKey) {
		t.Fatal("FromTree should expose the tweaked tree key, not the bare key")
	}
}

func TestNewTreeWithNilKeyUsesUnsignableKey(t *testing.T) {
	tree, err := NewTree(nil, [][]byte{[]byte("only")}, [32]byte{2})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if !tree.Key.Equal(unsignableKey()) {
		t.Fatal("a tree built with a nil key should fall back to the unsignable key")
	}
}

func TestDifferentBlindingSeedsProduceDifferentRoots(t *testing.T) {
	key := randomPoint(t)
	programs := [][]byte{[]byte("a"), []byte("b")}
	t1, err := NewTree(key, programs, [32]byte{1})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	t2, err := NewTree(key, programs, [32]byte{2})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if t1.Root == t2.Root {
		t.Fatal("different blinding seeds should produce different tree roots")
	}
	if t1.PrecomputedKey.Equal(t2.PrecomputedKey) {
		t.Fatal("different roots should tweak the key differently")
	}
}

func TestCreateCallProofAndProveTaprootRoundTrip(t *testing.T) {
	key := randomPoint(t)
	programs := [][]byte{[]byte("spend-a"), []byte("spend-b"), []byte("spend-c")}
	tree, err := NewTree(key, programs, [32]byte{7})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	for i, want := range programs {
		proof, prog, err := tree.CreateCallProof(i)
		if err != nil {
			t.Fatalf("CreateCallProof(%d): %v", i, err)
		}
		if !bytes.Equal(prog, want) {
			t.Fatalf("CreateCallProof(%d) returned program %q, want %q", i, prog, want)
		}

		pred := FromTree(tree)
		op := ProveTaproot(pred, prog, proof)
		if err := op.Verify(); err != nil {
			t.Fatalf("ProveTaproot(%d) should verify: %v", i, err)
		}
	}
}

func TestProveTaprootRejectsWrongProgram(t *testing.T) {
	key := randomPoint(t)
	programs := [][]byte{[]byte("real"), []byte("other")}
	tree, err := NewTree(key, programs, [32]byte{3})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	proof, _, err := tree.CreateCallProof(0)
	if err != nil {
		t.Fatalf("CreateCallProof: %v", err)
	}

	pred := FromTree(tree)
	op := ProveTaproot(pred, []byte("not-the-real-program"), proof)
	if err := op.Verify(); err == nil {
		t.Fatal("proving a program not matching the call proof's path should not verify")
	}
}

func TestCreateCallProofRejectsOutOfRangeIndex(t *testing.T) {
	tree, err := NewTree(randomPoint(t), [][]byte{[]byte("only")}, [32]byte{9})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if _, _, err := tree.CreateCallProof(-1); err != ErrBadLeafIndex {
		t.Fatalf("expected ErrBadLeafIndex, got %v", err)
	}
	if _, _, err := tree.CreateCallProof(1); err != ErrBadLeafIndex {
		t.Fatalf("expected ErrBadLeafIndex, got %v", err)
	}
}

func TestCallProofEncodeDecodeRoundTrip(t *testing.T) {
	key := randomPoint(t)
	tree, err := NewTree(key, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, [32]byte{4})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	proof, prog, err := tree.CreateCallProof(2)
	if err != nil {
		t.Fatalf("CreateCallProof: %v", err)
	}

	encoded := proof.Encode()
	decoded, err := DecodeCallProof(encoded)
	if err != nil {
		t.Fatalf("DecodeCallProof: %v", err)
	}
	if !decoded.VerificationKey.Equal(proof.VerificationKey) {
		t.Fatal("decoded verification key should match the original")
	}
	if len(decoded.Neighbors) != len(proof.Neighbors) {
		t.Fatalf("expected %d neighbors, got %d", len(proof.Neighbors), len(decoded.Neighbors))
	}
	for i := range proof.Neighbors {
		if decoded.Neighbors[i] != proof.Neighbors[i] {
			t.Fatalf("neighbor %d mismatch: got %+v, want %+v", i, decoded.Neighbors[i], proof.Neighbors[i])
		}
	}

	pred := FromTree(tree)
	op := ProveTaproot(pred, prog, decoded)
	if err := op.Verify(); err != nil {
		t.Fatalf("round-tripped proof should still verify: %v", err)
	}
}

func TestDecodeCallProofRejectsTruncatedInput(t *testing.T) {
	if _, err := DecodeCallProof(nil); err != ErrMalformedProof {
		t.Fatalf("expected ErrMalformedProof for empty input, got %v", err)
	}
	key := randomPoint(t)
	short := append(key.Bytes(), 0x00, 0x00, 0x00)
	if _, err := DecodeCallProof(short); err != ErrMalformedProof {
		t.Fatalf("expected ErrMalformedProof for truncated positions field, got %v", err)
	}
}
