package cloak

import "testing"

func balancedWitness() Witness {
	return Witness{
		Y:         7,
		Z:         11,
		InQty:     []int64{100, 50},
		InFlavor:  []int64{1, 2},
		OutQty:    []int64{50, 100},
		OutFlavor: []int64{2, 1},
	}
}

func TestProveAndVerifyBalancedWitness(t *testing.T) {
	mgr := NewManager()
	w := balancedWitness()

	proof, err := mgr.Prove(w)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}

	err = mgr.Verify(len(w.InQty), len(w.OutQty), w.Y, w.Z, w.OutQty, w.OutFlavor, proof)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsMismatchedPublicInputs(t *testing.T) {
	mgr := NewManager()
	w := balancedWitness()

	proof, err := mgr.Prove(w)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}

	tamperedOutQty := []int64{81, 70}
	err = mgr.Verify(len(w.InQty), len(w.OutQty), w.Y, w.Z, tamperedOutQty, w.OutFlavor, proof)
	if err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestVerifyUnknownShapeFailsClosed(t *testing.T) {
	mgr := NewManager()
	err := mgr.Verify(3, 3, 1, 2, []int64{1, 2, 3}, []int64{1, 1, 1}, []byte{0x00})
	if err != ErrShapeNotCompiled {
		t.Fatalf("expected ErrShapeNotCompiled for a shape never compiled, got %v", err)
	}
}

func TestCompileIsIdempotentPerShape(t *testing.T) {
	mgr := NewManager()
	if err := mgr.Compile(2, 2); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if err := mgr.Compile(2, 2); err != nil {
		t.Fatalf("second Compile of the same shape should be a cache hit, not an error: %v", err)
	}
}

func TestProveCompilesDistinctCircuitsPerShape(t *testing.T) {
	mgr := NewManager()

	w1 := Witness{Y: 3, Z: 5, InQty: []int64{10}, InFlavor: []int64{1}, OutQty: []int64{10}, OutFlavor: []int64{1}}
	if _, err := mgr.Prove(w1); err != nil {
		t.Fatalf("Prove(1,1): %v", err)
	}

	w2 := balancedWitness()
	if _, err := mgr.Prove(w2); err != nil {
		t.Fatalf("Prove(2,2): %v", err)
	}

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if len(mgr.constraints) != 2 {
		t.Fatalf("expected 2 cached circuit shapes, got %d", len(mgr.constraints))
	}
}
