package pointops

import (
	"testing"

	"github.com/ccoin/zkvm-core/internal/ristretto"
)

func validPrimaryOp(v uint64) PointOp {
	return PointOp{Primary: ristretto.ScalarFromUint64(v).Neg().Add(ristretto.ScalarFromUint64(v))}
}

func TestVerifySucceedsOnZeroCombination(t *testing.T) {
	op := PointOp{Primary: ristretto.NewScalar()}
	if err := op.Verify(); err != nil {
		t.Fatalf("zero primary scalar should verify: %v", err)
	}
}

func TestVerifyFailsOnNonzeroCombination(t *testing.T) {
	op := PointOp{Primary: ristretto.ScalarFromUint64(1)}
	if err := op.Verify(); err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestVerifyArbitraryTermsCancel(t *testing.T) {
	priv, _ := ristretto.RandomScalar()
	pub := ristretto.MulBase(priv)

	// s*pub - (s*priv)*B == 0, since pub == priv*B.
	s := ristretto.ScalarFromUint64(7)
	op := PointOp{
		Arbitrary: []Term{{Scalar: s, Point: pub}},
		Primary:   s.Mul(priv).Neg(),
	}
	if err := op.Verify(); err != nil {
		t.Fatalf("cancelling arbitrary term should verify: %v", err)
	}
}

func TestVerifyBatchAllValid(t *testing.T) {
	ops := []PointOp{
		{Primary: ristretto.NewScalar()},
		{Secondary: ristretto.NewScalar()},
		validPrimaryOp(3),
	}
	if err := VerifyBatch(ops); err != nil {
		t.Fatalf("batch of valid ops should verify: %v", err)
	}
}

func TestVerifyBatchRejectsOneBadOp(t *testing.T) {
	ops := []PointOp{
		{Primary: ristretto.NewScalar()},
		{Primary: ristretto.ScalarFromUint64(1)}, // does not vanish
	}
	if err := VerifyBatch(ops); err != ErrVerificationFailed {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestVerifyBatchEmpty(t *testing.T) {
	if err := VerifyBatch(nil); err != nil {
		t.Fatalf("empty batch should trivially verify: %v", err)
	}
}
