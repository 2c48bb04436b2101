// Package pointops implements deferred group-identity assertions. The ZkVM
// never verifies a signature or a Taproot membership proof inline; instead
// it pushes a PointOp describing the linear combination that must vanish,
// and a single batched multi-scalar multiplication discharges every
// deferred check at the end of a run.
package pointops

import (
	"errors"

	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
)

// ErrVerificationFailed is returned when a PointOp (or a batch of them) does
// not sum to the group identity.
var ErrVerificationFailed = errors.New("pointops: verification failed")

// Term is one (scalar, point) pair in a PointOp's arbitrary-terms list.
type Term struct {
	Scalar *ristretto.Scalar
	Point  *ristretto.Point
}

// PointOp asserts:
//
//	Primary*B + Secondary*B_blinding + sum(Arbitrary) == identity
//
// Primary and Secondary are optional (nil means the corresponding term is
// omitted, not zero-weighted — this matters because a genuinely-zero scalar
// still costs a multiplication in the batched MSM).
type PointOp struct {
	Primary   *ristretto.Scalar
	Secondary *ristretto.Scalar
	Arbitrary []Term
}

// Verify checks this single PointOp in isolation.
func (op PointOp) Verify() error {
	gens := ristretto.DefaultGenerators()
	sum := ristretto.Identity()
	if op.Primary != nil {
		sum = sum.Add(gens.B.Mul(op.Primary))
	}
	if op.Secondary != nil {
		sum = sum.Add(gens.BBlinding.Mul(op.Secondary))
	}
	for _, t := range op.Arbitrary {
		sum = sum.Add(t.Point.Mul(t.Scalar))
	}
	if !sum.IsIdentity() {
		return ErrVerificationFailed
	}
	return nil
}

// VerifyBatch combines many PointOps into a single multi-scalar
// multiplication using independent random weights drawn from a fresh
// transcript, and checks the weighted sum is the identity. A batch fails
// iff at least one constituent PointOp would fail on its own; a failing
// batch does not identify which operation would have failed, by design
// (the caller re-verifies individually only when it needs to localize a
// fault).
func VerifyBatch(ops []PointOp) error {
	if len(ops) == 0 {
		return nil
	}
	if len(ops) == 1 {
		return ops[0].Verify()
	}

	t := transcript.New("ZkVM.batch-verify")
	for i, op := range ops {
		t.AppendU64("op-index", uint64(i))
		if op.Primary != nil {
			t.AppendScalar("primary", op.Primary)
		}
		if op.Secondary != nil {
			t.AppendScalar("secondary", op.Secondary)
		}
		for _, term := range op.Arbitrary {
			t.AppendScalar("scalar", term.Scalar)
			t.AppendPoint("point", term.Point)
		}
	}

	gens := ristretto.DefaultGenerators()
	var primarySum, secondarySum *ristretto.Scalar
	type weightedTerm struct {
		scalar *ristretto.Scalar
		point  *ristretto.Point
	}
	var terms []weightedTerm

	for i, op := range ops {
		weight := t.ChallengeScalar("batch-weight:" + itoa(i))
		if op.Primary != nil {
			w := op.Primary.Mul(weight)
			if primarySum == nil {
				primarySum = w
			} else {
				primarySum = primarySum.Add(w)
			}
		}
		if op.Secondary != nil {
			w := op.Secondary.Mul(weight)
			if secondarySum == nil {
				secondarySum = w
			} else {
				secondarySum = secondarySum.Add(w)
			}
		}
		for _, term := range op.Arbitrary {
			terms = append(terms, weightedTerm{scalar: term.Scalar.Mul(weight), point: term.Point})
		}
	}

	sum := ristretto.Identity()
	if primarySum != nil {
		sum = sum.Add(gens.B.Mul(primarySum))
	}
	if secondarySum != nil {
		sum = sum.Add(gens.BBlinding.Mul(secondarySum))
	}
	for _, wt := range terms {
		sum = sum.Add(wt.point.Mul(wt.scalar))
	}

	if !sum.IsIdentity() {
		return ErrVerificationFailed
	}
	return nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
