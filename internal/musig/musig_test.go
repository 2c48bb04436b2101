package musig

import (
	"testing"

	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
)

func freshTranscript(msg string) *transcript.Transcript {
	t := transcript.New("ZkVM.musig-test")
	t.AppendMessage("message", []byte(msg))
	return t
}

func TestSignSingleVerifies(t *testing.T) {
	priv, err := ristretto.RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	X := ristretto.MulBase(priv)

	sig, err := SignSingle(freshTranscript("hello"), priv)
	if err != nil {
		t.Fatalf("SignSingle: %v", err)
	}
	if err := sig.Verify(freshTranscript("hello"), X); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSignSingleRejectsWrongMessage(t *testing.T) {
	priv, _ := ristretto.RandomScalar()
	X := ristretto.MulBase(priv)
	sig, err := SignSingle(freshTranscript("hello"), priv)
	if err != nil {
		t.Fatalf("SignSingle: %v", err)
	}
	if err := sig.Verify(freshTranscript("goodbye"), X); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSignSingleRejectsWrongKey(t *testing.T) {
	priv, _ := ristretto.RandomScalar()
	other, _ := ristretto.RandomScalar()
	sig, err := SignSingle(freshTranscript("hello"), priv)
	if err != nil {
		t.Fatalf("SignSingle: %v", err)
	}
	if err := sig.Verify(freshTranscript("hello"), ristretto.MulBase(other)); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSignSingleNoncesAreNotReused(t *testing.T) {
	priv, _ := ristretto.RandomScalar()
	sig1, err := SignSingle(freshTranscript("hello"), priv)
	if err != nil {
		t.Fatalf("SignSingle: %v", err)
	}
	sig2, err := SignSingle(freshTranscript("hello"), priv)
	if err != nil {
		t.Fatalf("SignSingle: %v", err)
	}
	if sig1.R.Equal(sig2.R) {
		t.Fatal("two signing sessions over the same transcript state should not reuse the nonce")
	}
}

func TestNewMultikeyRejectsEmptySet(t *testing.T) {
	if _, err := NewMultikey(nil); err != ErrNoKeys {
		t.Fatalf("expected ErrNoKeys, got %v", err)
	}
}

func TestMultikeyFactorForUnknownKeyIsNil(t *testing.T) {
	k1, _ := ristretto.RandomScalar()
	k2, _ := ristretto.RandomScalar()
	mk, err := NewMultikey([]*ristretto.Point{ristretto.MulBase(k1)})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}
	if mk.FactorForKey(ristretto.MulBase(k2)) != nil {
		t.Fatal("a key outside the aggregation should have no factor")
	}
}

func TestMultikeyAggregationIsOrderDependent(t *testing.T) {
	k1, _ := ristretto.RandomScalar()
	k2, _ := ristretto.RandomScalar()
	X1, X2 := ristretto.MulBase(k1), ristretto.MulBase(k2)

	mkA, err := NewMultikey([]*ristretto.Point{X1, X2})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}
	mkB, err := NewMultikey([]*ristretto.Point{X2, X1})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}
	if mkA.AggregatedKey().Equal(mkB.AggregatedKey()) {
		t.Fatal("aggregating the same keys in a different order should change the factors and aggregate key")
	}
}

// twoOfTwoSign runs the full three-round protocol for two parties signing
// under their MuSig-aggregated key and returns the resulting signature.
func twoOfTwoSign(t *testing.T, msg string, k1, k2 *ristretto.Scalar, mk *Multikey) *Signature {
	t.Helper()
	X1, X2 := ristretto.MulBase(k1), ristretto.MulBase(k2)
	pubkeys := []*ristretto.Point{X1, X2}

	tr1 := freshTranscript(msg)
	tr2 := freshTranscript(msg)

	var party Party
	p1, pc1, err := party.New(tr1, k1, mk, pubkeys)
	if err != nil {
		t.Fatalf("party 1 New: %v", err)
	}
	p2, pc2, err := party.New(tr2, k2, mk, pubkeys)
	if err != nil {
		t.Fatalf("party 2 New: %v", err)
	}

	precommitments := []NoncePrecommitment{pc1, pc2}
	c1, R1, err := p1.ReceivePrecommitments(precommitments)
	if err != nil {
		t.Fatalf("party 1 ReceivePrecommitments: %v", err)
	}
	c2, R2, err := p2.ReceivePrecommitments(precommitments)
	if err != nil {
		t.Fatalf("party 2 ReceivePrecommitments: %v", err)
	}

	commitments := []*ristretto.Point{R1, R2}
	s1state, share1, err := c1.ReceiveCommitments(commitments)
	if err != nil {
		t.Fatalf("party 1 ReceiveCommitments: %v", err)
	}
	s2state, share2, err := c2.ReceiveCommitments(commitments)
	if err != nil {
		t.Fatalf("party 2 ReceiveCommitments: %v", err)
	}

	shares := []*ristretto.Scalar{share1, share2}
	sig, err := s1state.ReceiveShares(shares, pubkeys)
	if err != nil {
		t.Fatalf("party 1 ReceiveShares: %v", err)
	}
	sigFromParty2, err := s2state.ReceiveShares(shares, pubkeys)
	if err != nil {
		t.Fatalf("party 2 ReceiveShares: %v", err)
	}
	if !sig.S.Equal(sigFromParty2.S) || !sig.R.Equal(sigFromParty2.R) {
		t.Fatal("both parties should derive the identical aggregated signature")
	}
	return sig
}

func TestTwoOfTwoMusigSignAndVerify(t *testing.T) {
	k1, _ := ristretto.RandomScalar()
	k2, _ := ristretto.RandomScalar()
	mk, err := NewMultikey([]*ristretto.Point{ristretto.MulBase(k1), ristretto.MulBase(k2)})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}

	sig := twoOfTwoSign(t, "joint spend", k1, k2, mk)
	if err := sig.Verify(freshTranscript("joint spend"), mk.AggregatedKey()); err != nil {
		t.Fatalf("aggregated signature should verify under the aggregated key: %v", err)
	}
}

func TestReceiveCommitmentsRejectsBadPrecommitment(t *testing.T) {
	k1, _ := ristretto.RandomScalar()
	k2, _ := ristretto.RandomScalar()
	X1, X2 := ristretto.MulBase(k1), ristretto.MulBase(k2)
	mk, err := NewMultikey([]*ristretto.Point{X1, X2})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}
	pubkeys := []*ristretto.Point{X1, X2}

	var party Party
	p1, pc1, err := party.New(freshTranscript("msg"), k1, mk, pubkeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, pc2, err := party.New(freshTranscript("msg"), k2, mk, pubkeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c1, _, err := p1.ReceivePrecommitments([]NoncePrecommitment{pc1, pc2})
	if err != nil {
		t.Fatalf("ReceivePrecommitments: %v", err)
	}

	forged := ristretto.MulBase(ristretto.ScalarFromUint64(9999))
	if _, _, err := c1.ReceiveCommitments([]*ristretto.Point{forged, forged}); err != ErrPrecommitMismatch {
		t.Fatalf("expected ErrPrecommitMismatch, got %v", err)
	}
}

func TestReceiveTrustedSharesSkipsVerification(t *testing.T) {
	k1, _ := ristretto.RandomScalar()
	k2, _ := ristretto.RandomScalar()
	X1, X2 := ristretto.MulBase(k1), ristretto.MulBase(k2)
	mk, err := NewMultikey([]*ristretto.Point{X1, X2})
	if err != nil {
		t.Fatalf("NewMultikey: %v", err)
	}
	pubkeys := []*ristretto.Point{X1, X2}

	msg := "trusted"
	var party Party
	p1, pc1, err := party.New(freshTranscript(msg), k1, mk, pubkeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p2, pc2, err := party.New(freshTranscript(msg), k2, mk, pubkeys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	precommitments := []NoncePrecommitment{pc1, pc2}
	c1, R1, err := p1.ReceivePrecommitments(precommitments)
	if err != nil {
		t.Fatalf("ReceivePrecommitments: %v", err)
	}
	c2, R2, err := p2.ReceivePrecommitments(precommitments)
	if err != nil {
		t.Fatalf("ReceivePrecommitments: %v", err)
	}
	commitments := []*ristretto.Point{R1, R2}
	s1, share1, err := c1.ReceiveCommitments(commitments)
	if err != nil {
		t.Fatalf("ReceiveCommitments: %v", err)
	}
	_, share2, err := c2.ReceiveCommitments(commitments)
	if err != nil {
		t.Fatalf("ReceiveCommitments: %v", err)
	}

	sig := s1.ReceiveTrustedShares([]*ristretto.Scalar{share1, share2})
	if err := sig.Verify(freshTranscript(msg), mk.AggregatedKey()); err != nil {
		t.Fatalf("trusted aggregation should still produce a valid signature: %v", err)
	}
}
