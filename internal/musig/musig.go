// Package musig implements Schnorr signing over ristretto255: single-key
// signatures, MuSig key aggregation, and the three-round typestate protocol
// (precommit nonces, reveal nonces, reveal shares) that lets a set of
// signers jointly produce a signature valid under their aggregated key
// without any one of them learning another's private key.
package musig

import (
	"crypto/rand"
	"errors"

	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
)

var (
	ErrNoKeys              = errors.New("musig: key aggregation requires at least one key")
	ErrUnknownKey          = errors.New("musig: key is not part of this aggregation")
	ErrCountMismatch       = errors.New("musig: wrong number of counterparty values")
	ErrPrecommitMismatch   = errors.New("musig: nonce commitment does not match its precommitment")
	ErrInvalidSignature    = errors.New("musig: signature does not satisfy sG = R + c*X")
)

// Signature is a Schnorr signature: s*B = R + c*X, where c is the
// transcript challenge binding the message, the aggregated key X, and the
// nonce commitment R.
type Signature struct {
	S *ristretto.Scalar
	R *ristretto.Point
}

// SignSingle produces a signature under a single private key. The caller is
// expected to have already fed the message into t.
func SignSingle(t *transcript.Transcript, priv *ristretto.Scalar) (*Signature, error) {
	X := ristretto.MulBase(priv)
	r, err := synthesizeNonce(t, priv.Bytes())
	if err != nil {
		return nil, err
	}
	R := ristretto.MulBase(r)

	c := challenge(t, X, R)
	s := r.Add(c.Mul(priv))
	return &Signature{S: s, R: R}, nil
}

// Verify checks sig against key X. The caller must feed the same message
// into t as was used when signing.
func (sig *Signature) Verify(t *transcript.Transcript, X *ristretto.Point) error {
	c := challenge(t, X, sig.R)
	lhs := ristretto.MulBase(sig.S)
	rhs := sig.R.Add(X.Mul(c))
	if !lhs.Equal(rhs) {
		return ErrInvalidSignature
	}
	return nil
}

func challenge(t *transcript.Transcript, X, R *ristretto.Point) *ristretto.Scalar {
	tc := t.Clone()
	tc.AppendPoint("X", X)
	tc.AppendPoint("R", R)
	return tc.ChallengeScalar("c")
}

// synthesizeNonce derives a nonce scalar from the transcript state (binding
// it to the message and any prior protocol steps) plus fresh system
// randomness, so neither a broken RNG nor a frozen transcript alone can
// cause nonce reuse.
func synthesizeNonce(t *transcript.Transcript, witness []byte) (*ristretto.Scalar, error) {
	var rnd [32]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, err
	}
	tc := t.Clone()
	tc.AppendMessage("nonce-witness", witness)
	tc.AppendMessage("nonce-random", rnd[:])
	return tc.ChallengeScalar("nonce"), nil
}

// Multikey aggregates a set of verification keys into a single key
// X = sum(a_i * X_i), where each coefficient a_i = H(L, X_i) is bound to
// L = H(X_1, ..., X_n) so no participant can bias the aggregate by choosing
// their own key adaptively.
type Multikey struct {
	keys     []*ristretto.Point
	factors  map[string]*ristretto.Scalar
	aggKey   *ristretto.Point
}

// NewMultikey aggregates keys in the given order.
func NewMultikey(keys []*ristretto.Point) (*Multikey, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	lt := transcript.New("ZkVM.musig")
	lt.AppendU64("n", uint64(len(keys)))
	for _, k := range keys {
		lt.AppendPoint("X", k)
	}

	factors := make(map[string]*ristretto.Scalar, len(keys))
	agg := ristretto.Identity()
	for _, k := range keys {
		tc := lt.Clone()
		tc.AppendPoint("X_i", k)
		a := tc.ChallengeScalar("a")
		factors[string(k.Bytes())] = a
		agg = agg.Add(k.Mul(a))
	}

	return &Multikey{keys: keys, factors: factors, aggKey: agg}, nil
}

// AggregatedKey returns X = sum(a_i * X_i).
func (m *Multikey) AggregatedKey() *ristretto.Point { return m.aggKey }

// FactorForKey returns a_i for the given key, or nil if it was not part of
// this aggregation.
func (m *Multikey) FactorForKey(key *ristretto.Point) *ristretto.Scalar {
	return m.factors[string(key.Bytes())]
}

// NoncePrecommitment is a hiding commitment to a participant's nonce point,
// exchanged before any R_i is revealed so no participant can choose their
// nonce as a function of the others' (the classic rogue-nonce attack on
// naive multi-signature aggregation).
type NoncePrecommitment [32]byte

func precommit(R *ristretto.Point) NoncePrecommitment {
	t := transcript.New("ZkVM.musig.nonce-precommit")
	t.AppendPoint("R", R)
	var out NoncePrecommitment
	t.ChallengeBytes("precommitment", out[:])
	return out
}

// Party is the entry point to the multi-party signing protocol: it holds no
// state of its own and exists only to start a session via New.
type Party struct{}

// PartyAwaitingPrecommitments is the state immediately after generating an
// ephemeral nonce, before any other participant's precommitment has
// arrived.
type PartyAwaitingPrecommitments struct {
	transcript *transcript.Transcript
	multikey   *Multikey
	xi         *ristretto.Scalar
	ri         *ristretto.Scalar
	Ri         *ristretto.Point
	pubkeys    []*ristretto.Point
}

// New starts a signing session. The caller must have already fed the
// message to be signed into t.
func (Party) New(t *transcript.Transcript, xi *ristretto.Scalar, multikey *Multikey, pubkeys []*ristretto.Point) (*PartyAwaitingPrecommitments, NoncePrecommitment, error) {
	ri, err := synthesizeNonce(t, xi.Bytes())
	if err != nil {
		return nil, NoncePrecommitment{}, err
	}
	Ri := ristretto.MulBase(ri)
	return &PartyAwaitingPrecommitments{
		transcript: t,
		multikey:   multikey,
		xi:         xi,
		ri:         ri,
		Ri:         Ri,
		pubkeys:    pubkeys,
	}, precommit(Ri), nil
}

// PartyAwaitingCommitments is the state after every precommitment has been
// received, before the actual nonce points are revealed.
type PartyAwaitingCommitments struct {
	transcript     *transcript.Transcript
	multikey       *Multikey
	xi             *ristretto.Scalar
	ri             *ristretto.Scalar
	precommitments []NoncePrecommitment
}

// ReceivePrecommitments records every participant's precommitment
// (including this party's own, at whatever index it occupies) and reveals
// this party's nonce commitment R_i.
func (p *PartyAwaitingPrecommitments) ReceivePrecommitments(precommitments []NoncePrecommitment) (*PartyAwaitingCommitments, *ristretto.Point, error) {
	if len(precommitments) != len(p.pubkeys) {
		return nil, nil, ErrCountMismatch
	}
	return &PartyAwaitingCommitments{
		transcript:     p.transcript,
		multikey:       p.multikey,
		xi:             p.xi,
		ri:             p.ri,
		precommitments: precommitments,
	}, p.Ri, nil
}

// PartyAwaitingShares is the state after nonce commitments have been
// exchanged and verified against their precommitments, before signature
// shares arrive.
type PartyAwaitingShares struct {
	multikey *Multikey
	c        *ristretto.Scalar
	R        *ristretto.Point
}

// ReceiveCommitments checks every nonce commitment against its
// precommitment, sums them into the joint nonce R, derives the Fiat-Shamir
// challenge c, and returns this party's own signature share.
func (p *PartyAwaitingCommitments) ReceiveCommitments(commitments []*ristretto.Point) (*PartyAwaitingShares, *ristretto.Scalar, error) {
	if len(commitments) != len(p.precommitments) {
		return nil, nil, ErrCountMismatch
	}
	R := ristretto.Identity()
	for i, Ri := range commitments {
		if precommit(Ri) != p.precommitments[i] {
			return nil, nil, ErrPrecommitMismatch
		}
		R = R.Add(Ri)
	}

	c := challenge(p.transcript, p.multikey.AggregatedKey(), R)

	Xi := ristretto.MulBase(p.xi)
	ai := p.multikey.FactorForKey(Xi)
	if ai == nil {
		return nil, nil, ErrUnknownKey
	}
	si := p.ri.Add(c.Mul(ai).Mul(p.xi))

	return &PartyAwaitingShares{multikey: p.multikey, c: c, R: R}, si, nil
}

// ReceiveShares checks that every listed key is part of the aggregation,
// sums the shares into the final aggregated signature, and verifies that
// signature against the aggregated key and the shared challenge. Individual
// shares are not checked on their own: a bad share makes the whole
// signature fail with ErrInvalidSignature, without identifying which
// participant sent it.
func (p *PartyAwaitingShares) ReceiveShares(shares []*ristretto.Scalar, pubkeys []*ristretto.Point) (*Signature, error) {
	if len(shares) != len(pubkeys) {
		return nil, ErrCountMismatch
	}
	s := ristretto.NewScalar()
	for i := range shares {
		if p.multikey.FactorForKey(pubkeys[i]) == nil {
			return nil, ErrUnknownKey
		}
		s = s.Add(shares[i])
	}
	sig := &Signature{S: s, R: p.R}

	lhs := ristretto.MulBase(sig.S)
	rhs := sig.R.Add(p.multikey.AggregatedKey().Mul(p.c))
	if !lhs.Equal(rhs) {
		return nil, ErrInvalidSignature
	}
	return sig, nil
}

// ReceiveTrustedShares sums shares without re-verification, for the case
// where a single party controls every private key behind the aggregation.
func (p *PartyAwaitingShares) ReceiveTrustedShares(shares []*ristretto.Scalar) *Signature {
	s := ristretto.NewScalar()
	for _, si := range shares {
		s = s.Add(si)
	}
	return &Signature{S: s, R: p.R}
}
