// Package txverify ties together the pieces a confidential transaction is
// made of — the VM's program execution, the deferred point operations it
// collects, its top-level MuSig signature, and its cloak range proof — into
// the single combined check a transaction must pass before it can be
// applied to the chain state.
package txverify

import (
	"bytes"
	"errors"

	"github.com/ccoin/zkvm-core/internal/cloak"
	"github.com/ccoin/zkvm-core/internal/musig"
	"github.com/ccoin/zkvm-core/internal/pointops"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
	"github.com/ccoin/zkvm-core/internal/vm"
	"github.com/ccoin/zkvm-core/pkg/types"
)

const txSigLabel = "ZkVM.txsig"

var (
	ErrRangeProofMismatch = errors.New("txverify: attached range proof does not match the transaction's cloak calls")
	ErrMalformedSignature = errors.New("txverify: malformed signature encoding")
	ErrNoCloakManager     = errors.New("txverify: transaction needs a cloak manager to verify its multiplier gates")
)

// Execute runs tx's program to completion and returns the VM's final state
// (its deferred point operations, collected signers, and any cloak proof)
// along with the transaction id. It performs no verification of its own —
// callers that need a verified transaction should call Verify instead.
func Execute(tx *types.Tx, cloakMgr *cloak.Manager) (*vm.VM, types.Hash, error) {
	m := vm.New(tx.Program, tx.Version, tx.MinTimeMs, tx.MaxTimeMs, cloakMgr)
	txid, err := m.Run()
	if err != nil {
		return nil, types.Hash{}, err
	}
	return m, txid, nil
}

// Verify executes tx and checks every deferred assertion it produced: the
// batched Taproot/unblind point operations, the aggregated MuSig signature
// over its signers (if any signed), and that its attached range proof is
// the one its cloak calls actually produced. It returns the transaction id
// on success.
func Verify(tx *types.Tx, cloakMgr *cloak.Manager) (types.Hash, error) {
	m, txid, err := Execute(tx, cloakMgr)
	if err != nil {
		return types.Hash{}, err
	}

	if err := pointops.VerifyBatch(m.PointOps); err != nil {
		return types.Hash{}, err
	}

	if len(m.MulProofs) > 0 {
		if cloakMgr == nil {
			return types.Hash{}, ErrNoCloakManager
		}
		for _, mp := range m.MulProofs {
			if err := cloakMgr.VerifyMul(mp.Output, mp.Proof); err != nil {
				return types.Hash{}, err
			}
		}
	}

	if len(m.Signers) > 0 {
		mk, err := musig.NewMultikey(m.Signers)
		if err != nil {
			return types.Hash{}, err
		}
		sig, err := decodeSignature(tx.Signature)
		if err != nil {
			return types.Hash{}, err
		}
		if err := sig.Verify(signatureTranscript(txid), mk.AggregatedKey()); err != nil {
			return types.Hash{}, err
		}
	}

	if len(m.CloakProof) > 0 && !bytes.Equal(m.CloakProof, tx.RangeProof) {
		return types.Hash{}, ErrRangeProofMismatch
	}

	return txid, nil
}

// Sign produces the top-level signature for a fully-executed transaction
// whose signtx/signid/signtag opcodes registered exactly one signer, the
// key of priv: it signs under that key's one-key MuSig aggregate, which is
// what Verify checks against. Several signers (including the same key
// registered more than once) go through internal/musig's typestate
// protocol directly and assemble the Signature before calling
// EncodeSignature.
func Sign(txid types.Hash, priv *ristretto.Scalar) (*musig.Signature, error) {
	X := ristretto.MulBase(priv)
	mk, err := musig.NewMultikey([]*ristretto.Point{X})
	if err != nil {
		return nil, err
	}
	return musig.SignSingle(signatureTranscript(txid), priv.Mul(mk.FactorForKey(X)))
}

// EncodeSignature packs a signature into the wire format tx.Signature
// expects: R (32 bytes) followed by s (32 bytes).
func EncodeSignature(sig *musig.Signature) [types.SignatureSize]byte {
	var out [types.SignatureSize]byte
	copy(out[0:32], sig.R.Bytes())
	copy(out[32:64], sig.S.Bytes())
	return out
}

func decodeSignature(b [types.SignatureSize]byte) (*musig.Signature, error) {
	R, err := ristretto.PointFromBytes(b[0:32])
	if err != nil {
		return nil, ErrMalformedSignature
	}
	s, err := ristretto.ScalarFromCanonicalBytes(b[32:64])
	if err != nil {
		return nil, ErrMalformedSignature
	}
	return &musig.Signature{S: s, R: R}, nil
}

func signatureTranscript(txid types.Hash) *transcript.Transcript {
	t := transcript.New(txSigLabel)
	t.AppendMessage("txid", txid[:])
	return t
}
