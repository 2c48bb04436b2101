// Package address implements the send-to-address protocol: a 64-byte
// (control key, encryption key) pair encoded as bech32 lets a sender pay a
// recipient without an interactive exchange of one-time receivers. The
// payment's quantity and flavor travel inside the transaction as ordinary
// Pedersen commitments, plus a 73-byte opaque ciphertext (also embedded in
// the transaction log) that only the recipient's encryption key can open.
package address

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/ccoin/zkvm-core/internal/predicate"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/transcript"
)

const ciphertextLen = 73

var (
	ErrInvalidLabel       = errors.New("address: label must be 1-83 printable ASCII characters of a single case")
	ErrMalformedAddress   = errors.New("address: decoded payload is not 64 bytes")
	ErrMalformedCipher    = errors.New("address: ciphertext is not 73 bytes")
	ErrDistinguisherMiss  = errors.New("address: distinguisher byte does not match, not addressed to this key")
	ErrDecryptionFailed   = errors.New("address: decrypted value does not match its commitments")
)

// Label is a bech32 human-readable prefix: 1 to 83 printable ASCII
// characters, not mixing upper and lower case (bech32's own constraint).
type Label string

// NewLabel validates s as a usable bech32 prefix.
func NewLabel(s string) (Label, error) {
	if len(s) == 0 || len(s) > 83 {
		return "", ErrInvalidLabel
	}
	hasUpper, hasLower := false, false
	for _, r := range s {
		if r < 33 || r > 126 {
			return "", ErrInvalidLabel
		}
		if r >= 'A' && r <= 'Z' {
			hasUpper = true
		}
		if r >= 'a' && r <= 'z' {
			hasLower = true
		}
	}
	if hasUpper && hasLower {
		return "", ErrInvalidLabel
	}
	return Label(s), nil
}

// Address is a reusable payment destination: a control key that can spend
// the funds, and an encryption key that can read what was sent.
type Address struct {
	Label          Label
	ControlKey     *ristretto.Point
	EncryptionKey  *ristretto.Point
}

// New builds an address from its two keys.
func New(label Label, controlKey, encryptionKey *ristretto.Point) *Address {
	return &Address{Label: label, ControlKey: controlKey, EncryptionKey: encryptionKey}
}

// Predicate returns the control key wrapped as an opaque spending
// predicate, the form it takes as a contract's guard.
func (a *Address) Predicate() predicate.Predicate {
	return predicate.Opaque(a.ControlKey)
}

// String encodes the address as bech32 with Label as its human-readable
// part: control key then encryption key, 64 bytes total.
func (a *Address) String() string {
	data := make([]byte, 0, 64)
	data = append(data, a.ControlKey.Bytes()...)
	data = append(data, a.EncryptionKey.Bytes()...)
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		panic(err) // fixed-size input, conversion cannot fail
	}
	s, err := bech32.Encode(string(a.Label), conv)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse decodes a bech32-encoded address string.
func Parse(s string) (*Address, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, err
	}
	label, err := NewLabel(hrp)
	if err != nil {
		return nil, err
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(raw) != 64 {
		return nil, ErrMalformedAddress
	}
	control, err := ristretto.PointFromBytes(raw[0:32])
	if err != nil {
		return nil, err
	}
	enc, err := ristretto.PointFromBytes(raw[32:64])
	if err != nil {
		return nil, err
	}
	return &Address{Label: label, ControlKey: control, EncryptionKey: enc}, nil
}

// ClearValue is a quantity and flavor in the open, before blinding.
type ClearValue struct {
	Qty    uint64
	Flavor *ristretto.Scalar
}

// Commitment is a Pedersen commitment to a single scalar.
type Commitment struct{ Point *ristretto.Point }

func commit(value, blinding *ristretto.Scalar) Commitment {
	gens := ristretto.DefaultGenerators()
	return Commitment{Point: gens.B.Mul(value).Add(gens.BBlinding.Mul(blinding))}
}

// EncryptedValue is the public pair of commitments a send-to-address output
// carries: the same shape the VM's Value type commits to once issued onto
// the stack via var/unblind.
type EncryptedValue struct {
	Qty    Commitment
	Flavor Commitment
}

// Receiver is what the recipient recovers after a successful decryption:
// the cleartext value and the blinding factors needed to spend it.
type Receiver struct {
	ControlKey    *ristretto.Point
	Value         ClearValue
	QtyBlinding   *ristretto.Scalar
	FlavorBlinding *ristretto.Scalar
}

// Encrypt blinds value under fresh randomness derived from a Diffie-Hellman
// shared secret with the address's encryption key, and returns both the
// receiver (the sender's own record of what it sent and with which
// blinding factors) and the 73-byte ciphertext to embed in the
// transaction's log.
func (a *Address) Encrypt(value ClearValue) (*Receiver, EncryptedValue, []byte, error) {
	nonceScalar, err := ristretto.RandomScalar()
	if err != nil {
		return nil, EncryptedValue{}, nil, err
	}
	noncePoint := ristretto.MulBase(nonceScalar)
	dh := a.EncryptionKey.Mul(nonceScalar)

	flvBlind, qtyBlind, flvPad, qtyPad := a.deriveKeysFromDH(dh)

	encrypted := EncryptedValue{
		Qty:    commit(ristretto.ScalarFromUint64(value.Qty), qtyBlind),
		Flavor: commit(value.Flavor, flvBlind),
	}

	xorInto(flvPad[:], value.Flavor.Bytes())
	xorInto(qtyPad[:], le64(value.Qty))

	ciphertext := make([]byte, 0, ciphertextLen)
	ciphertext = append(ciphertext, noncePoint.Bytes()...)
	ciphertext = append(ciphertext, flvPad[:]...)
	ciphertext = append(ciphertext, qtyPad[:]...)
	ciphertext = append(ciphertext, a.computeDistinguisher(ciphertext, encrypted))

	receiver := &Receiver{
		ControlKey:     a.ControlKey,
		Value:          value,
		QtyBlinding:    qtyBlind,
		FlavorBlinding: flvBlind,
	}
	return receiver, encrypted, ciphertext, nil
}

// Decrypt attempts to open candidateData against value using
// decryptionKey (the private half of EncryptionKey). It fails fast on a
// length or distinguisher mismatch, so it is safe to call on every log
// entry of a transaction without pre-filtering.
func (a *Address) Decrypt(value EncryptedValue, candidateData []byte, decryptionKey *ristretto.Scalar) (*Receiver, error) {
	if len(candidateData) != ciphertextLen {
		return nil, ErrMalformedCipher
	}
	tag := candidateData[72]
	if tag != a.computeDistinguisher(candidateData[:72], value) {
		return nil, ErrDistinguisherMiss
	}

	noncePoint, err := ristretto.PointFromBytes(candidateData[0:32])
	if err != nil {
		return nil, err
	}
	dh := noncePoint.Mul(decryptionKey)

	flvBlind, qtyBlind, flvPad, qtyPad := a.deriveKeysFromDH(dh)

	var flvBytes [32]byte
	copy(flvBytes[:], candidateData[32:64])
	xorInto(flvBytes[:], flvPad[:])
	flv, err := ristretto.ScalarFromCanonicalBytes(flvBytes[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var qtyBytes [8]byte
	copy(qtyBytes[:], candidateData[64:72])
	xorInto(qtyBytes[:], qtyPad[:])
	qty := le64ToUint64(qtyBytes[:])

	expected := EncryptedValue{
		Qty:    commit(ristretto.ScalarFromUint64(qty), qtyBlind),
		Flavor: commit(flv, flvBlind),
	}
	if !expected.Qty.Point.Equal(value.Qty.Point) || !expected.Flavor.Point.Equal(value.Flavor.Point) {
		return nil, ErrDecryptionFailed
	}

	return &Receiver{
		ControlKey:     a.ControlKey,
		Value:          ClearValue{Qty: qty, Flavor: flv},
		QtyBlinding:    qtyBlind,
		FlavorBlinding: flvBlind,
	}, nil
}

// deriveKeysFromDH derives the blinding factors and one-time pads used to
// both commit to and hide a payment's quantity and flavor, all as a single
// function of the shared Diffie-Hellman secret so sender and recipient
// agree without further communication.
func (a *Address) deriveKeysFromDH(dh *ristretto.Point) (flvBlind, qtyBlind *ristretto.Scalar, flvPad [32]byte, qtyPad [8]byte) {
	t := transcript.New("ZkVM.address.encrypt")
	t.AppendMessage("prefix", []byte(a.Label))
	t.AppendPoint("control_key", a.ControlKey)
	t.AppendPoint("dh", dh)
	flvBlind = t.ChallengeScalar("flv_blinding")
	qtyBlind = t.ChallengeScalar("qty_blinding")
	t.ChallengeBytes("flv_pad", flvPad[:])
	t.ChallengeBytes("qty_pad", qtyPad[:])
	return
}

// computeDistinguisher produces a one-byte tag keyed by the address, so a
// scanner holding only the address (not the decryption key) can cheaply
// discard log entries that are not a payment to it, without learning
// anything about entries that are.
func (a *Address) computeDistinguisher(ct []byte, value EncryptedValue) byte {
	t := transcript.New("ZkVM.address.distinguisher")
	t.AppendPoint("control_key", a.ControlKey)
	t.AppendPoint("encryption_key", a.EncryptionKey)
	t.AppendPoint("qty", value.Qty.Point)
	t.AppendPoint("flavor", value.Flavor.Point)
	t.AppendMessage("ct", ct)
	var out [1]byte
	t.ChallengeBytes("tag", out[:])
	return out[0]
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func le64ToUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
