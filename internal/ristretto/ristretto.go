// Package ristretto wraps the ristretto255 prime-order group used for every
// commitment, predicate key, and signature in the ZkVM. Low-level group
// arithmetic is assumed available per the core specification; this module
// sources it from github.com/cloudflare/circl/group, the one ristretto255
// implementation grounded in the retrieved example corpus
// (_examples/parsdao-pars imports github.com/cloudflare/circl elsewhere).
package ristretto

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"github.com/cloudflare/circl/group"
)

// ErrInvalidEncoding is returned when a point or scalar fails to decode, e.g.
// a non-canonical scalar encoding (x != x mod |G|) or a point that doesn't
// lie on the curve.
var ErrInvalidEncoding = errors.New("ristretto: invalid encoding")

// suite is the ristretto255 group instance backing all arithmetic below.
var suite = group.Ristretto255

// groupOrder is the order l of the ristretto255 prime-order subgroup:
// 2^252 + 27742317777372353535851937790883648493. It is used only to reduce
// wide (64-byte) transcript challenge output into a canonical scalar, which
// circl's Scalar interface does not expose directly.
var groupOrder, _ = new(big.Int).SetString("1000000000000000000000000000000014DEF9DEA2F79CD65812631A5CF5D3ED", 16)

// Scalar is an integer modulo the ristretto255 group order.
type Scalar struct{ s group.Scalar }

// Point is a ristretto255 group element.
type Point struct{ p group.Element }

// Generators holds the two nothing-up-my-sleeve base points B and
// B_blinding used by every Pedersen commitment: C = value*B + blinding*B_blinding.
type Generators struct {
	B         *Point
	BBlinding *Point
}

var defaultGenerators = newDefaultGenerators()

func newDefaultGenerators() Generators {
	b := &Point{p: suite.Generator()}
	// B_blinding has no known discrete log relative to B: derive it via the
	// group's hash-to-curve with a fixed, literal domain-separation tag.
	bb := &Point{p: suite.HashToElement([]byte("ZkVM.base-blinding-generator"), []byte("ristretto255_XMD:SHA-512_R255MAP_RO_"))}
	return Generators{B: b, BBlinding: bb}
}

// DefaultGenerators returns the canonical (B, B_blinding) pair.
func DefaultGenerators() Generators { return defaultGenerators }

// NewScalar returns the zero scalar.
func NewScalar() *Scalar { return &Scalar{s: suite.NewScalar()} }

// ScalarFromUint64 builds a scalar from a small integer (e.g. a quantity).
func ScalarFromUint64(v uint64) *Scalar {
	s := suite.NewScalar()
	s.SetUint64(v)
	return &Scalar{s: s}
}

// RandomScalar draws a uniformly random nonzero scalar.
func RandomScalar() (*Scalar, error) {
	s := suite.RandomScalar(rand.Reader)
	return &Scalar{s: s}, nil
}

// ScalarFromCanonicalBytes decodes a 32-byte little-endian scalar, rejecting
// any encoding that is not the unique representative in [0, order).
func ScalarFromCanonicalBytes(b []byte) (*Scalar, error) {
	if len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	s := suite.NewScalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, ErrInvalidEncoding
	}
	out, _ := s.MarshalBinary()
	for i := range out {
		if out[i] != b[i] {
			return nil, ErrInvalidEncoding
		}
	}
	return &Scalar{s: s}, nil
}

// ScalarFromWideBytes reduces a 64-byte buffer (as produced by a transcript
// challenge) modulo the group order, matching the
// from_bytes_mod_order_wide construction used throughout the original
// Fiat-Shamir challenge derivations.
func ScalarFromWideBytes(wide [64]byte) *Scalar {
	le := make([]byte, 64)
	copy(le, wide[:])
	reverse(le)
	n := new(big.Int).SetBytes(le)
	n.Mod(n, groupOrder)
	canon := make([]byte, 32)
	nb := n.Bytes()
	reverse(nb)
	copy(canon, nb)
	s := suite.NewScalar()
	_ = s.UnmarshalBinary(canon)
	return &Scalar{s: s}
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Bytes returns the canonical 32-byte little-endian encoding.
func (s *Scalar) Bytes() []byte {
	b, _ := s.s.MarshalBinary()
	return b
}

// Add returns a+b.
func (s *Scalar) Add(b *Scalar) *Scalar {
	r := suite.NewScalar()
	r.Add(s.s, b.s)
	return &Scalar{s: r}
}

// Sub returns a-b.
func (s *Scalar) Sub(b *Scalar) *Scalar {
	r := suite.NewScalar()
	r.Sub(s.s, b.s)
	return &Scalar{s: r}
}

// Mul returns a*b.
func (s *Scalar) Mul(b *Scalar) *Scalar {
	r := suite.NewScalar()
	r.Mul(s.s, b.s)
	return &Scalar{s: r}
}

// Neg returns -a.
func (s *Scalar) Neg() *Scalar {
	r := suite.NewScalar()
	r.Neg(s.s)
	return &Scalar{s: r}
}

// Equal reports whether two scalars are the same field element.
func (s *Scalar) Equal(b *Scalar) bool { return s.s.IsEqual(b.s) }

// IsZero reports whether the scalar is the additive identity.
func (s *Scalar) IsZero() bool { return s.Equal(NewScalar()) }

// Bytes returns the compressed 32-byte encoding of the point.
func (p *Point) Bytes() []byte {
	b, _ := p.p.MarshalBinaryCompress()
	return b
}

// PointFromBytes decompresses a 32-byte encoding.
func PointFromBytes(b []byte) (*Point, error) {
	if len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	e := suite.NewElement()
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, ErrInvalidEncoding
	}
	return &Point{p: e}, nil
}

// Identity returns the group identity element.
func Identity() *Point { return &Point{p: suite.Identity()} }

// Add returns p+q.
func (p *Point) Add(q *Point) *Point {
	r := suite.NewElement()
	r.Add(p.p, q.p)
	return &Point{p: r}
}

// Neg returns -p.
func (p *Point) Neg() *Point {
	r := suite.NewElement()
	r.Neg(p.p)
	return &Point{p: r}
}

// Mul returns s*p.
func (p *Point) Mul(s *Scalar) *Point {
	r := suite.NewElement()
	r.Mul(p.p, s.s)
	return &Point{p: r}
}

// MulBase returns s*B, the base-point scalar multiplication.
func MulBase(s *Scalar) *Point {
	r := suite.NewElement()
	r.MulGen(s.s)
	return &Point{p: r}
}

// Equal reports whether two points are the same group element.
func (p *Point) Equal(q *Point) bool { return p.p.IsEqual(q.p) }

// IsIdentity reports whether p is the group identity.
func (p *Point) IsIdentity() bool { return p.p.IsIdentity() }

// HashToPoint derives a nothing-up-my-sleeve point from arbitrary bytes
// (used e.g. for per-output blinding-leaf generators).
func HashToPoint(msg, dst []byte) *Point {
	return &Point{p: suite.HashToElement(msg, dst)}
}

// RandomPoint is used only by tests needing an arbitrary group element.
func RandomPoint(r io.Reader) *Point {
	if r == nil {
		r = rand.Reader
	}
	return &Point{p: suite.RandomElement(r)}
}
