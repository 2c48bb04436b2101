package ristretto

import "testing"

func TestScalarArithmetic(t *testing.T) {
	a := ScalarFromUint64(5)
	b := ScalarFromUint64(7)

	sum := a.Add(b)
	if !sum.Equal(ScalarFromUint64(12)) {
		t.Fatal("5+7 should equal 12")
	}

	diff := b.Sub(a)
	if !diff.Equal(ScalarFromUint64(2)) {
		t.Fatal("7-5 should equal 2")
	}

	prod := a.Mul(b)
	if !prod.Equal(ScalarFromUint64(35)) {
		t.Fatal("5*7 should equal 35")
	}

	if !a.Add(a.Neg()).IsZero() {
		t.Fatal("a + (-a) should be zero")
	}
}

func TestScalarCanonicalRoundTrip(t *testing.T) {
	s := ScalarFromUint64(123456789)
	decoded, err := ScalarFromCanonicalBytes(s.Bytes())
	if err != nil {
		t.Fatalf("ScalarFromCanonicalBytes: %v", err)
	}
	if !decoded.Equal(s) {
		t.Fatal("round-tripped scalar should equal the original")
	}
}

func TestScalarFromCanonicalBytesRejectsWrongLength(t *testing.T) {
	if _, err := ScalarFromCanonicalBytes([]byte{1, 2, 3}); err != ErrInvalidEncoding {
		t.Fatalf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestScalarFromWideBytesIsDeterministic(t *testing.T) {
	var wide [64]byte
	for i := range wide {
		wide[i] = byte(i)
	}
	a := ScalarFromWideBytes(wide)
	b := ScalarFromWideBytes(wide)
	if !a.Equal(b) {
		t.Fatal("reducing the same wide buffer twice should give the same scalar")
	}
}

func TestPointArithmeticAndEncoding(t *testing.T) {
	priv, err := RandomScalar()
	if err != nil {
		t.Fatalf("RandomScalar: %v", err)
	}
	pub := MulBase(priv)

	decoded, err := PointFromBytes(pub.Bytes())
	if err != nil {
		t.Fatalf("PointFromBytes: %v", err)
	}
	if !decoded.Equal(pub) {
		t.Fatal("decoded point should equal the original")
	}

	if !pub.Add(Identity()).Equal(pub) {
		t.Fatal("p + identity should equal p")
	}
	if !pub.Add(pub.Neg()).IsIdentity() {
		t.Fatal("p + (-p) should be the identity")
	}
}

func TestMulBaseMatchesGeneratorMul(t *testing.T) {
	s := ScalarFromUint64(42)
	gen := DefaultGenerators().B
	if !MulBase(s).Equal(gen.Mul(s)) {
		t.Fatal("MulBase(s) should equal B.Mul(s)")
	}
}

func TestHashToPointIsDeterministicAndDistinct(t *testing.T) {
	p1 := HashToPoint([]byte("msg"), []byte("dst"))
	p2 := HashToPoint([]byte("msg"), []byte("dst"))
	if !p1.Equal(p2) {
		t.Fatal("HashToPoint should be deterministic for the same inputs")
	}
	p3 := HashToPoint([]byte("other"), []byte("dst"))
	if p1.Equal(p3) {
		t.Fatal("HashToPoint should differ for different messages")
	}
}
