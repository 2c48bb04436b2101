package address

import (
	"testing"

	"github.com/ccoin/zkvm-core/internal/ristretto"
)

func mustLabel(t *testing.T, s string) Label {
	t.Helper()
	l, err := NewLabel(s)
	if err != nil {
		t.Fatalf("NewLabel(%q): %v", s, err)
	}
	return l
}

func testKeypair(seed uint64) (*ristretto.Scalar, *ristretto.Point) {
	priv := ristretto.ScalarFromUint64(seed)
	return priv, ristretto.MulBase(priv)
}

func TestLabelValidation(t *testing.T) {
	if _, err := NewLabel(""); err == nil {
		t.Fatal("empty label should be rejected")
	}
	if _, err := NewLabel("MixedCase"); err == nil {
		t.Fatal("mixed-case label should be rejected")
	}
	if _, err := NewLabel("test"); err != nil {
		t.Fatalf("valid label rejected: %v", err)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	_, ctrlPub := testKeypair(42)
	_, encPub := testKeypair(24)
	addr := New(mustLabel(t, "test"), ctrlPub, encPub)

	encoded := addr.String()
	decoded, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !decoded.ControlKey.Equal(addr.ControlKey) || !decoded.EncryptionKey.Equal(addr.EncryptionKey) {
		t.Fatal("round-tripped address keys do not match")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	_, ctrlPub := testKeypair(42)
	encPriv, encPub := testKeypair(24)
	addr := New(mustLabel(t, "test"), ctrlPub, encPub)

	value := ClearValue{Qty: 1000, Flavor: ristretto.ScalarFromUint64(0)}

	receiver, encValue, ciphertext, err := addr.Encrypt(value)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(ciphertext) != ciphertextLen {
		t.Fatalf("expected %d-byte ciphertext, got %d", ciphertextLen, len(ciphertext))
	}

	got, err := addr.Decrypt(encValue, ciphertext, encPriv)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got.Value.Qty != value.Qty {
		t.Fatalf("quantity mismatch: got %d want %d", got.Value.Qty, value.Qty)
	}
	if !got.QtyBlinding.Equal(receiver.QtyBlinding) || !got.FlavorBlinding.Equal(receiver.FlavorBlinding) {
		t.Fatal("recovered blinding factors do not match sender's")
	}

	if _, err := addr.Decrypt(encValue, ciphertext[:72], encPriv); err == nil {
		t.Fatal("truncated ciphertext should fail to decrypt")
	}

	for i := range ciphertext {
		tampered := append([]byte(nil), ciphertext...)
		tampered[i] ^= 0x01
		if _, err := addr.Decrypt(encValue, tampered, encPriv); err == nil {
			t.Fatalf("bit-flip at byte %d should fail to decrypt", i)
		}
	}
}
