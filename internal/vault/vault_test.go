package vault

import (
	"bytes"
	"testing"

	"github.com/R3E-Network/mixer_core/internal/errors"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	v, err := NewLocal("test-master-secret", "mixer-core-v1", 4096)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	secret := []byte("L1aW4aubDFB7yfras2S1mN3bqg9nwySY8nkoLmJebSLD5BWv3ENZ")

	ct, iv, err := v.Seal(secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ct, secret) {
		t.Fatal("ciphertext contains plaintext")
	}
	if len(iv) != 16 {
		t.Fatalf("iv length = %d, want 16", len(iv))
	}

	got, err := v.Unseal(ct, iv)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Fatalf("Unseal = %q, want %q", got, secret)
	}
}

func TestSealFreshIVPerCall(t *testing.T) {
	v, err := NewLocal("test-master-secret", "mixer-core-v1", 4096)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ct1, iv1, err := v.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct2, iv2, err := v.Seal([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(iv1, iv2) {
		t.Fatal("IVs repeated across calls")
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatal("ciphertexts repeated across calls")
	}
}

func TestUnsealWrongKeyFails(t *testing.T) {
	a, _ := NewLocal("secret-a", "mixer-core-v1", 4096)
	b, _ := NewLocal("secret-b", "mixer-core-v1", 4096)

	ct, iv, err := a.Seal([]byte("private key bytes"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Unseal(ct, iv); err == nil {
		t.Fatal("Unseal with wrong key succeeded")
	}
}

func TestSaltChangesDerivedKey(t *testing.T) {
	a, _ := NewLocal("shared-secret", "salt-one", 4096)
	b, _ := NewLocal("shared-secret", "salt-two", 4096)

	ct, iv, err := a.Seal([]byte("private key bytes"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Unseal(ct, iv); err == nil {
		t.Fatal("different salt unsealed the same ciphertext")
	}
}

func TestNewLocalRequiresSecret(t *testing.T) {
	if _, err := NewLocal("", "mixer-core-v1", 4096); errors.KindOf(err) != errors.KindInputValidation {
		t.Fatalf("kind = %v, want %v", errors.KindOf(err), errors.KindInputValidation)
	}
}

func TestSealEmptyPlaintextRejected(t *testing.T) {
	v, _ := NewLocal("test-master-secret", "mixer-core-v1", 4096)
	if _, _, err := v.Seal(nil); errors.KindOf(err) != errors.KindInputValidation {
		t.Fatalf("kind = %v, want %v", errors.KindOf(err), errors.KindInputValidation)
	}
}

func TestUnsealTamperedCiphertext(t *testing.T) {
	v, _ := NewLocal("test-master-secret", "mixer-core-v1", 4096)
	ct, iv, err := v.Seal([]byte("private key bytes"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	got, err := v.Unseal(ct, iv)
	if err == nil && bytes.Equal(got, []byte("private key bytes")) {
		t.Fatal("tampered ciphertext unsealed to the original plaintext")
	}
}
