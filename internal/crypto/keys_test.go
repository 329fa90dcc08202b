package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(kp.PrivBytes()) != ScalarLen {
		t.Errorf("private key length = %d, want %d", len(kp.PrivBytes()), ScalarLen)
	}
	if len(kp.PubBytes()) != CompressedPubKeyLen {
		t.Errorf("public key length = %d, want %d", len(kp.PubBytes()), CompressedPubKeyLen)
	}
	if kp.PubBytes()[0] != 0x02 && kp.PubBytes()[0] != 0x03 {
		t.Errorf("public key not compressed: prefix %#x", kp.PubBytes()[0])
	}
}

func TestKeyPairFromBytesRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	back, err := KeyPairFromBytes(kp.PrivBytes())
	if err != nil {
		t.Fatalf("KeyPairFromBytes: %v", err)
	}
	if !bytes.Equal(back.PubBytes(), kp.PubBytes()) {
		t.Error("rebuilt keypair derives a different public key")
	}
}

func TestKeyPairFromBytesRejectsInvalidScalars(t *testing.T) {
	if _, err := KeyPairFromBytes(make([]byte, ScalarLen)); err == nil {
		t.Error("zero scalar accepted")
	}
	if _, err := KeyPairFromBytes(make([]byte, 16)); err == nil {
		t.Error("short scalar accepted")
	}
	overflow := bytes.Repeat([]byte{0xff}, ScalarLen)
	if _, err := KeyPairFromBytes(overflow); err == nil {
		t.Error("above-order scalar accepted")
	}
}

func TestParsePubKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePubKey(bytes.Repeat([]byte{0x02}, CompressedPubKeyLen)); err == nil {
		t.Error("non-curve bytes accepted as public key")
	}
	if _, err := ParsePubKey([]byte{0x02, 0x01}); err == nil {
		t.Error("short public key accepted")
	}
}
