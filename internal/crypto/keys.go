// Package crypto implements the curve primitives the mixing paths are
// built on: secp256k1 keypairs, ECDSA and Schnorr signatures, key
// images, hash-to-curve, stealth address derivation, output blinding
// and private key encryption.
//
// All public keys cross package boundaries in 33-byte compressed form;
// scalars serialise as fixed 32 bytes, left-padded.
package crypto

import (
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// CompressedPubKeyLen is the serialised public key size.
	CompressedPubKeyLen = 33
	// ScalarLen is the serialised scalar size.
	ScalarLen = 32
)

// KeyPair couples a secp256k1 private scalar with its public point.
type KeyPair struct {
	Priv *secp256k1.PrivateKey
	Pub  *secp256k1.PublicKey
}

// GenerateKeyPair draws a uniformly random private scalar and derives
// its public point.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// KeyPairFromBytes rebuilds a keypair from a serialised private scalar.
// The scalar must be non-zero and below the curve order.
func KeyPairFromBytes(privBytes []byte) (*KeyPair, error) {
	if len(privBytes) != ScalarLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ScalarLen, len(privBytes))
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(privBytes); overflow {
		return nil, fmt.Errorf("private key scalar exceeds curve order")
	}
	if s.IsZero() {
		return nil, fmt.Errorf("private key scalar is zero")
	}
	priv := secp256k1.NewPrivateKey(&s)
	return &KeyPair{Priv: priv, Pub: priv.PubKey()}, nil
}

// PrivBytes returns the 32-byte private scalar.
func (k *KeyPair) PrivBytes() []byte {
	b := k.Priv.Key.Bytes()
	return b[:]
}

// PubBytes returns the 33-byte compressed public key.
func (k *KeyPair) PubBytes() []byte {
	return k.Pub.SerializeCompressed()
}

// ParsePubKey decodes a compressed public key, rejecting anything that
// is not a valid curve point.
func ParsePubKey(b []byte) (*secp256k1.PublicKey, error) {
	if len(b) != CompressedPubKeyLen {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", CompressedPubKeyLen, len(b))
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}
