// Package vault seals wallet private keys at rest. Plaintext key
// material never reaches the storage layer; stores only ever see the
// (ciphertext, iv) pair produced here.
package vault

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// Vault encrypts and decrypts secrets. Seal returns a fresh IV per
// call; sealing the same plaintext twice yields different ciphertexts.
type Vault interface {
	Seal(plaintext []byte) (ciphertext, iv []byte, err error)
	Unseal(ciphertext, iv []byte) (plaintext []byte, err error)
}

const (
	keySize           = 32
	defaultIterations = 4096
)

// Local is a process-local vault. The AES-256 master key is derived
// once at construction with PBKDF2-SHA256 and held in memory only.
type Local struct {
	key []byte
}

var _ Vault = (*Local)(nil)

// NewLocal derives the master key from the operator-supplied secret.
// The salt is a deployment constant, not a per-record value; it keeps
// derived keys distinct across environments sharing a secret.
func NewLocal(secret, salt string, iterations int) (*Local, error) {
	if secret == "" {
		return nil, errors.InputValidation("vault master secret is required")
	}
	if iterations <= 0 {
		iterations = defaultIterations
	}
	key := pbkdf2.Key([]byte(secret), []byte(salt), iterations, keySize, sha256.New)
	return &Local{key: key}, nil
}

func (v *Local) Seal(plaintext []byte) ([]byte, []byte, error) {
	if len(plaintext) == 0 {
		return nil, nil, errors.InputValidation("nothing to seal")
	}
	ciphertext, iv, err := crypto.EncryptAESCBC(plaintext, v.key)
	if err != nil {
		return nil, nil, errors.Wrap(errors.KindFatal, "seal", err)
	}
	return ciphertext, iv, nil
}

func (v *Local) Unseal(ciphertext, iv []byte) ([]byte, error) {
	plaintext, err := crypto.DecryptAESCBC(ciphertext, iv, v.key)
	if err != nil {
		return nil, errors.Wrap(errors.KindFatal, "unseal", err)
	}
	return plaintext, nil
}
