package crypto

import (
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignECDSA produces a DER-encoded ECDSA signature over
// SHA-256(message).
func SignECDSA(priv *secp256k1.PrivateKey, message []byte) []byte {
	digest := Hash256(message)
	return ecdsa.Sign(priv, digest).Serialize()
}

// VerifyECDSA checks a DER-encoded ECDSA signature over
// SHA-256(message).
func VerifyECDSA(pub *secp256k1.PublicKey, message, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(Hash256(message), pub)
}

// DeterministicNonce derives the RFC 6979 nonce scalar for a private
// key and message digest. Extra domain separation data may be supplied
// so distinct protocol uses of the same key cannot collide.
func DeterministicNonce(priv *secp256k1.PrivateKey, message, domain []byte) (*secp256k1.ModNScalar, error) {
	digest := Hash256(message)
	k := secp256k1.NonceRFC6979(priv.Serialize(), digest, domain, nil, 0)
	if k.IsZero() {
		return nil, fmt.Errorf("derived nonce is zero")
	}
	return k, nil
}
