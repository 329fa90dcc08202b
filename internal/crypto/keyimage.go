package crypto

import (
	"encoding/hex"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ComputeKeyImage derives the key image I = x·H_p(P) linking every
// spend of the same key without revealing the key. Deterministic: the
// same keypair always yields the same image.
func ComputeKeyImage(priv *secp256k1.PrivateKey) (*secp256k1.PublicKey, error) {
	hp, err := HashToPoint(priv.PubKey().SerializeCompressed())
	if err != nil {
		return nil, fmt.Errorf("hash public key to point: %w", err)
	}
	return ScalarMult(&priv.Key, hp), nil
}

// KeyImageHex renders a key image in the canonical registry encoding,
// lower-case hex of the compressed point.
func KeyImageHex(image *secp256k1.PublicKey) string {
	return hex.EncodeToString(image.SerializeCompressed())
}

// ParseKeyImageHex decodes the canonical registry encoding.
func ParseKeyImageHex(s string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key image hex: %w", err)
	}
	return ParsePubKey(raw)
}
