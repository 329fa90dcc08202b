package crypto

import (
	"crypto/sha256"
	"fmt"
	"sync"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// maxHashToCurveIters bounds the try-and-increment loop. 256 misses in
// a row has probability ~2^-256; hitting the bound means corrupt input
// handling, not bad luck.
const maxHashToCurveIters = 256

// Hash256 is the protocol hash, SHA-256 over the concatenated chunks.
func Hash256(chunks ...[]byte) []byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

// HashToScalar hashes the chunks and reduces the digest mod n.
func HashToScalar(chunks ...[]byte) *secp256k1.ModNScalar {
	s, _ := ScalarFromBytes(Hash256(chunks...)) // 32-byte digest never errors
	return s
}

// HashToPoint maps arbitrary bytes onto a curve point by
// try-and-increment: hash with a counter until the digest is a valid
// x coordinate of an even-Y point.
func HashToPoint(data []byte) (*secp256k1.PublicKey, error) {
	candidate := make([]byte, CompressedPubKeyLen)
	candidate[0] = 0x02
	for ctr := 0; ctr < maxHashToCurveIters; ctr++ {
		digest := Hash256(data, []byte{byte(ctr)})
		copy(candidate[1:], digest)
		if pub, err := secp256k1.ParsePubKey(candidate); err == nil {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("hash-to-curve failed after %d iterations", maxHashToCurveIters)
}

var (
	altGenOnce sync.Once
	altGen     *secp256k1.PublicKey
)

// AltGenerator returns the secondary Pedersen generator H, derived by
// hashing the standard generator to a curve point so that nobody knows
// its discrete log with respect to G.
func AltGenerator() *secp256k1.PublicKey {
	altGenOnce.Do(func() {
		var one secp256k1.ModNScalar
		one.SetInt(1)
		g := ScalarBaseMult(&one)
		h, err := HashToPoint(g.SerializeCompressed())
		if err != nil {
			// 256 consecutive misses on a fixed input cannot happen
			// with an intact SHA-256.
			panic(fmt.Sprintf("derive alt generator: %v", err))
		}
		altGen = h
	})
	return altGen
}

// PedersenCommit computes f·G + v·H, the commitment form used by
// blinded outputs and range proofs.
func PedersenCommit(blind, value *secp256k1.ModNScalar) *secp256k1.PublicKey {
	fG := ScalarBaseMult(blind)
	vH := ScalarMult(value, AltGenerator())
	return PointAdd(fG, vH)
}
