package crypto

import (
	"crypto/rand"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// RandomScalar draws a uniformly random non-zero scalar mod n.
func RandomScalar() (*secp256k1.ModNScalar, error) {
	for {
		var buf [ScalarLen]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("read random scalar: %w", err)
		}
		var s secp256k1.ModNScalar
		if overflow := s.SetBytes(&buf); overflow != 0 {
			continue
		}
		if s.IsZero() {
			continue
		}
		return &s, nil
	}
}

// ScalarFromBytes reduces an arbitrary byte string to a scalar mod n.
// Reduction is by interpretation of the SHA-256-sized input; inputs
// longer than 32 bytes are rejected rather than silently truncated.
func ScalarFromBytes(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) > ScalarLen {
		return nil, fmt.Errorf("scalar input is %d bytes, max %d", len(b), ScalarLen)
	}
	var buf [ScalarLen]byte
	copy(buf[ScalarLen-len(b):], b)
	var s secp256k1.ModNScalar
	s.SetBytes(&buf) // overflow folds mod n, which is the reduction we want
	return &s, nil
}

// ScalarBytes serialises a scalar as fixed 32 bytes, left-padded.
func ScalarBytes(s *secp256k1.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// ScalarAdd returns a+b mod n without mutating the operands.
func ScalarAdd(a, b *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	var out secp256k1.ModNScalar
	out.Set(a)
	out.Add(b)
	return &out
}

// ScalarMul returns a*b mod n without mutating the operands.
func ScalarMul(a, b *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	var out secp256k1.ModNScalar
	out.Set(a)
	out.Mul(b)
	return &out
}

// ScalarSub returns a-b mod n without mutating the operands.
func ScalarSub(a, b *secp256k1.ModNScalar) *secp256k1.ModNScalar {
	var neg secp256k1.ModNScalar
	neg.Set(b)
	neg.Negate()
	neg.Add(a)
	return &neg
}

// ===== Point helpers =====

// ScalarBaseMult returns s·G as a public key.
func ScalarBaseMult(s *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &p)
	return jacobianToPub(&p)
}

// ScalarMult returns s·P as a public key.
func ScalarMult(s *secp256k1.ModNScalar, pub *secp256k1.PublicKey) *secp256k1.PublicKey {
	var p, out secp256k1.JacobianPoint
	pub.AsJacobian(&p)
	secp256k1.ScalarMultNonConst(s, &p, &out)
	return jacobianToPub(&out)
}

// PointAdd returns P+Q as a public key.
func PointAdd(p1, p2 *secp256k1.PublicKey) *secp256k1.PublicKey {
	var a, b, sum secp256k1.JacobianPoint
	p1.AsJacobian(&a)
	p2.AsJacobian(&b)
	secp256k1.AddNonConst(&a, &b, &sum)
	return jacobianToPub(&sum)
}

// PointSub returns P−Q as a public key.
func PointSub(p1, p2 *secp256k1.PublicKey) *secp256k1.PublicKey {
	var a, b, diff secp256k1.JacobianPoint
	p1.AsJacobian(&a)
	p2.AsJacobian(&b)
	b.Y.Negate(1).Normalize()
	secp256k1.AddNonConst(&a, &b, &diff)
	return jacobianToPub(&diff)
}

// PointsEqual compares two points in compressed form.
func PointsEqual(p1, p2 *secp256k1.PublicKey) bool {
	return p1.IsEqual(p2)
}

func jacobianToPub(p *secp256k1.JacobianPoint) *secp256k1.PublicKey {
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y)
}
