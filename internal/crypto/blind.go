package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// BlindedOutput hides a destination address from the coordinator until
// unblinding. Payload is the address masked with a keystream derived
// from the blinding factor; Commitment is f·G + H_s(addr)·H so the
// coordinator can later prove the unblinded address matches what the
// participant committed to.
type BlindedOutput struct {
	Payload    []byte
	Commitment []byte
}

// BlindOutput masks an address under a blinding factor.
func BlindOutput(address string, factor *secp256k1.ModNScalar) (*BlindedOutput, error) {
	if address == "" {
		return nil, fmt.Errorf("address is empty")
	}
	if factor == nil || factor.IsZero() {
		return nil, fmt.Errorf("blinding factor must be a non-zero scalar")
	}
	plain := []byte(address)
	payload := make([]byte, len(plain))
	stream := keystream(factor, len(plain))
	for i := range plain {
		payload[i] = plain[i] ^ stream[i]
	}
	commit := PedersenCommit(factor, HashToScalar([]byte(address)))
	return &BlindedOutput{
		Payload:    payload,
		Commitment: commit.SerializeCompressed(),
	}, nil
}

// UnblindOutput inverts BlindOutput under the same factor and verifies
// the commitment before returning the address.
func UnblindOutput(out *BlindedOutput, factor *secp256k1.ModNScalar) (string, error) {
	if out == nil || len(out.Payload) == 0 {
		return "", fmt.Errorf("blinded output is empty")
	}
	if factor == nil || factor.IsZero() {
		return "", fmt.Errorf("blinding factor must be a non-zero scalar")
	}
	plain := make([]byte, len(out.Payload))
	stream := keystream(factor, len(out.Payload))
	for i := range out.Payload {
		plain[i] = out.Payload[i] ^ stream[i]
	}
	address := string(plain)

	expect := PedersenCommit(factor, HashToScalar(plain))
	if !bytes.Equal(expect.SerializeCompressed(), out.Commitment) {
		return "", fmt.Errorf("commitment mismatch after unblinding")
	}
	return address, nil
}

// keystream expands the blinding factor into a mask of the wanted
// length with counter-mode hashing.
func keystream(factor *secp256k1.ModNScalar, n int) []byte {
	seed := ScalarBytes(factor)
	out := make([]byte, 0, n+ScalarLen)
	var ctr [4]byte
	for block := uint32(0); len(out) < n; block++ {
		binary.BigEndian.PutUint32(ctr[:], block)
		out = append(out, Hash256(seed, ctr[:])...)
	}
	return out[:n]
}
