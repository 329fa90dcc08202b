package coinjoin

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/R3E-Network/mixer_core/internal/domain"
)

// cryptoShuffle permutes outputs with a Fisher-Yates walk driven by
// the system CSPRNG: four fresh random bytes per swap, reduced modulo
// the remaining window. Ordering must not be reconstructible from
// registration order.
func cryptoShuffle(outs []domain.TxOutput) error {
	var buf [4]byte
	for i := len(outs) - 1; i > 0; i-- {
		if _, err := rand.Read(buf[:]); err != nil {
			return err
		}
		j := int(binary.BigEndian.Uint32(buf[:]) % uint32(i+1))
		outs[i], outs[j] = outs[j], outs[i]
	}
	return nil
}
