package domain

import (
	"crypto/sha256"
	"encoding/binary"
)

// TxInputRef references one spent output inside a mixing transaction.
type TxInputRef struct {
	Txid        string
	OutputIndex int
	Amount      Amount
}

// TxOutput is one destination of a mixing transaction. Script carries
// the currency-specific locking program; it may be empty for chains
// without scripts.
type TxOutput struct {
	Address string
	Amount  Amount
	Script  []byte
}

// TransactionDigest computes the message every participant signs:
// SHA-256 over each input's (txid, outputIndex, amount) followed by
// each output's (address, amount, script), in slice order. Output
// order therefore matters; coinjoin shuffles before digesting.
func TransactionDigest(inputs []TxInputRef, outputs []TxOutput) []byte {
	h := sha256.New()
	var buf [8]byte
	for _, in := range inputs {
		h.Write([]byte(in.Txid))
		binary.BigEndian.PutUint64(buf[:], uint64(in.OutputIndex))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(in.Amount))
		h.Write(buf[:])
	}
	for _, out := range outputs {
		h.Write([]byte(out.Address))
		binary.BigEndian.PutUint64(buf[:], uint64(out.Amount))
		h.Write(buf[:])
		h.Write(out.Script)
	}
	return h.Sum(nil)
}
