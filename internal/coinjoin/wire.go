package coinjoin

import (
	"encoding/hex"
)

// wireTransaction is the broadcast encoding of an assembled coinjoin
// transaction. Chains with native formats re-encode downstream; the
// coordinator only needs a stable, self-describing payload.
type wireTransaction struct {
	Version   int          `json:"version"`
	SessionID string       `json:"session_id"`
	Currency  string       `json:"currency"`
	Inputs    []wireInput  `json:"inputs"`
	Outputs   []wireOutput `json:"outputs"`
	Fee       int64        `json:"fee"`
	Message   string       `json:"message"`
}

type wireInput struct {
	Txid        string `json:"txid"`
	OutputIndex int    `json:"output_index"`
	Amount      int64  `json:"amount"`
	PubKey      string `json:"pub_key"`
	Signature   string `json:"signature"`
}

type wireOutput struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Script  string `json:"script,omitempty"`
}

func newWireTransaction(tx *Transaction) wireTransaction {
	w := wireTransaction{
		Version:   1,
		SessionID: tx.SessionID,
		Currency:  string(tx.Currency),
		Inputs:    make([]wireInput, len(tx.Inputs)),
		Outputs:   make([]wireOutput, len(tx.Outputs)),
		Fee:       int64(tx.Fee),
		Message:   hex.EncodeToString(tx.Message),
	}
	for i, in := range tx.Inputs {
		w.Inputs[i] = wireInput{
			Txid:        in.Ref.Txid,
			OutputIndex: in.Ref.OutputIndex,
			Amount:      int64(in.Ref.Amount),
			PubKey:      hex.EncodeToString(in.PubKey),
			Signature:   hex.EncodeToString(in.Signature),
		}
	}
	for i, out := range tx.Outputs {
		w.Outputs[i] = wireOutput{
			Address: out.Address,
			Amount:  int64(out.Amount),
		}
		if len(out.Script) > 0 {
			w.Outputs[i].Script = hex.EncodeToString(out.Script)
		}
	}
	return w
}
