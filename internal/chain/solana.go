package chain

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	lamportDecimals = 9

	// getSignatureStatuses reports null confirmations once a slot is
	// rooted; report it as deeper than any threshold we apply.
	solFinalizedConfirmations = 64

	solFallbackFeeLamports = 5_000
)

// Solana speaks the standard Solana JSON-RPC API. Deposits are
// discovered from the address's signature history and amounts from the
// pre/post balance delta of each transaction.
type Solana struct {
	rpc  *rpcHTTP
	poll time.Duration
	log  *logger.Logger
}

var _ Client = (*Solana)(nil)

func NewSolana(cfg config.ChainConfig, log *logger.Logger) *Solana {
	if log == nil {
		log = logger.NewDefault("chain.solana")
	}
	return &Solana{rpc: newRPCHTTP(cfg.RPCURL), poll: DefaultPollInterval, log: log}
}

func (s *Solana) Currency() domain.Currency { return domain.CurrencySOL }

func (s *Solana) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.InputValidation("empty raw transaction")
	}
	res, err := s.rpc.call(ctx, "sendTransaction",
		base64.StdEncoding.EncodeToString(rawTx),
		map[string]interface{}{"encoding": "base64"})
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (s *Solana) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	res, err := s.rpc.call(ctx, "getSignatureStatuses",
		[]string{txid},
		map[string]interface{}{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	status := res.Get("value.0")
	if !status.Exists() || status.Type == gjson.Null {
		return nil, ErrTxNotFound
	}
	conf := int64(solFinalizedConfirmations)
	if c := status.Get("confirmations"); c.Exists() && c.Type != gjson.Null {
		conf = c.Int()
	}
	return &Tx{
		TxID:          txid,
		BlockHeight:   status.Get("slot").Int(),
		Confirmations: conf,
		Success:       status.Get("err").Type == gjson.Null || !status.Get("err").Exists(),
	}, nil
}

func (s *Solana) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := s.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (s *Solana) GetBlockHeight(ctx context.Context) (int64, error) {
	res, err := s.rpc.call(ctx, "getSlot")
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

func (s *Solana) SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error) {
	if !domain.ValidAddress(domain.CurrencySOL, address) {
		return nil, errors.InputValidationf("invalid SOL address %q", address)
	}
	startSlot, err := s.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}

	type found struct {
		amount domain.Amount
		slot   int64
	}
	tracked := make(map[string]found)

	fetch := func(ctx context.Context) ([]Deposit, error) {
		slot, err := s.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		res, err := s.rpc.call(ctx, "getSignaturesForAddress", address,
			map[string]interface{}{"limit": 20})
		if err != nil {
			return nil, err
		}
		var scanErr error
		res.ForEach(func(_, sig gjson.Result) bool {
			id := sig.Get("signature").String()
			if _, ok := tracked[id]; ok {
				return true
			}
			if sig.Get("slot").Int() <= startSlot {
				return true
			}
			if e := sig.Get("err"); e.Exists() && e.Type != gjson.Null {
				return true
			}
			amount, err := s.depositAmount(ctx, id, address)
			if err != nil {
				scanErr = err
				return false
			}
			if amount <= 0 {
				return true
			}
			tracked[id] = found{amount: amount, slot: sig.Get("slot").Int()}
			return true
		})
		if scanErr != nil {
			return nil, scanErr
		}
		deposits := make([]Deposit, 0, len(tracked))
		for id, f := range tracked {
			deposits = append(deposits, Deposit{
				Currency:      domain.CurrencySOL,
				Address:       address,
				TxID:          id,
				Amount:        f.amount,
				Confirmations: slot - f.slot + 1,
			})
		}
		return deposits, nil
	}
	return pollDeposits(ctx, s.poll, s.log, fetch), nil
}

// depositAmount resolves how many lamports the transaction credited to
// address, from the balance delta at the address's account index.
func (s *Solana) depositAmount(ctx context.Context, signature, address string) (domain.Amount, error) {
	res, err := s.rpc.call(ctx, "getTransaction", signature,
		map[string]interface{}{"encoding": "json", "maxSupportedTransactionVersion": 0})
	if err != nil {
		return 0, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return 0, nil
	}
	index := int64(-1)
	res.Get("transaction.message.accountKeys").ForEach(func(i, key gjson.Result) bool {
		if key.String() == address {
			index = i.Int()
			return false
		}
		return true
	})
	if index < 0 {
		return 0, nil
	}
	pre := res.Get(fmt.Sprintf("meta.preBalances.%d", index)).Int()
	post := res.Get(fmt.Sprintf("meta.postBalances.%d", index)).Int()
	if post <= pre {
		return 0, nil
	}
	return scaleUnits(big.NewInt(post-pre), lamportDecimals)
}

func (s *Solana) EstimateFee(ctx context.Context) (domain.Amount, error) {
	lamports := int64(solFallbackFeeLamports)
	res, err := s.rpc.call(ctx, "getFees")
	if err == nil {
		if v := res.Get("value.feeCalculator.lamportsPerSignature"); v.Exists() && v.Int() > 0 {
			lamports = v.Int()
		}
	}
	return scaleUnits(big.NewInt(lamports), lamportDecimals)
}
