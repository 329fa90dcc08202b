package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// Simulated is an in-memory chain for dev mode and tests. Deposits are
// injected by hand and confirmations advance only via AdvanceBlocks,
// so tests control chain time exactly.
type Simulated struct {
	currency domain.Currency

	mu       sync.Mutex
	height   int64
	fee      domain.Amount
	txs      map[string]*Tx
	deposits map[string][]Deposit
	subs     []*simSub
}

type simSub struct {
	address string
	ch      chan Deposit
}

// push drops on a full buffer. A lagging simulator subscriber sees the
// next confirmation bump instead.
func (s *simSub) push(d Deposit) {
	select {
	case s.ch <- d:
	default:
	}
}

var _ Client = (*Simulated)(nil)

func NewSimulated(currency domain.Currency) *Simulated {
	return &Simulated{
		currency: currency,
		height:   1,
		fee:      domain.Amount(10_000), // 0.0001 coin
		txs:      make(map[string]*Tx),
		deposits: make(map[string][]Deposit),
	}
}

func (s *Simulated) Currency() domain.Currency { return s.currency }

// SetFee overrides the flat fee returned by EstimateFee.
func (s *Simulated) SetFee(fee domain.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fee = fee
}

// InjectDeposit records a credit to address with one confirmation and
// notifies subscribers.
func (s *Simulated) InjectDeposit(address, txid string, amount domain.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Deposit{
		Currency:      s.currency,
		Address:       address,
		TxID:          txid,
		Amount:        amount,
		Confirmations: 1,
		ObservedAt:    time.Now().UTC(),
	}
	s.deposits[address] = append(s.deposits[address], d)
	s.txs[txid] = &Tx{TxID: txid, BlockHeight: s.height, Confirmations: 1, Success: true}
	for _, sub := range s.subs {
		if sub.address == address {
			sub.push(d)
		}
	}
}

// AdvanceBlocks mines n blocks: every known transaction and deposit
// gains n confirmations and subscribers are re-notified.
func (s *Simulated) AdvanceBlocks(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += n
	for _, tx := range s.txs {
		tx.Confirmations += n
	}
	for addr, list := range s.deposits {
		for i := range list {
			list[i].Confirmations += n
			for _, sub := range s.subs {
				if sub.address == addr {
					sub.push(list[i])
				}
			}
		}
	}
}

func (s *Simulated) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.InputValidation("empty raw transaction")
	}
	sum := sha256.Sum256(rawTx)
	txid := hex.EncodeToString(sum[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[txid] = &Tx{TxID: txid, BlockHeight: s.height, Confirmations: 1, Success: true}
	return txid, nil
}

func (s *Simulated) GetTransaction(_ context.Context, txid string) (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txid]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *Simulated) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := s.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (s *Simulated) GetBlockHeight(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

func (s *Simulated) SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error) {
	if !domain.ValidAddress(s.currency, address) {
		return nil, errors.InputValidationf("invalid %s address %q", s.currency, address)
	}
	sub := &simSub{address: address, ch: make(chan Deposit, 16)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	for _, d := range s.deposits[address] {
		sub.push(d)
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cand := range s.subs {
			if cand == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()
	return sub.ch, nil
}

func (s *Simulated) EstimateFee(context.Context) (domain.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fee, nil
}
