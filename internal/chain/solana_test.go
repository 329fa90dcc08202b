package chain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

const (
	testSOLAddress   = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testSOLSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
)

// solNode fakes the Solana JSON-RPC methods the client calls.
type solNode struct {
	mu         sync.Mutex
	slot       int64
	statuses   map[string]map[string]interface{}
	signatures []map[string]interface{}
	txs        map[string]map[string]interface{}
	feeLamport int64
}

func (n *solNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		req := gjson.ParseBytes(raw)

		n.mu.Lock()
		defer n.mu.Unlock()
		var result interface{}
		switch req.Get("method").String() {
		case "getSlot":
			result = n.slot
		case "getSignatureStatuses":
			sig := req.Get("params.0.0").String()
			status, ok := n.statuses[sig]
			var value []interface{}
			if ok {
				value = []interface{}{status}
			} else {
				value = []interface{}{nil}
			}
			result = map[string]interface{}{"value": value}
		case "getSignaturesForAddress":
			sigs := n.signatures
			if sigs == nil {
				sigs = []map[string]interface{}{}
			}
			result = sigs
		case "getTransaction":
			tx, ok := n.txs[req.Get("params.0").String()]
			if ok {
				result = tx
			}
		case "sendTransaction":
			result = testSOLSignature
		case "getFees":
			if n.feeLamport > 0 {
				result = map[string]interface{}{
					"value": map[string]interface{}{
						"feeCalculator": map[string]interface{}{"lamportsPerSignature": n.feeLamport},
					},
				}
			}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.Get("id").Value(), "result": result,
		})
	}
}

func newSOLClient(t *testing.T, node *solNode) (*Solana, func()) {
	t.Helper()
	srv := httptest.NewServer(node.handler())
	c := NewSolana(config.ChainConfig{RPCURL: srv.URL}, nil)
	c.poll = 10 * time.Millisecond
	return c, srv.Close
}

func TestSolanaGetTransaction(t *testing.T) {
	node := &solNode{
		slot: 150,
		statuses: map[string]map[string]interface{}{
			testSOLSignature: {"slot": 148, "confirmations": 5, "err": nil},
		},
	}
	c, done := newSOLClient(t, node)
	defer done()

	tx, err := c.GetTransaction(context.Background(), testSOLSignature)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.BlockHeight != 148 || tx.Confirmations != 5 || !tx.Success {
		t.Fatalf("unexpected tx %+v", tx)
	}

	if _, err := c.GetTransaction(context.Background(), "unknownSignature11111111111111111111111111111"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("err = %v, want ErrTxNotFound", err)
	}
}

func TestSolanaFinalizedConfirmations(t *testing.T) {
	node := &solNode{
		slot: 150,
		statuses: map[string]map[string]interface{}{
			testSOLSignature: {"slot": 10, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
		},
	}
	c, done := newSOLClient(t, node)
	defer done()

	tx, err := c.GetTransaction(context.Background(), testSOLSignature)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if tx.Confirmations != solFinalizedConfirmations {
		t.Fatalf("confirmations = %d, want %d", tx.Confirmations, solFinalizedConfirmations)
	}
}

func TestSolanaEstimateFee(t *testing.T) {
	node := &solNode{feeLamport: 10_000}
	c, done := newSOLClient(t, node)
	defer done()

	fee, err := c.EstimateFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if fee != domain.MustAmount("0.00001") {
		t.Fatalf("fee = %s, want 0.00001", fee)
	}
}

func TestSolanaEstimateFeeFallback(t *testing.T) {
	node := &solNode{}
	c, done := newSOLClient(t, node)
	defer done()

	fee, err := c.EstimateFee(context.Background())
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if fee != domain.MustAmount("0.000005") {
		t.Fatalf("fee = %s, want 0.000005", fee)
	}
}

func TestSolanaSubscribeAddress(t *testing.T) {
	node := &solNode{slot: 100}
	c, done := newSOLClient(t, node)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.SubscribeAddress(ctx, testSOLAddress)
	if err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}

	node.mu.Lock()
	node.slot = 101
	node.signatures = []map[string]interface{}{{
		"signature": testSOLSignature,
		"slot":      101,
		"err":       nil,
	}}
	node.txs = map[string]map[string]interface{}{
		testSOLSignature: {
			"slot": 101,
			"transaction": map[string]interface{}{
				"message": map[string]interface{}{
					"accountKeys": []string{"SenderSenderSenderSenderSenderSender11111111", testSOLAddress},
				},
			},
			"meta": map[string]interface{}{
				"preBalances":  []int64{2_000_000_000, 0},
				"postBalances": []int64{900_000_000, 1_000_000_000},
			},
		},
	}
	node.mu.Unlock()

	d := recvDeposit(t, ch)
	if d.TxID != testSOLSignature || d.Amount != domain.MustAmount("1") {
		t.Fatalf("unexpected deposit %+v", d)
	}
	if d.Confirmations != 1 {
		t.Fatalf("confirmations = %d, want 1", d.Confirmations)
	}

	node.mu.Lock()
	node.slot = 105
	node.mu.Unlock()
	d = recvDeposit(t, ch)
	if d.Confirmations != 5 {
		t.Fatalf("confirmations = %d, want 5", d.Confirmations)
	}
}

func TestSolanaSubscribeIgnoresFailedAndOldSignatures(t *testing.T) {
	node := &solNode{slot: 100}
	c, done := newSOLClient(t, node)
	defer done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.SubscribeAddress(ctx, testSOLAddress)
	if err != nil {
		t.Fatalf("SubscribeAddress: %v", err)
	}

	node.mu.Lock()
	node.slot = 102
	node.signatures = []map[string]interface{}{
		{"signature": "oldSig1111111111111111111111111111111111111111", "slot": 90, "err": nil},
		{"signature": "failedSig111111111111111111111111111111111111", "slot": 101, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
	}
	node.mu.Unlock()

	select {
	case d := <-ch:
		t.Fatalf("unexpected deposit %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}
