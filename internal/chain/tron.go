package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	trxDecimals       = 6
	usdtTRC20Decimals = 6

	// Estimated serialized size of a payout transaction, priced against
	// the chain's per-byte bandwidth fee.
	tronTxBytes = 250

	// 1 TRX flat fallback when chain parameters are unavailable.
	tronFallbackFeeSUN = 1_000_000
)

// Tron speaks the TronGrid HTTP API: REST v1 endpoints for account
// history, /wallet/* POST endpoints for node queries. Serves
// USDT_TRC20; the token contract comes from config.
type Tron struct {
	base   string
	token  string
	client *http.Client
	poll   time.Duration
	log    *logger.Logger
}

var _ Client = (*Tron)(nil)

func NewTron(cfg config.ChainConfig, log *logger.Logger) *Tron {
	if log == nil {
		log = logger.NewDefault("chain.tron")
	}
	return &Tron{
		base:   strings.TrimRight(cfg.RPCURL, "/"),
		token:  cfg.TokenContract,
		client: &http.Client{Timeout: 15 * time.Second},
		poll:   DefaultPollInterval,
		log:    log,
	}
}

func (t *Tron) Currency() domain.Currency { return domain.CurrencyUSDTTRC20 }

func (t *Tron) get(ctx context.Context, path string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+path, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tron get %s: build request: %w", path, err)
	}
	return t.do(req, path)
}

func (t *Tron) post(ctx context.Context, path string, body interface{}) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tron post %s: marshal: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("tron post %s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, path)
}

func (t *Tron) do(req *http.Request, path string) (gjson.Result, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("tron %s", path), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("tron %s: status %d", path, resp.StatusCode), nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCBody))
	if err != nil {
		return gjson.Result{}, errors.Transient(fmt.Sprintf("tron %s: read body", path), err)
	}
	parsed := gjson.ParseBytes(raw)
	if s := parsed.Get("success"); s.Exists() && !s.Bool() {
		return gjson.Result{}, fmt.Errorf("tron %s: %s", path, parsed.Get("error").String())
	}
	return parsed, nil
}

func (t *Tron) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.InputValidation("empty raw transaction")
	}
	res, err := t.post(ctx, "/wallet/broadcasthex", map[string]string{
		"transaction": hex.EncodeToString(rawTx),
	})
	if err != nil {
		return "", err
	}
	if !res.Get("result").Bool() {
		return "", fmt.Errorf("tron broadcast rejected: %s %s",
			res.Get("code").String(), res.Get("message").String())
	}
	return res.Get("txid").String(), nil
}

func (t *Tron) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	res, err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txid})
	if err != nil {
		return nil, err
	}
	if !res.Get("id").Exists() {
		return nil, ErrTxNotFound
	}
	block := res.Get("blockNumber").Int()
	height, err := t.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	success := true
	if r := res.Get("receipt.result"); r.Exists() && r.String() != "SUCCESS" {
		success = false
	}
	return &Tx{
		TxID:          txid,
		BlockHeight:   block,
		Confirmations: height - block + 1,
		Success:       success,
	}, nil
}

func (t *Tron) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := t.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (t *Tron) GetBlockHeight(ctx context.Context) (int64, error) {
	res, err := t.post(ctx, "/wallet/getnowblock", map[string]string{})
	if err != nil {
		return 0, err
	}
	return res.Get("block_header.raw_data.number").Int(), nil
}

func (t *Tron) SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error) {
	if !domain.ValidAddress(domain.CurrencyUSDTTRC20, address) {
		return nil, errors.InputValidationf("invalid TRON address %q", address)
	}
	start := time.Now().UnixMilli()

	type found struct {
		amount domain.Amount
		block  int64
	}
	tracked := make(map[string]found)

	fetch := func(ctx context.Context) ([]Deposit, error) {
		height, err := t.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		path := fmt.Sprintf("/v1/accounts/%s/transactions/trc20?only_to=true&limit=50&min_timestamp=%d&contract_address=%s",
			address, start, t.token)
		res, err := t.get(ctx, path)
		if err != nil {
			return nil, err
		}
		var scanErr error
		res.Get("data").ForEach(func(_, item gjson.Result) bool {
			txid := item.Get("transaction_id").String()
			if _, ok := tracked[txid]; ok {
				return true
			}
			raw, ok := new(big.Int).SetString(item.Get("value").String(), 10)
			if !ok {
				scanErr = fmt.Errorf("trc20 tx %s: bad value %q", txid, item.Get("value").String())
				return false
			}
			decimals := usdtTRC20Decimals
			if d := item.Get("token_info.decimals"); d.Exists() {
				decimals = int(d.Int())
			}
			amount, err := scaleUnits(raw, decimals)
			if err != nil {
				scanErr = err
				return false
			}
			// TRC20 history omits the block, recover it once per tx.
			info, err := t.post(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txid})
			if err != nil {
				scanErr = err
				return false
			}
			tracked[txid] = found{amount: amount, block: info.Get("blockNumber").Int()}
			return true
		})
		if scanErr != nil {
			return nil, scanErr
		}
		deposits := make([]Deposit, 0, len(tracked))
		for txid, f := range tracked {
			deposits = append(deposits, Deposit{
				Currency:      domain.CurrencyUSDTTRC20,
				Address:       address,
				TxID:          txid,
				Amount:        f.amount,
				Confirmations: height - f.block + 1,
			})
		}
		return deposits, nil
	}
	return pollDeposits(ctx, t.poll, t.log, fetch), nil
}

// EstimateFee prices a transaction against the chain's per-byte
// bandwidth fee, falling back to a 1 TRX flat rate.
func (t *Tron) EstimateFee(ctx context.Context) (domain.Amount, error) {
	sun := int64(tronFallbackFeeSUN)
	res, err := t.post(ctx, "/wallet/getchainparameters", map[string]string{})
	if err == nil {
		res.Get("chainParameter").ForEach(func(_, p gjson.Result) bool {
			if p.Get("key").String() == "getTransactionFee" {
				if perByte := p.Get("value").Int(); perByte > 0 {
					sun = perByte * tronTxBytes
				}
				return false
			}
			return true
		})
	}
	return scaleUnits(big.NewInt(sun), trxDecimals)
}
