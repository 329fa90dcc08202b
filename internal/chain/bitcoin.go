package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Typical vsize of a mixer payout transaction, used to turn Core's
// BTC/kvB rate into a flat per-transaction estimate.
const btcTxVBytes = 250

// Bitcoin talks to a Bitcoin Core node over JSON-RPC in HTTP POST
// mode. Deposit watching is poll-based: the address is imported as a
// watch-only descriptor and listunspent supplies the credits.
type Bitcoin struct {
	rpc  *rpcclient.Client
	poll time.Duration
	log  *logger.Logger
}

var _ Client = (*Bitcoin)(nil)

func NewBitcoin(cfg config.ChainConfig, log *logger.Logger) (*Bitcoin, error) {
	if log == nil {
		log = logger.NewDefault("chain.bitcoin")
	}
	host := cfg.RPCURL
	disableTLS := true
	if strings.HasPrefix(host, "https://") {
		host = strings.TrimPrefix(host, "https://")
		disableTLS = false
	} else {
		host = strings.TrimPrefix(host, "http://")
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   disableTLS,
	}
	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("bitcoin rpc client: %w", err)
	}
	return &Bitcoin{rpc: rpc, poll: DefaultPollInterval, log: log}, nil
}

func (b *Bitcoin) Currency() domain.Currency { return domain.CurrencyBTC }

// Shutdown releases the underlying RPC client.
func (b *Bitcoin) Shutdown() { b.rpc.Shutdown() }

func (b *Bitcoin) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.InputValidation("empty raw transaction")
	}
	param, err := json.Marshal(hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	resp, err := b.rpc.RawRequest("sendrawtransaction", []json.RawMessage{param})
	if err != nil {
		return "", fmt.Errorf("sendrawtransaction: %w", err)
	}
	var txid string
	if err := json.Unmarshal(resp, &txid); err != nil {
		return "", fmt.Errorf("sendrawtransaction: decode txid: %w", err)
	}
	return txid, nil
}

func (b *Bitcoin) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errors.InputValidationf("invalid txid %q: %v", txid, err)
	}
	res, err := b.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("getrawtransaction: %w", err)
	}
	tx := &Tx{TxID: txid, Confirmations: int64(res.Confirmations), Success: true}
	if tx.Confirmations > 0 {
		height, err := b.GetBlockHeight(ctx)
		if err == nil {
			tx.BlockHeight = height - tx.Confirmations + 1
		}
	}
	return tx, nil
}

func (b *Bitcoin) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := b.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (b *Bitcoin) GetBlockHeight(context.Context) (int64, error) {
	return b.rpc.GetBlockCount()
}

func (b *Bitcoin) SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error) {
	if !domain.ValidAddress(domain.CurrencyBTC, address) {
		return nil, errors.InputValidationf("invalid BTC address %q", address)
	}
	decoded, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams)
	if err != nil {
		return nil, errors.InputValidationf("decode BTC address %q: %v", address, err)
	}
	if err := b.watchAddress(address); err != nil {
		// listunspent on an unwatched address returns nothing, so a
		// failed import means missed deposits, not wrong ones.
		b.log.WithError(err).Warn("import watch-only address failed", "address", address)
	}
	addrs := []btcutil.Address{decoded}
	fetch := func(context.Context) ([]Deposit, error) {
		unspent, err := b.rpc.ListUnspentMinMaxAddresses(0, 9999999, addrs)
		if err != nil {
			return nil, fmt.Errorf("listunspent: %w", err)
		}
		deposits := make([]Deposit, 0, len(unspent))
		for _, u := range unspent {
			amt, err := btcutil.NewAmount(u.Amount)
			if err != nil {
				return nil, fmt.Errorf("utxo %s amount: %w", u.TxID, err)
			}
			deposits = append(deposits, Deposit{
				Currency:      domain.CurrencyBTC,
				Address:       address,
				TxID:          u.TxID,
				Amount:        domain.Amount(amt),
				Confirmations: u.Confirmations,
			})
		}
		return deposits, nil
	}
	return pollDeposits(ctx, b.poll, b.log, fetch), nil
}

// watchAddress imports address as a watch-only descriptor so the
// node's wallet tracks its UTXOs.
func (b *Bitcoin) watchAddress(address string) error {
	descParam, err := json.Marshal("addr(" + address + ")")
	if err != nil {
		return err
	}
	resp, err := b.rpc.RawRequest("getdescriptorinfo", []json.RawMessage{descParam})
	if err != nil {
		return fmt.Errorf("getdescriptorinfo: %w", err)
	}
	var info struct {
		Descriptor string `json:"descriptor"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return fmt.Errorf("getdescriptorinfo: decode: %w", err)
	}
	req := []map[string]interface{}{{
		"desc":      info.Descriptor,
		"timestamp": "now",
		"label":     "mixer-watch",
	}}
	reqParam, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := b.rpc.RawRequest("importdescriptors", []json.RawMessage{reqParam}); err != nil {
		return fmt.Errorf("importdescriptors: %w", err)
	}
	return nil
}

// EstimateFee returns a flat per-transaction estimate. The smart fee
// fallback chain is CONSERVATIVE, then ECONOMICAL, then the node's
// mempool floor.
func (b *Bitcoin) EstimateFee(context.Context) (domain.Amount, error) {
	rate, err := b.smartFeeBTCPerKVb()
	if err != nil {
		return 0, err
	}
	feeBTC := rate * btcTxVBytes / 1000
	amt, err := btcutil.NewAmount(feeBTC)
	if err != nil {
		return 0, fmt.Errorf("fee conversion: %w", err)
	}
	return domain.Amount(amt), nil
}

func (b *Bitcoin) smartFeeBTCPerKVb() (float64, error) {
	conservative := btcjson.EstimateModeConservative
	if rate, err := b.estimateSmartFeeByMode(&conservative); err == nil && rate > 0 {
		return rate, nil
	}
	economical := btcjson.EstimateModeEconomical
	if rate, err := b.estimateSmartFeeByMode(&economical); err == nil && rate > 0 {
		return rate, nil
	}
	return b.mempoolFeeFloor()
}

func (b *Bitcoin) estimateSmartFeeByMode(mode *btcjson.EstimateSmartFeeMode) (float64, error) {
	res, err := b.rpc.EstimateSmartFee(2, mode)
	if err != nil {
		return 0, err
	}
	if res == nil || res.FeeRate == nil || *res.FeeRate <= 0 {
		return 0, nil
	}
	return *res.FeeRate, nil
}

func (b *Bitcoin) mempoolFeeFloor() (float64, error) {
	resp, err := b.rpc.RawRequest("getmempoolinfo", nil)
	if err != nil {
		return 0, fmt.Errorf("getmempoolinfo: %w", err)
	}
	var mempool struct {
		MempoolMinFee float64 `json:"mempoolminfee"`
		MinRelayTxFee float64 `json:"minrelaytxfee"`
	}
	if err := json.Unmarshal(resp, &mempool); err != nil {
		return 0, fmt.Errorf("getmempoolinfo: decode: %w", err)
	}
	floor := mempool.MempoolMinFee
	if mempool.MinRelayTxFee > floor {
		floor = mempool.MinRelayTxFee
	}
	return floor, nil
}
