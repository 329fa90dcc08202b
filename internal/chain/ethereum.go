package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	// keccak256("Transfer(address,address,uint256)")
	erc20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

	// Mainnet USDT, used when no token contract is configured.
	defaultUSDTContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"

	usdtERC20Decimals = 6
	weiDecimals       = 18

	ethTransferGas   = 21_000
	tokenTransferGas = 65_000

	// Cap on blocks scanned per poll so a watcher catching up after
	// downtime does not hammer the node.
	ethMaxBlocksPerPoll = 20

	// Confirmation count past which a tracked deposit is final enough
	// to stop re-checking.
	ethTrackCutoff = 128
)

// Ethereum serves both native ETH and USDT_ERC20 against any standard
// JSON-RPC endpoint. Native deposits come from scanning new blocks for
// transfers to the watched address; token deposits from eth_getLogs on
// the contract's Transfer events.
type Ethereum struct {
	rpc      *rpcHTTP
	currency domain.Currency
	token    string
	poll     time.Duration
	log      *logger.Logger
}

var _ Client = (*Ethereum)(nil)

func NewEthereum(cfg config.ChainConfig, currency domain.Currency, log *logger.Logger) *Ethereum {
	if log == nil {
		log = logger.NewDefault("chain.ethereum")
	}
	e := &Ethereum{
		rpc:      newRPCHTTP(cfg.RPCURL),
		currency: currency,
		poll:     DefaultPollInterval,
		log:      log,
	}
	if currency == domain.CurrencyUSDTERC20 {
		e.token = strings.ToLower(cfg.TokenContract)
		if e.token == "" {
			e.token = defaultUSDTContract
		}
	}
	return e
}

func (e *Ethereum) Currency() domain.Currency { return e.currency }

func (e *Ethereum) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	if len(rawTx) == 0 {
		return "", errors.InputValidation("empty raw transaction")
	}
	res, err := e.rpc.call(ctx, "eth_sendRawTransaction", "0x"+hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

func (e *Ethereum) GetTransaction(ctx context.Context, txid string) (*Tx, error) {
	res, err := e.rpc.call(ctx, "eth_getTransactionReceipt", txid)
	if err != nil {
		return nil, err
	}
	if !res.Exists() || res.Type == gjson.Null {
		return nil, ErrTxNotFound
	}
	block, err := hexToInt64(res.Get("blockNumber").String())
	if err != nil {
		return nil, fmt.Errorf("receipt block number: %w", err)
	}
	height, err := e.GetBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{
		TxID:          txid,
		BlockHeight:   block,
		Confirmations: height - block + 1,
		Success:       res.Get("status").String() == "0x1",
	}, nil
}

func (e *Ethereum) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	tx, err := e.GetTransaction(ctx, txid)
	if err != nil {
		return 0, err
	}
	return tx.Confirmations, nil
}

func (e *Ethereum) GetBlockHeight(ctx context.Context) (int64, error) {
	res, err := e.rpc.call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}
	return hexToInt64(res.String())
}

func (e *Ethereum) SubscribeAddress(ctx context.Context, address string) (<-chan Deposit, error) {
	if !domain.ValidAddress(e.currency, address) {
		return nil, errors.InputValidationf("invalid %s address %q", e.currency, address)
	}
	address = strings.ToLower(address)
	start, err := e.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}

	type found struct {
		amount domain.Amount
		block  int64
	}
	tracked := make(map[string]found)
	nextBlock := start + 1

	discover := e.scanBlocks
	if e.token != "" {
		discover = e.scanTransferLogs
	}

	fetch := func(ctx context.Context) ([]Deposit, error) {
		height, err := e.GetBlockHeight(ctx)
		if err != nil {
			return nil, err
		}
		if height >= nextBlock {
			to := height
			if to >= nextBlock+ethMaxBlocksPerPoll {
				to = nextBlock + ethMaxBlocksPerPoll - 1
			}
			hits, err := discover(ctx, address, nextBlock, to)
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				tracked[h.TxID] = found{amount: h.Amount, block: h.BlockHeight}
			}
			nextBlock = to + 1
		}
		deposits := make([]Deposit, 0, len(tracked))
		for txid, f := range tracked {
			conf := height - f.block + 1
			deposits = append(deposits, Deposit{
				Currency:      e.currency,
				Address:       address,
				TxID:          txid,
				Amount:        f.amount,
				Confirmations: conf,
			})
			if conf > ethTrackCutoff {
				delete(tracked, txid)
			}
		}
		return deposits, nil
	}
	return pollDeposits(ctx, e.poll, e.log, fetch), nil
}

type chainHit struct {
	TxID        string
	Amount      domain.Amount
	BlockHeight int64
}

// scanBlocks walks full blocks [from,to] looking for native transfers
// to the address.
func (e *Ethereum) scanBlocks(ctx context.Context, address string, from, to int64) ([]chainHit, error) {
	var hits []chainHit
	for b := from; b <= to; b++ {
		res, err := e.rpc.call(ctx, "eth_getBlockByNumber", fmt.Sprintf("0x%x", b), true)
		if err != nil {
			return nil, err
		}
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		var scanErr error
		res.Get("transactions").ForEach(func(_, tx gjson.Result) bool {
			if !strings.EqualFold(tx.Get("to").String(), address) {
				return true
			}
			wei, err := hexToBig(tx.Get("value").String())
			if err != nil {
				scanErr = fmt.Errorf("tx %s value: %w", tx.Get("hash").String(), err)
				return false
			}
			if wei.Sign() <= 0 {
				return true
			}
			amount, err := scaleUnits(wei, weiDecimals)
			if err != nil {
				scanErr = err
				return false
			}
			hits = append(hits, chainHit{TxID: tx.Get("hash").String(), Amount: amount, BlockHeight: b})
			return true
		})
		if scanErr != nil {
			return nil, scanErr
		}
	}
	return hits, nil
}

// scanTransferLogs queries the token contract's Transfer events with
// the watched address as recipient.
func (e *Ethereum) scanTransferLogs(ctx context.Context, address string, from, to int64) ([]chainHit, error) {
	filter := map[string]interface{}{
		"fromBlock": fmt.Sprintf("0x%x", from),
		"toBlock":   fmt.Sprintf("0x%x", to),
		"address":   e.token,
		"topics":    []interface{}{erc20TransferTopic, nil, addressTopic(address)},
	}
	res, err := e.rpc.call(ctx, "eth_getLogs", filter)
	if err != nil {
		return nil, err
	}
	var hits []chainHit
	var scanErr error
	res.ForEach(func(_, lg gjson.Result) bool {
		raw, err := hexToBig(lg.Get("data").String())
		if err != nil {
			scanErr = fmt.Errorf("log data: %w", err)
			return false
		}
		amount, err := scaleUnits(raw, usdtERC20Decimals)
		if err != nil {
			scanErr = err
			return false
		}
		block, err := hexToInt64(lg.Get("blockNumber").String())
		if err != nil {
			scanErr = fmt.Errorf("log block number: %w", err)
			return false
		}
		hits = append(hits, chainHit{TxID: lg.Get("transactionHash").String(), Amount: amount, BlockHeight: block})
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	return hits, nil
}

// addressTopic left-pads an address to the 32-byte topic encoding.
func addressTopic(address string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(address), "0x")
}

func (e *Ethereum) EstimateFee(ctx context.Context) (domain.Amount, error) {
	res, err := e.rpc.call(ctx, "eth_gasPrice")
	if err != nil {
		return 0, err
	}
	gasPrice, err := hexToBig(res.String())
	if err != nil {
		return 0, fmt.Errorf("gas price: %w", err)
	}
	gas := int64(ethTransferGas)
	if e.token != "" {
		gas = tokenTransferGas
	}
	fee := new(big.Int).Mul(gasPrice, big.NewInt(gas))
	return scaleUnits(fee, weiDecimals)
}
