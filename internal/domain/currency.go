package domain

import (
	"regexp"
	"strings"
)

// Currency identifies one of the supported chains or tokens.
type Currency string

const (
	CurrencyBTC       Currency = "BTC"
	CurrencyETH       Currency = "ETH"
	CurrencyUSDTERC20 Currency = "USDT_ERC20"
	CurrencyUSDTTRC20 Currency = "USDT_TRC20"
	CurrencySOL       Currency = "SOL"
)

// Currencies lists every supported currency in a stable order.
func Currencies() []Currency {
	return []Currency{CurrencyBTC, CurrencyETH, CurrencyUSDTERC20, CurrencyUSDTTRC20, CurrencySOL}
}

// ParseCurrency normalises and validates a currency code.
func ParseCurrency(s string) (Currency, bool) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if c.Valid() {
		return c, true
	}
	return "", false
}

// Valid reports whether the currency is one of the supported set.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyBTC, CurrencyETH, CurrencyUSDTERC20, CurrencyUSDTTRC20, CurrencySOL:
		return true
	}
	return false
}

func (c Currency) String() string { return string(c) }

// Address format patterns, enforced exactly.
var (
	btcAddressRx   = regexp.MustCompile(`^[13][a-km-zA-HJ-NP-Z1-9]{25,34}$|^bc1[a-z0-9]{39,59}$`)
	ethAddressRx   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	tronAddressRx  = regexp.MustCompile(`^T[A-Za-z1-9]{33}$`)
	solAddressRx   = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	derivationRx   = regexp.MustCompile(`^m(/\d+'?)*$`)
	hexKeyImageRx  = regexp.MustCompile(`^[a-fA-F0-9]{66}$`)
	hexTxidRx      = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	hexEthTxHashRx = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidAddress reports whether addr matches the currency's address format.
func ValidAddress(c Currency, addr string) bool {
	switch c {
	case CurrencyBTC:
		return btcAddressRx.MatchString(addr)
	case CurrencyETH, CurrencyUSDTERC20:
		return ethAddressRx.MatchString(addr)
	case CurrencyUSDTTRC20:
		return tronAddressRx.MatchString(addr)
	case CurrencySOL:
		return solAddressRx.MatchString(addr)
	}
	return false
}

// ValidDerivationPath reports whether path is a well-formed HD path.
func ValidDerivationPath(path string) bool {
	return derivationRx.MatchString(path)
}

// ValidTxid reports whether txid is plausible for the currency. BTC and
// SOL use bare hex / base58 ids; the EVM chains prefix with 0x.
func ValidTxid(c Currency, txid string) bool {
	switch c {
	case CurrencyETH, CurrencyUSDTERC20:
		return hexEthTxHashRx.MatchString(txid)
	case CurrencySOL:
		return len(txid) >= 43 && len(txid) <= 88
	default:
		return hexTxidRx.MatchString(txid)
	}
}

// ValidKeyImageHex reports whether s encodes a compressed-point key image.
func ValidKeyImageHex(s string) bool {
	return hexKeyImageRx.MatchString(s)
}
