package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/mixer_core/internal/crypto"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
)

// SLIP-44 coin types for derivation path metadata.
const (
	coinTypeBTC  = 0
	coinTypeETH  = 60
	coinTypeTRON = 195
	coinTypeSOL  = 501
)

const tronAddressPrefix = 0x41

func coinType(c domain.Currency) int {
	switch c {
	case domain.CurrencyBTC:
		return coinTypeBTC
	case domain.CurrencyETH, domain.CurrencyUSDTERC20:
		return coinTypeETH
	case domain.CurrencyUSDTTRC20:
		return coinTypeTRON
	case domain.CurrencySOL:
		return coinTypeSOL
	}
	return coinTypeBTC
}

func derivationPath(c domain.Currency, index uint32) string {
	return fmt.Sprintf("m/44'/%d'/0'/0/%d", coinType(c), index)
}

// EncodeAddress renders the public key in the currency's native
// address format. USDT addresses follow their host chain.
func EncodeAddress(c domain.Currency, kp *crypto.KeyPair) (string, error) {
	switch c {
	case domain.CurrencyBTC:
		return encodeBitcoinAddress(kp)
	case domain.CurrencyETH, domain.CurrencyUSDTERC20:
		return encodeEthereumAddress(kp), nil
	case domain.CurrencyUSDTTRC20:
		return encodeTronAddress(kp), nil
	case domain.CurrencySOL:
		return encodeSolanaAddress(kp), nil
	}
	return "", errors.InputValidationf("unsupported currency %s", c)
}

func encodeBitcoinAddress(kp *crypto.KeyPair) (string, error) {
	hash := btcutil.Hash160(kp.PubBytes())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.MainNetParams)
	if err != nil {
		return "", errors.Wrap(errors.KindFatal, "encode p2wpkh address", err)
	}
	return addr.EncodeAddress(), nil
}

// ethereumHash is the keccak-256 of the uncompressed public key minus
// its 0x04 prefix, the shared basis of EVM and Tron addresses.
func ethereumHash(kp *crypto.KeyPair) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(kp.Pub.SerializeUncompressed()[1:])
	return h.Sum(nil)
}

func encodeEthereumAddress(kp *crypto.KeyPair) string {
	sum := ethereumHash(kp)
	return "0x" + hex.EncodeToString(sum[12:])
}

func encodeTronAddress(kp *crypto.KeyPair) string {
	sum := ethereumHash(kp)
	return base58.CheckEncode(sum[12:], tronAddressPrefix)
}

func encodeSolanaAddress(kp *crypto.KeyPair) string {
	// The 32-byte X coordinate stands in for an ed25519 key so the
	// address carries the same entropy in the same base58 shape.
	return base58.Encode(kp.PubBytes()[1:33])
}
