package domain

// Standard mixing denominations per currency. CoinJoin sessions only
// form around these values; anything else routes to the ring path.
var standardDenominations = map[Currency][]Amount{
	CurrencyBTC:       {MustAmount("0.001"), MustAmount("0.01"), MustAmount("0.1"), MustAmount("1"), MustAmount("10")},
	CurrencyETH:       {MustAmount("0.1"), MustAmount("1"), MustAmount("10"), MustAmount("100")},
	CurrencyUSDTERC20: {MustAmount("100"), MustAmount("1000"), MustAmount("10000"), MustAmount("100000")},
	CurrencyUSDTTRC20: {MustAmount("100"), MustAmount("1000"), MustAmount("10000"), MustAmount("100000")},
	CurrencySOL:       {MustAmount("1"), MustAmount("10"), MustAmount("100"), MustAmount("1000")},
}

// TransactionLimits bound a single mix per currency, plus the per-user
// daily request cap.
type TransactionLimits struct {
	Min        Amount
	Max        Amount
	DailyCount int
}

var transactionLimits = map[Currency]TransactionLimits{
	CurrencyBTC:       {Min: MustAmount("0.001"), Max: MustAmount("10"), DailyCount: 5},
	CurrencyETH:       {Min: MustAmount("0.01"), Max: MustAmount("100"), DailyCount: 10},
	CurrencyUSDTERC20: {Min: MustAmount("10"), Max: MustAmount("100000"), DailyCount: 20},
	CurrencyUSDTTRC20: {Min: MustAmount("10"), Max: MustAmount("100000"), DailyCount: 20},
	CurrencySOL:       {Min: MustAmount("0.1"), Max: MustAmount("1000"), DailyCount: 15},
}

// StandardDenominations returns the denomination table for a currency,
// ascending. The returned slice must not be mutated.
func StandardDenominations(c Currency) []Amount {
	return standardDenominations[c]
}

// IsStandardDenomination reports whether amount appears in the table.
func IsStandardDenomination(c Currency, amount Amount) bool {
	for _, d := range standardDenominations[c] {
		if d == amount {
			return true
		}
	}
	return false
}

// LargestDenominationAtMost returns the largest table entry ≤ amount,
// or 0 and false when every entry exceeds it.
func LargestDenominationAtMost(c Currency, amount Amount) (Amount, bool) {
	var best Amount
	for _, d := range standardDenominations[c] {
		if d <= amount && d > best {
			best = d
		}
	}
	return best, best > 0
}

// LimitsFor returns the per-transaction and daily limits for a currency.
func LimitsFor(c Currency) TransactionLimits {
	return transactionLimits[c]
}
