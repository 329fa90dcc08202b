package domain

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// Amount is a fixed-point monetary value with 8 decimal places, the
// finest resolution any supported currency needs at coordinator level.
// 1 coin = 1e8 units; chain clients convert to native units at the edge.
type Amount int64

const (
	// AmountScale is the number of stored decimal places.
	AmountScale = 8
	// UnitsPerCoin is the fixed-point multiplier.
	UnitsPerCoin Amount = 100_000_000
	// BalanceTolerance is the permitted |Σin − Σout − fee| slack,
	// equal to 1e-6 coins.
	BalanceTolerance Amount = 100
)

// maxWholeCoins bounds ParseAmount input so the conversion cannot
// overflow int64.
const maxWholeCoins = int64(92_233_720_368)

// ParseAmount converts a decimal string such as "0.1" or "100000" into
// an Amount. Negative values and more than 8 fractional digits are
// rejected.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > AmountScale {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, AmountScale)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: invalid integer part", s)
	}
	if w > maxWholeCoins {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	var f int64
	if frac != "" {
		padded := frac + strings.Repeat("0", AmountScale-len(frac))
		f, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("amount %q: invalid fractional part", s)
		}
	}
	return Amount(w)*UnitsPerCoin + Amount(f), nil
}

// MustAmount parses a literal and panics on failure. For tables and tests.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromFloat converts a float64 coin value, rounding to the nearest
// unit. Only for interop at boundaries that already speak float.
func AmountFromFloat(v float64) Amount {
	if v >= 0 {
		return Amount(v*float64(UnitsPerCoin) + 0.5)
	}
	return Amount(v*float64(UnitsPerCoin) - 0.5)
}

// Float64 returns the amount in coins as a float. Display and statistics
// only; never feed the result back into balance arithmetic.
func (a Amount) Float64() float64 {
	return float64(a) / float64(UnitsPerCoin)
}

// String renders the amount in coins with trailing zeros trimmed.
func (a Amount) String() string {
	neg := a < 0
	if neg {
		a = -a
	}
	whole := a / UnitsPerCoin
	frac := a % UnitsPerCoin
	var s string
	if frac == 0 {
		s = strconv.FormatInt(int64(whole), 10)
	} else {
		fs := fmt.Sprintf("%08d", int64(frac))
		fs = strings.TrimRight(fs, "0")
		s = strconv.FormatInt(int64(whole), 10) + "." + fs
	}
	if neg {
		return "-" + s
	}
	return s
}

// Percent returns a×pct/100 using integer arithmetic. The caller is
// responsible for assigning rounding remainders.
func (a Amount) Percent(pct int) Amount {
	return a * Amount(pct) / 100
}

// BasisPoints returns a×bps/10000 using integer arithmetic. Fee math.
func (a Amount) BasisPoints(bps int64) Amount {
	return a * Amount(bps) / 10_000
}

// WithinTolerance reports whether |a| < BalanceTolerance.
func (a Amount) WithinTolerance() bool {
	if a < 0 {
		a = -a
	}
	return a < BalanceTolerance
}

// Value implements driver.Valuer. Amounts are persisted as NUMERIC(30,8)
// coin values, so the wire form is the decimal string.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC(30,8) columns. NULL scans to
// zero so aggregates over empty sets behave.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case int64:
		*a = Amount(v) * UnitsPerCoin
		return nil
	case float64:
		*a = AmountFromFloat(v)
		return nil
	case []byte:
		return a.scanString(string(v))
	case string:
		return a.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
}

func (a *Amount) scanString(s string) error {
	neg := strings.HasPrefix(s, "-")
	parsed, err := ParseAmount(strings.TrimPrefix(s, "-"))
	if err != nil {
		return err
	}
	if neg {
		parsed = -parsed
	}
	*a = parsed
	return nil
}
