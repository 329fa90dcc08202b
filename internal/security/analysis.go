package security

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer_core/internal/domain"
)

// Behavioural analysis windows and thresholds.
const (
	velocityWindow      = time.Hour
	velocityWarnCount   = 3
	velocityErrorCount  = 5
	patternSampleSize   = 20
	repeatAmountCount   = 3
	timingSampleMin     = 4
	timingJitterFloor   = 30 * time.Second
	structuringWindow   = 24 * time.Hour
	structuringMinCount = 3
)

// kytBaseline is the currency-weighted baseline: chains favoured for
// illicit flows start higher.
var kytBaseline = map[domain.Currency]int{
	domain.CurrencyBTC:       15,
	domain.CurrencyETH:       10,
	domain.CurrencyUSDTERC20: 20,
	domain.CurrencyUSDTTRC20: 25,
	domain.CurrencySOL:       10,
}

// kytAmountWeight scales the amount-proportional term: a maximum-limit
// transaction adds this many points on top of the baseline.
const kytAmountWeight = 20

// ===== Stage 4: behavioural analysis =====

func (v *Validator) checkBehaviour(ctx context.Context, req *domain.MixRequest, a *Assessment) {
	if v.history == nil || req.UserID == "" {
		return
	}
	recent, err := v.history.ListMixRequestsByUser(ctx, req.UserID, patternSampleSize)
	if err != nil {
		v.log.WithError(err).Warn("behaviour history lookup failed", "user_id", req.UserID)
		return
	}
	if len(recent) == 0 {
		return
	}

	v.checkVelocity(recent, a)
	v.checkAmountPattern(req, recent, a)
	v.checkTimingRegularity(recent, a)
	v.checkAddressReuse(req, recent, a)
}

// checkVelocity counts requests inside the last hour.
func (v *Validator) checkVelocity(recent []domain.MixRequest, a *Assessment) {
	cutoff := time.Now().UTC().Add(-velocityWindow)
	n := 0
	for _, r := range recent {
		if r.CreatedAt.After(cutoff) {
			n++
		}
	}
	switch {
	case n >= velocityErrorCount:
		a.addError(fmt.Sprintf("%d requests within the last hour", n), FlagVelocity)
	case n >= velocityWarnCount:
		a.addWarning(fmt.Sprintf("%d requests within the last hour", n), FlagVelocity)
	}
}

// checkAmountPattern flags the same amount mixed repeatedly, which
// links requests despite the mixing.
func (v *Validator) checkAmountPattern(req *domain.MixRequest, recent []domain.MixRequest, a *Assessment) {
	same := 0
	for _, r := range recent {
		if r.Currency == req.Currency && r.InputAmount == req.InputAmount {
			same++
		}
	}
	if same >= repeatAmountCount {
		a.addWarning(fmt.Sprintf("amount %s repeated %d times recently", req.InputAmount, same), FlagAmountPattern)
	}
}

// checkTimingRegularity flags clockwork submission intervals; humans
// do not mix on a cron schedule.
func (v *Validator) checkTimingRegularity(recent []domain.MixRequest, a *Assessment) {
	if len(recent) < timingSampleMin {
		return
	}
	// recent is newest-first; intervals between consecutive creations.
	intervals := make([]time.Duration, 0, len(recent)-1)
	for i := 0; i+1 < len(recent); i++ {
		d := recent[i].CreatedAt.Sub(recent[i+1].CreatedAt)
		if d < 0 {
			d = -d
		}
		intervals = append(intervals, d)
	}
	var mean time.Duration
	for _, d := range intervals {
		mean += d
	}
	mean /= time.Duration(len(intervals))
	if mean == 0 {
		return
	}
	var maxDev time.Duration
	for _, d := range intervals {
		dev := d - mean
		if dev < 0 {
			dev = -dev
		}
		if dev > maxDev {
			maxDev = dev
		}
	}
	// Every interval within jitter of the mean reads as scheduled.
	if maxDev < timingJitterFloor && mean > time.Minute {
		a.addWarning(fmt.Sprintf("submission intervals regular to within %s", timingJitterFloor), FlagTimingPattern)
	}
}

// checkAddressReuse flags output addresses the user already mixed to;
// reuse collapses the anonymity the mix bought.
func (v *Validator) checkAddressReuse(req *domain.MixRequest, recent []domain.MixRequest, a *Assessment) {
	seen := make(map[string]struct{})
	for _, r := range recent {
		if r.ID == req.ID {
			continue
		}
		for _, out := range r.Outputs {
			seen[normalizeAddress(out.Address)] = struct{}{}
		}
	}
	for _, out := range req.Outputs {
		if _, ok := seen[normalizeAddress(out.Address)]; ok {
			a.addWarning(fmt.Sprintf("output address %s was used in a previous request", out.Address), FlagAddressReuse)
			return
		}
	}
}

// ===== Stage 5: KYT =====

// checkKYT computes the Know-Your-Transaction component: a currency
// baseline plus a term proportional to how much of the per-transaction
// limit the amount consumes.
func (v *Validator) checkKYT(req *domain.MixRequest, a *Assessment) {
	base, ok := kytBaseline[req.Currency]
	if !ok {
		return
	}
	limits := domain.LimitsFor(req.Currency)
	amountTerm := 0
	if limits.Max > 0 && req.InputAmount > 0 {
		amountTerm = int(int64(req.InputAmount) * int64(kytAmountWeight) / int64(limits.Max))
		if amountTerm > kytAmountWeight {
			amountTerm = kytAmountWeight
		}
	}
	kyt := base + amountTerm
	a.Score += kyt
	if kyt >= base+kytAmountWeight/2 {
		a.addFlag(FlagHighKYT)
	}
}

// ===== Stage 6: AML =====

func (v *Validator) checkAML(ctx context.Context, req *domain.MixRequest, a *Assessment) {
	// Round amounts match trivially across the mix boundary.
	if isRoundAmount(req.InputAmount) {
		a.addWarning(fmt.Sprintf("round amount %s", req.InputAmount), FlagRoundAmount)
	}

	if v.history == nil || req.UserID == "" {
		return
	}
	recent, err := v.history.ListMixRequestsByUser(ctx, req.UserID, patternSampleSize)
	if err != nil {
		return // already logged by the behaviour stage
	}
	v.checkStructuring(req, recent, a)
}

// isRoundAmount reports whether the amount is a whole number of coins
// with at most one significant digit, e.g. 1, 5, 10, 200.
func isRoundAmount(amount domain.Amount) bool {
	if amount <= 0 || amount%domain.UnitsPerCoin != 0 {
		return false
	}
	coins := int64(amount / domain.UnitsPerCoin)
	for coins >= 10 {
		if coins%10 != 0 {
			return false
		}
		coins /= 10
	}
	return true
}

// checkStructuring detects a run of requests each kept just below the
// per-transaction maximum inside one day, the classic way to slide a
// large sum under a reporting threshold.
func (v *Validator) checkStructuring(req *domain.MixRequest, recent []domain.MixRequest, a *Assessment) {
	limits := domain.LimitsFor(req.Currency)
	if limits.Max == 0 {
		return
	}
	// "Just below": within 15% under the maximum.
	floor := limits.Max - limits.Max/100*15
	nearMax := func(amt domain.Amount) bool { return amt >= floor && amt <= limits.Max }

	if !nearMax(req.InputAmount) {
		return
	}
	cutoff := time.Now().UTC().Add(-structuringWindow)
	n := 1 // the request under assessment
	for _, r := range recent {
		if r.ID == req.ID || r.Currency != req.Currency {
			continue
		}
		if r.CreatedAt.After(cutoff) && nearMax(r.InputAmount) {
			n++
		}
	}
	if n >= structuringMinCount {
		a.addError(fmt.Sprintf("%d near-limit %s requests within 24h", n, req.Currency), FlagStructuring)
	}
}
