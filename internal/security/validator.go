// Package security runs the pre-flight validation pipeline over mix
// requests: parameter validation, per-currency limits, address
// reputation, behavioural analysis, KYT scoring and AML checks. The
// pipeline produces a bounded risk score in [0, 100]; the engine maps
// the score to flag / manual-review / auto-reject decisions.
package security

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// RiskLevel grades an assessment for operators.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Flags attached to assessments. The fixed-score list hits come first;
// analysis stages add the rest.
const (
	FlagBlacklisted    = "BLACKLISTED"
	FlagSanctions      = "SANCTIONS"
	FlagWhitelisted    = "WHITELISTED"
	FlagExchange       = "EXCHANGE"
	FlagVelocity       = "VELOCITY"
	FlagAmountPattern  = "AMOUNT_PATTERN"
	FlagTimingPattern  = "TIMING_PATTERN"
	FlagAddressReuse   = "ADDRESS_REUSE"
	FlagRoundAmount    = "ROUND_AMOUNT"
	FlagStructuring    = "STRUCTURING"
	FlagHighKYT        = "HIGH_KYT"
	FlagHistoricalRisk = "HISTORICAL_RISK"
)

// Score deltas and bounds.
const (
	scorePerError   = 25
	scorePerWarning = 10
	maxScore        = 100
	whitelistCredit = 50
	exchangeScore   = 30
	// maxHistoricalContribution bounds how much the external reputation
	// provider can move the score on its own.
	maxHistoricalContribution = 40
)

// Assessment is the pipeline verdict for one request.
type Assessment struct {
	Score     int
	RiskLevel RiskLevel
	Flags     []string
	Errors    []string
	Warnings  []string

	Flagged      bool
	ManualReview bool
	AutoReject   bool

	EvaluatedAt time.Time
}

func (a *Assessment) addError(msg, flag string) {
	a.Errors = append(a.Errors, msg)
	a.Score += scorePerError
	if flag != "" {
		a.addFlag(flag)
	}
}

func (a *Assessment) addWarning(msg, flag string) {
	a.Warnings = append(a.Warnings, msg)
	a.Score += scorePerWarning
	if flag != "" {
		a.addFlag(flag)
	}
}

func (a *Assessment) addFlag(flag string) {
	for _, f := range a.Flags {
		if f == flag {
			return
		}
	}
	a.Flags = append(a.Flags, flag)
}

// HasFlag reports whether the assessment carries the flag.
func (a *Assessment) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// History is the slice of the repository the pipeline reads. Both
// methods are served by the mix request store.
type History interface {
	ListMixRequestsByUser(ctx context.Context, userID string, limit int) ([]domain.MixRequest, error)
	CountUserRequestsSince(ctx context.Context, userID string, currency domain.Currency, since time.Time) (int, error)
}

// ReputationProvider supplies external address intelligence. Optional:
// a nil provider degrades the pipeline to local lists only.
type ReputationProvider interface {
	Lookup(ctx context.Context, address string) (Reputation, error)
}

// Reputation is an external provider's view of one address.
type Reputation struct {
	Score int
	Tags  []string
}

// Validator is the pipeline. Stages run in a fixed order; every stage
// appends findings and the final score is clamped to [0, 100].
type Validator struct {
	cfg        config.SecurityConfig
	lists      *AddressLists
	history    History
	reputation ReputationProvider
	events     events.Logger
	log        *logger.Logger
}

// NewValidator wires the pipeline. lists must be non-nil; history and
// reputation may be nil, disabling the stages that need them.
func NewValidator(cfg config.SecurityConfig, lists *AddressLists, history History, reputation ReputationProvider, ev events.Logger, log *logger.Logger) *Validator {
	if lists == nil {
		lists = NewAddressLists()
	}
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("security")
	}
	return &Validator{
		cfg:        cfg,
		lists:      lists,
		history:    history,
		reputation: reputation,
		events:     ev,
		log:        log,
	}
}

// Lists exposes the local reputation sets for admin updates.
func (v *Validator) Lists() *AddressLists { return v.lists }

// Assess runs the full pipeline. The returned error covers only
// infrastructure failures; findings, however severe, live in the
// Assessment.
func (v *Validator) Assess(ctx context.Context, req *domain.MixRequest) (*Assessment, error) {
	a := &Assessment{EvaluatedAt: time.Now().UTC()}

	v.checkParameters(req, a)
	v.checkLimits(ctx, req, a)
	fixed := v.checkAddressReputation(ctx, req, a)
	v.checkBehaviour(ctx, req, a)
	v.checkKYT(req, a)
	v.checkAML(ctx, req, a)

	// A blacklist or sanctions hit pins the score at the maximum no
	// matter what the other stages found.
	if fixed {
		a.Score = maxScore
	}
	if a.Score > maxScore {
		a.Score = maxScore
	}
	if a.Score < 0 {
		a.Score = 0
	}

	a.RiskLevel = v.levelFor(a)
	a.Flagged = a.Score >= v.cfg.RiskScoreThreshold
	a.ManualReview = a.Score >= v.cfg.ManualReviewThreshold
	a.AutoReject = a.Score >= v.cfg.AutoRejectThreshold

	if a.AutoReject {
		events.New(events.EventSecurityRejected).
			Entity("request", req.ID).
			Severity(events.SeverityWarning).
			Message("request auto-rejected").
			Metadata("score", itoa(a.Score)).
			LogTo(v.events)
	} else if a.Flagged {
		events.New(events.EventSecurityFlagged).
			Entity("request", req.ID).
			Severity(events.SeverityWarning).
			Message("request flagged for review").
			Metadata("score", itoa(a.Score)).
			LogTo(v.events)
	}

	v.log.Debug("request assessed",
		"request_id", req.ID,
		"score", a.Score,
		"level", string(a.RiskLevel),
		"errors", len(a.Errors),
		"warnings", len(a.Warnings),
	)
	return a, nil
}

// levelFor maps score and flags to a risk level. An exchange hit never
// grades below MEDIUM even when the score alone would.
func (v *Validator) levelFor(a *Assessment) RiskLevel {
	level := RiskLow
	switch {
	case a.Score >= v.cfg.AutoRejectThreshold:
		level = RiskCritical
	case a.Score >= v.cfg.RiskScoreThreshold:
		level = RiskHigh
	case a.Score >= v.cfg.RiskScoreThreshold/2:
		level = RiskMedium
	}
	if a.HasFlag(FlagExchange) && level == RiskLow {
		level = RiskMedium
	}
	return level
}

// ===== Stage 1: parameters =====

func (v *Validator) checkParameters(req *domain.MixRequest, a *Assessment) {
	if err := req.Validate(); err != nil {
		a.addError(err.Error(), "")
	}
	if req.Algorithm != "" && !req.Algorithm.Valid() {
		a.addError(fmt.Sprintf("unknown algorithm %q", req.Algorithm), "")
	}
}

// ===== Stage 2: transaction limits =====

func (v *Validator) checkLimits(ctx context.Context, req *domain.MixRequest, a *Assessment) {
	limits := domain.LimitsFor(req.Currency)
	if limits.Max == 0 {
		return // unsupported currency already reported by stage 1
	}
	if req.InputAmount < limits.Min {
		a.addError(fmt.Sprintf("amount %s below minimum %s %s", req.InputAmount, limits.Min, req.Currency), "")
	}
	if req.InputAmount > limits.Max {
		a.addError(fmt.Sprintf("amount %s above maximum %s %s", req.InputAmount, limits.Max, req.Currency), "")
	}

	if v.history == nil || req.UserID == "" {
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	count, err := v.history.CountUserRequestsSince(ctx, req.UserID, req.Currency, since)
	if err != nil {
		v.log.WithError(err).Warn("daily cap lookup failed", "user_id", req.UserID)
		return
	}
	if count >= limits.DailyCount {
		a.addError(fmt.Sprintf("daily cap reached: %d of %d %s requests in 24h", count, limits.DailyCount, req.Currency), "")
	}
}

// ===== Stage 3: address reputation =====

// checkAddressReputation classifies the deposit origin and every output
// address. Returns true when a fixed-score list (blacklist, sanctions)
// matched.
func (v *Validator) checkAddressReputation(ctx context.Context, req *domain.MixRequest, a *Assessment) bool {
	fixed := false
	addrs := make([]string, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		addrs = append(addrs, out.Address)
	}

	for _, addr := range addrs {
		class := v.lists.Classify(addr)
		switch {
		case class.Blacklisted:
			a.addFlag(FlagBlacklisted)
			a.Errors = append(a.Errors, fmt.Sprintf("address %s is blacklisted", addr))
			fixed = true
		case class.Sanctioned:
			a.addFlag(FlagSanctions)
			a.Errors = append(a.Errors, fmt.Sprintf("address %s is on a sanctions list", addr))
			fixed = true
		}
		if class.Whitelisted {
			a.addFlag(FlagWhitelisted)
			a.Score -= whitelistCredit
		}
		if class.Exchange {
			a.addFlag(FlagExchange)
			a.Score += exchangeScore
			a.Warnings = append(a.Warnings, fmt.Sprintf("address %s belongs to a known exchange", addr))
		}
	}

	if v.reputation != nil && !fixed {
		v.checkHistoricalRisk(ctx, addrs, a)
	}
	return fixed
}

// checkHistoricalRisk folds in the external provider's view. Provider
// failures degrade silently to local lists; the pipeline never blocks
// on a third party.
func (v *Validator) checkHistoricalRisk(ctx context.Context, addrs []string, a *Assessment) {
	worst := 0
	var tags []string
	for _, addr := range addrs {
		rep, err := v.reputation.Lookup(ctx, addr)
		if err != nil {
			v.log.WithError(err).Debug("reputation lookup failed", "address", addr)
			continue
		}
		if rep.Score > worst {
			worst = rep.Score
			tags = rep.Tags
		}
	}
	if worst <= 0 {
		return
	}
	contribution := worst * maxHistoricalContribution / 100
	a.Score += contribution
	a.addFlag(FlagHistoricalRisk)
	for _, t := range tags {
		a.addFlag(t)
	}
	if contribution >= scorePerError {
		a.Warnings = append(a.Warnings, fmt.Sprintf("external reputation score %d", worst))
	}
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
