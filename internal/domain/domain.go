// Package domain holds the entities shared across the mixing
// coordinator: mix requests, deposit addresses, wallets, output
// transactions, and the money and currency primitives they use.
package domain

import (
	"fmt"
	"time"
)

// ===== Mix request lifecycle =====

// RequestStatus tracks a mix request through its state machine.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusDeposited  RequestStatus = "deposited"
	StatusPooling    RequestStatus = "pooling"
	StatusMixing     RequestStatus = "mixing"
	StatusCompleting RequestStatus = "completing"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusFailed     RequestStatus = "failed"
	StatusBlocked    RequestStatus = "blocked"
)

// Terminal reports whether no further transitions are permitted.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusDeposited, StatusCancelled, StatusFailed, StatusBlocked},
	StatusDeposited:  {StatusPooling, StatusCancelled, StatusFailed},
	StatusPooling:    {StatusMixing, StatusFailed},
	StatusMixing:     {StatusCompleting, StatusFailed},
	StatusCompleting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// MixAlgorithm selects the anonymisation strategy for a request.
type MixAlgorithm string

const (
	AlgorithmCoinJoin MixAlgorithm = "coinjoin"
	AlgorithmRing     MixAlgorithm = "ring"
	// AlgorithmStealth is the ring path with confidential outputs
	// disabled; a single-output fast variant.
	AlgorithmStealth MixAlgorithm = "stealth"
)

// Valid reports whether the algorithm is a member of the closed set.
func (a MixAlgorithm) Valid() bool {
	switch a {
	case AlgorithmCoinJoin, AlgorithmRing, AlgorithmStealth:
		return true
	}
	return false
}

// OutputSpec is one requested payout: a destination address and the
// percentage of the mixed amount it receives.
type OutputSpec struct {
	Address    string `json:"address"`
	Percentage int    `json:"percentage"`
}

// MixRequest is the top-level entity the engine drives through the
// lifecycle state machine.
type MixRequest struct {
	ID                 string
	UserID             string
	Currency           Currency
	InputAmount        Amount
	Outputs            []OutputSpec
	Status             RequestStatus
	Algorithm          MixAlgorithm
	DepositAddress     string
	DepositTxid        string
	DepositBlockHeight int64
	DepositConfirmedAt *time.Time
	PendingReview      bool
	RiskScore          int
	FeeBps             int64
	ErrorMessage       string
	SessionID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
	CompletedAt        *time.Time
}

// Validate checks structural request invariants: a supported currency,
// a positive amount, well-formed destination addresses, and output
// percentages summing to exactly 100.
func (r *MixRequest) Validate() error {
	if !r.Currency.Valid() {
		return fmt.Errorf("unsupported currency %q", r.Currency)
	}
	if r.InputAmount <= 0 {
		return fmt.Errorf("input amount must be positive")
	}
	if len(r.Outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}
	sum := 0
	for i, out := range r.Outputs {
		if out.Percentage <= 0 {
			return fmt.Errorf("output %d: percentage must be positive", i)
		}
		if !ValidAddress(r.Currency, out.Address) {
			return fmt.Errorf("output %d: address %q is not a valid %s address", i, out.Address, r.Currency)
		}
		sum += out.Percentage
	}
	if sum != 100 {
		return fmt.Errorf("output percentages sum to %d, want 100", sum)
	}
	return nil
}

// SplitAmount divides a net amount across the request outputs by
// percentage, assigning the integer-division remainder to the final
// output so the parts always sum exactly.
func (r *MixRequest) SplitAmount(net Amount) []Amount {
	parts := make([]Amount, len(r.Outputs))
	var assigned Amount
	for i, out := range r.Outputs {
		parts[i] = net.Percent(out.Percentage)
		assigned += parts[i]
	}
	if n := len(parts); n > 0 {
		parts[n-1] += net - assigned
	}
	return parts
}

// ===== Deposit addresses =====

// DepositAddress is the one-time funding address issued per request.
// The private key is stored sealed; only the vault can recover it.
type DepositAddress struct {
	ID                   string
	MixRequestID         string
	Currency             Currency
	Address              string
	PrivateKeyCiphertext []byte
	IV                   []byte
	DerivationPath       string
	AddressIndex         int
	Used                 bool
	FirstUsedAt          *time.Time
	CreatedAt            time.Time
}

// ===== Output transactions =====

// OutputStatus tracks one payout transaction.
type OutputStatus string

const (
	OutputPending   OutputStatus = "pending"
	OutputSigned    OutputStatus = "signed"
	OutputBroadcast OutputStatus = "broadcast"
	OutputConfirmed OutputStatus = "confirmed"
	OutputFailed    OutputStatus = "failed"
)

// OutputTransaction is one scheduled payout belonging to a mix request.
type OutputTransaction struct {
	ID           string
	MixRequestID string
	OutputIndex  int
	Address      string
	Amount       Amount
	ScheduledAt  time.Time
	Status       OutputStatus
	Txid         string
	Attempts     int
	LastError    string
	BroadcastAt  *time.Time
	ConfirmedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ===== Wallets =====

// WalletType partitions custody wallets by role.
type WalletType string

const (
	WalletHot      WalletType = "hot"
	WalletCold     WalletType = "cold"
	WalletPool     WalletType = "pool"
	WalletMultisig WalletType = "multisig"
)

// WalletStatus is the administrative state of a wallet.
type WalletStatus string

const (
	WalletActive   WalletStatus = "active"
	WalletArchived WalletStatus = "archived"
	WalletLocked   WalletStatus = "locked"
)

// Wallet is a custody wallet. Balance mutations go through the wallet
// manager only; nothing else writes these rows.
type Wallet struct {
	ID                string
	Currency          Currency
	Type              WalletType
	Address           string
	Balance           Amount
	IsActive          bool
	IsLocked          bool
	Status            WalletStatus
	LastUsedAt        time.Time
	LastBalanceUpdate time.Time
	UsageCount        int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Debitable reports whether the wallet may currently be debited.
func (w *Wallet) Debitable() bool {
	return w.IsActive && !w.IsLocked && w.Status == WalletActive
}

// BalanceUpdate is one entry of a batch balance write.
type BalanceUpdate struct {
	WalletID   string
	NewBalance Amount
}

// ===== Session snapshots =====

// Terminal phase names as persisted in session snapshots. The coinjoin
// package's Phase type stringifies to these.
const (
	SessionPhaseCompleted = "COMPLETED"
	SessionPhaseFailed    = "FAILED"
)

// SessionSnapshotTerminal reports whether a persisted phase name is
// terminal.
func SessionSnapshotTerminal(phase string) bool {
	return phase == SessionPhaseCompleted || phase == SessionPhaseFailed
}

// SessionSnapshot is the durable projection of a coinjoin session. The
// coordinator owns live state in memory; snapshots exist for restart
// recovery, audit and retention.
type SessionSnapshot struct {
	ID            string
	CoordinatorID string
	Currency      Currency
	Denomination  Amount
	Phase         string
	Participants  int
	BlameList     []string
	State         []byte
	ExpiresAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ===== Registry records =====

// KeyImageRecord marks one spent key image. Insert-only.
type KeyImageRecord struct {
	Image     string
	SourceID  string
	FirstSeen time.Time
}

// BanRecord bans a participant id until ExpiresAt.
type BanRecord struct {
	ParticipantID string
	Reason        string
	BannedAt      time.Time
	ExpiresAt     time.Time
}

// ===== Audit =====

// AuditLevel grades audit records.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarning  AuditLevel = "warning"
	AuditCritical AuditLevel = "critical"
)

// AuditRecord is an immutable trail entry. Writes are asynchronous and
// must never fail a state transition.
type AuditRecord struct {
	ID         string
	Level      AuditLevel
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]interface{}
	CreatedAt  time.Time
}

// OperationLog times one named operation for the performance channel
// and the percentile queries.
type OperationLog struct {
	ID         string
	Operation  string
	DurationMs int64
	Success    bool
	CreatedAt  time.Time
}

// MixStats aggregates completed mixing activity for reporting.
type MixStats struct {
	Currency          Currency
	TotalRequests     int64
	CompletedRequests int64
	FailedRequests    int64
	BlockedRequests   int64
	TotalVolume       Amount
	TotalFees         Amount
	AvgDurationMs     int64
}
