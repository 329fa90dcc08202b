// Package storage defines the persistence contracts the coordinator
// consumes and an in-memory implementation used by tests and the
// simulated deployment mode. The postgres implementation lives in the
// postgres subpackage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/mixer_core/internal/domain"
)

// Sentinel errors shared by every implementation.
var (
	// ErrNotFound marks a missing row.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict marks a uniqueness or compare-and-swap failure.
	ErrConflict = errors.New("storage: conflict")
	// ErrInsufficientBalance marks a conditional debit that found the
	// wallet but not the funds.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrWalletUnavailable marks a conditional debit against an
	// inactive or locked wallet.
	ErrWalletUnavailable = errors.New("storage: wallet inactive or locked")
)

// MixRequestStore persists mix requests.
type MixRequestStore interface {
	CreateMixRequest(ctx context.Context, req domain.MixRequest) (domain.MixRequest, error)
	GetMixRequest(ctx context.Context, id string) (domain.MixRequest, error)
	// UpdateMixRequestIf persists req only when the stored status still
	// equals expect, the optimistic guard that keeps one request's
	// transitions totally ordered. Returns ErrConflict otherwise.
	UpdateMixRequestIf(ctx context.Context, req domain.MixRequest, expect domain.RequestStatus) (domain.MixRequest, error)
	// ListMixRequestsByStatus returns requests in the given status
	// ordered by deposit confirmation time, oldest first.
	ListMixRequestsByStatus(ctx context.Context, status domain.RequestStatus, limit int) ([]domain.MixRequest, error)
	ListMixRequestsByUser(ctx context.Context, userID string, limit int) ([]domain.MixRequest, error)
	// ListActiveMixRequests returns every non-terminal request, for
	// restart recovery.
	ListActiveMixRequests(ctx context.Context) ([]domain.MixRequest, error)
	// ListExpiredPending returns PENDING requests whose expiry passed.
	ListExpiredPending(ctx context.Context, now time.Time) ([]domain.MixRequest, error)
	// CountUserRequestsSince counts a user's requests for a currency
	// created at or after since. Daily-cap enforcement.
	CountUserRequestsSince(ctx context.Context, userID string, currency domain.Currency, since time.Time) (int, error)
	// DeleteTerminalBefore removes completed/cancelled requests older
	// than cutoff and returns how many went. Failed and blocked rows
	// are retained for post-mortem.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DepositAddressStore persists per-request deposit addresses.
type DepositAddressStore interface {
	CreateDepositAddress(ctx context.Context, addr domain.DepositAddress) (domain.DepositAddress, error)
	GetDepositAddressByRequest(ctx context.Context, mixRequestID string) (domain.DepositAddress, error)
	GetDepositAddressByAddress(ctx context.Context, address string) (domain.DepositAddress, error)
	// DepositAddressExists is an EXISTS probe; it must not fetch the row.
	DepositAddressExists(ctx context.Context, address string) (bool, error)
	// MarkDepositAddressUsed flips used false→true once; later calls
	// keep the first timestamp.
	MarkDepositAddressUsed(ctx context.Context, id string, at time.Time) error
}

// WalletStore persists custody wallets. Balance mutations are the
// conditional forms below; nothing writes balances directly.
type WalletStore interface {
	CreateWallet(ctx context.Context, w domain.Wallet) (domain.Wallet, error)
	GetWallet(ctx context.Context, id string) (domain.Wallet, error)
	// WalletExistsByAddress is an EXISTS probe; it must not fetch the row.
	WalletExistsByAddress(ctx context.Context, address string) (bool, error)
	// GetWalletBalance reads the single balance column.
	GetWalletBalance(ctx context.Context, id string) (domain.Amount, error)
	// UpdateWalletBalance sets an absolute balance and touches
	// last_balance_update.
	UpdateWalletBalance(ctx context.Context, id string, balance domain.Amount) (domain.Wallet, error)
	// AtomicSubtractBalance debits in one conditional update that
	// succeeds only when balance ≥ amount, the wallet is active and not
	// locked. Exactly one of two racing callers wins. Failure reasons:
	// ErrNotFound, ErrInsufficientBalance, ErrWalletUnavailable.
	AtomicSubtractBalance(ctx context.Context, id string, amount domain.Amount) (domain.Wallet, error)
	// BatchUpdateBalances applies every update in a single transaction
	// (CASE WHEN form in SQL implementations).
	BatchUpdateBalances(ctx context.Context, updates []domain.BalanceUpdate) error
	// FindOptimalWallet returns the best withdrawal source: active,
	// unlocked, hot or pool, balance ≥ amount; ordered by balance
	// descending then last_used_at ascending. ErrNotFound when none.
	FindOptimalWallet(ctx context.Context, currency domain.Currency, amount domain.Amount) (domain.Wallet, error)
	// ListWalletsForRotation returns active hot/pool wallets idle since
	// before the cutoff.
	ListWalletsForRotation(ctx context.Context, idleBefore time.Time) ([]domain.Wallet, error)
	// ArchiveInactiveWallets archives one batch of zero-balance wallets
	// idle since before cutoff and returns how many rows changed.
	ArchiveInactiveWallets(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	ListWalletsByCurrency(ctx context.Context, currency domain.Currency) ([]domain.Wallet, error)
	// TouchWalletUsage bumps usage_count and last_used_at.
	TouchWalletUsage(ctx context.Context, id string, at time.Time) error
}

// OutputTransactionStore persists payout transactions.
type OutputTransactionStore interface {
	CreateOutputTransactions(ctx context.Context, outs []domain.OutputTransaction) error
	UpdateOutputTransaction(ctx context.Context, out domain.OutputTransaction) (domain.OutputTransaction, error)
	ListOutputsByRequest(ctx context.Context, mixRequestID string) ([]domain.OutputTransaction, error)
	ListOutputsByStatus(ctx context.Context, status domain.OutputStatus, limit int) ([]domain.OutputTransaction, error)
	DeleteOutputsByRequest(ctx context.Context, mixRequestID string) error
}

// SessionStore persists coinjoin session snapshots.
type SessionStore interface {
	SaveSessionSnapshot(ctx context.Context, snap domain.SessionSnapshot) error
	GetSessionSnapshot(ctx context.Context, id string) (domain.SessionSnapshot, error)
	ListActiveSessionSnapshots(ctx context.Context) ([]domain.SessionSnapshot, error)
	DeleteSessionSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeyImageStore persists the spent key image set.
type KeyImageStore interface {
	// InsertKeyImage records a first-seen image; ErrConflict when it
	// already exists. Insert-if-absent is the whole double-spend guard.
	InsertKeyImage(ctx context.Context, rec domain.KeyImageRecord) error
	// KeyImageExists is a read-only membership probe. Verification
	// paths must not consume images.
	KeyImageExists(ctx context.Context, image string) (bool, error)
	ListKeyImagesSince(ctx context.Context, since time.Time) ([]domain.KeyImageRecord, error)
}

// BanStore persists blamed participant bans.
type BanStore interface {
	UpsertBan(ctx context.Context, ban domain.BanRecord) error
	IsBanned(ctx context.Context, participantID string, now time.Time) (bool, error)
	DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error)
	ListActiveBans(ctx context.Context, now time.Time) ([]domain.BanRecord, error)
}

// Percentiles carries duration quantiles in milliseconds.
type Percentiles struct {
	P50 int64
	P90 int64
	P99 int64
}

// AuditStore persists the immutable trail and operation timings.
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, entityType, entityID string, limit int) ([]domain.AuditRecord, error)
	InsertOperationLog(ctx context.Context, log domain.OperationLog) error
	// OperationDurationPercentiles computes p50/p90/p99 over the
	// half-open window [from, to).
	OperationDurationPercentiles(ctx context.Context, operation string, from, to time.Time) (Percentiles, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOperationLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsStore aggregates business metrics.
type StatsStore interface {
	GetMixStats(ctx context.Context, currency domain.Currency) (domain.MixStats, error)
	CountRequestsByStatus(ctx context.Context) (map[domain.RequestStatus]int64, error)
	SumWalletBalances(ctx context.Context, currency domain.Currency) (domain.Amount, error)
}

// Store is the full persistence surface the coordinator wires.
type Store interface {
	MixRequestStore
	DepositAddressStore
	WalletStore
	OutputTransactionStore
	SessionStore
	KeyImageStore
	BanStore
	AuditStore
	StatsStore
}
