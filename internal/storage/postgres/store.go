// Package postgres implements the storage contracts on PostgreSQL via
// sqlx. Amounts are NUMERIC(30,8) columns; domain.Amount converts at
// the driver boundary.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to the given DSN, verifies the connection, and applies
// conservative pool limits.
func Open(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)
	return New(db), nil
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

const uniqueViolation = "23505"

// translate maps driver errors onto the storage sentinels.
func translate(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s %s: %w", entity, id, storage.ErrConflict)
	}
	return err
}

// --- MixRequestStore ----------------------------------------------------------

type mixRequestRow struct {
	ID                 string        `db:"id"`
	UserID             string        `db:"user_id"`
	Currency           string        `db:"currency"`
	InputAmount        domain.Amount `db:"input_amount"`
	Outputs            []byte        `db:"outputs"`
	Status             string        `db:"status"`
	Algorithm          string        `db:"algorithm"`
	DepositAddress     string        `db:"deposit_address"`
	DepositTxid        string        `db:"deposit_txid"`
	DepositBlockHeight int64         `db:"deposit_block_height"`
	DepositConfirmedAt *time.Time    `db:"deposit_confirmed_at"`
	PendingReview      bool          `db:"pending_review"`
	RiskScore          int           `db:"risk_score"`
	FeeBps             int64         `db:"fee_bps"`
	ErrorMessage       string        `db:"error_message"`
	SessionID          string        `db:"session_id"`
	CreatedAt          time.Time     `db:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at"`
	ExpiresAt          time.Time     `db:"expires_at"`
	CompletedAt        *time.Time    `db:"completed_at"`
}

const mixRequestColumns = `id, user_id, currency, input_amount, outputs, status, algorithm,
	deposit_address, deposit_txid, deposit_block_height, deposit_confirmed_at, pending_review,
	risk_score, fee_bps, error_message, session_id, created_at, updated_at, expires_at, completed_at`

func toMixRequestRow(req domain.MixRequest) (mixRequestRow, error) {
	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return mixRequestRow{}, fmt.Errorf("marshal outputs: %w", err)
	}
	return mixRequestRow{
		ID:                 req.ID,
		UserID:             req.UserID,
		Currency:           string(req.Currency),
		InputAmount:        req.InputAmount,
		Outputs:            outputs,
		Status:             string(req.Status),
		Algorithm:          string(req.Algorithm),
		DepositAddress:     req.DepositAddress,
		DepositTxid:        req.DepositTxid,
		DepositBlockHeight: req.DepositBlockHeight,
		DepositConfirmedAt: req.DepositConfirmedAt,
		PendingReview:      req.PendingReview,
		RiskScore:          req.RiskScore,
		FeeBps:             req.FeeBps,
		ErrorMessage:       req.ErrorMessage,
		SessionID:          req.SessionID,
		CreatedAt:          req.CreatedAt,
		UpdatedAt:          req.UpdatedAt,
		ExpiresAt:          req.ExpiresAt,
		CompletedAt:        req.CompletedAt,
	}, nil
}

func (r mixRequestRow) toDomain() domain.MixRequest {
	req := domain.MixRequest{
		ID:                 r.ID,
		UserID:             r.UserID,
		Currency:           domain.Currency(r.Currency),
		InputAmount:        r.InputAmount,
		Status:             domain.RequestStatus(r.Status),
		Algorithm:          domain.MixAlgorithm(r.Algorithm),
		DepositAddress:     r.DepositAddress,
		DepositTxid:        r.DepositTxid,
		DepositBlockHeight: r.DepositBlockHeight,
		DepositConfirmedAt: r.DepositConfirmedAt,
		PendingReview:      r.PendingReview,
		RiskScore:          r.RiskScore,
		FeeBps:             r.FeeBps,
		ErrorMessage:       r.ErrorMessage,
		SessionID:          r.SessionID,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		ExpiresAt:          r.ExpiresAt,
		CompletedAt:        r.CompletedAt,
	}
	if len(r.Outputs) > 0 {
		_ = json.Unmarshal(r.Outputs, &req.Outputs)
	}
	return req
}

func (s *Store) CreateMixRequest(ctx context.Context, req domain.MixRequest) (domain.MixRequest, error) {
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	row, err := toMixRequestRow(req)
	if err != nil {
		return domain.MixRequest{}, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO mix_requests (`+mixRequestColumns+`)
		VALUES (:id, :user_id, :currency, :input_amount, :outputs, :status, :algorithm,
			:deposit_address, :deposit_txid, :deposit_block_height, :deposit_confirmed_at, :pending_review,
			:risk_score, :fee_bps, :error_message, :session_id, :created_at, :updated_at, :expires_at, :completed_at)
	`, row)
	if err != nil {
		return domain.MixRequest{}, translate(err, "mix request", req.ID)
	}
	return req, nil
}

func (s *Store) GetMixRequest(ctx context.Context, id string) (domain.MixRequest, error) {
	var row mixRequestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+mixRequestColumns+`
		FROM mix_requests
		WHERE id = $1
	`, id)
	if err != nil {
		return domain.MixRequest{}, translate(err, "mix request", id)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateMixRequestIf(ctx context.Context, req domain.MixRequest, expect domain.RequestStatus) (domain.MixRequest, error) {
	req.UpdatedAt = time.Now().UTC()

	outputs, err := json.Marshal(req.Outputs)
	if err != nil {
		return domain.MixRequest{}, fmt.Errorf("marshal outputs: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE mix_requests
		SET status = $3, outputs = $4, deposit_address = $5, deposit_txid = $6,
			deposit_block_height = $7, deposit_confirmed_at = $8, pending_review = $9,
			risk_score = $10, fee_bps = $11, error_message = $12, session_id = $13,
			updated_at = $14, completed_at = $15
		WHERE id = $1 AND status = $2
	`, req.ID, string(expect), string(req.Status), outputs, req.DepositAddress, req.DepositTxid,
		req.DepositBlockHeight, req.DepositConfirmedAt, req.PendingReview,
		req.RiskScore, req.FeeBps, req.ErrorMessage, req.SessionID,
		req.UpdatedAt, req.CompletedAt)
	if err != nil {
		return domain.MixRequest{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Distinguish a vanished row from a lost race.
		if _, err := s.GetMixRequest(ctx, req.ID); err != nil {
			return domain.MixRequest{}, err
		}
		return domain.MixRequest{}, fmt.Errorf("mix request %s is not %s: %w", req.ID, expect, storage.ErrConflict)
	}
	return req, nil
}

func (s *Store) ListMixRequestsByStatus(ctx context.Context, status domain.RequestStatus, limit int) ([]domain.MixRequest, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mixRequestColumns+`
		FROM mix_requests
		WHERE status = $1
		ORDER BY COALESCE(deposit_confirmed_at, created_at)
		LIMIT $2
	`, string(status), lim)
	if err != nil {
		return nil, err
	}
	return mapMixRequests(rows), nil
}

func (s *Store) ListMixRequestsByUser(ctx context.Context, userID string, limit int) ([]domain.MixRequest, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mixRequestColumns+`
		FROM mix_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, lim)
	if err != nil {
		return nil, err
	}
	return mapMixRequests(rows), nil
}

func (s *Store) ListActiveMixRequests(ctx context.Context) ([]domain.MixRequest, error) {
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mixRequestColumns+`
		FROM mix_requests
		WHERE status NOT IN ('completed', 'cancelled', 'failed', 'blocked')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return mapMixRequests(rows), nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time) ([]domain.MixRequest, error) {
	var rows []mixRequestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mixRequestColumns+`
		FROM mix_requests
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	return mapMixRequests(rows), nil
}

func (s *Store) CountUserRequestsSince(ctx context.Context, userID string, currency domain.Currency, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM mix_requests
		WHERE user_id = $1 AND currency = $2 AND created_at >= $3
	`, userID, string(currency), since.UTC())
	return count, err
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// Children cascade through the schema's foreign keys.
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM mix_requests
		WHERE status IN ('completed', 'cancelled') AND updated_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func mapMixRequests(rows []mixRequestRow) []domain.MixRequest {
	out := make([]domain.MixRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// --- DepositAddressStore ------------------------------------------------------

type depositAddressRow struct {
	ID                   string     `db:"id"`
	MixRequestID         string     `db:"mix_request_id"`
	Currency             string     `db:"currency"`
	Address              string     `db:"address"`
	PrivateKeyCiphertext []byte     `db:"private_key_ciphertext"`
	IV                   []byte     `db:"iv"`
	DerivationPath       string     `db:"derivation_path"`
	AddressIndex         int        `db:"address_index"`
	Used                 bool       `db:"used"`
	FirstUsedAt          *time.Time `db:"first_used_at"`
	CreatedAt            time.Time  `db:"created_at"`
}

const depositColumns = `id, mix_request_id, currency, address, private_key_ciphertext, iv,
	derivation_path, address_index, used, first_used_at, created_at`

func (r depositAddressRow) toDomain() domain.DepositAddress {
	return domain.DepositAddress{
		ID:                   r.ID,
		MixRequestID:         r.MixRequestID,
		Currency:             domain.Currency(r.Currency),
		Address:              r.Address,
		PrivateKeyCiphertext: r.PrivateKeyCiphertext,
		IV:                   r.IV,
		DerivationPath:       r.DerivationPath,
		AddressIndex:         r.AddressIndex,
		Used:                 r.Used,
		FirstUsedAt:          r.FirstUsedAt,
		CreatedAt:            r.CreatedAt,
	}
}

func (s *Store) CreateDepositAddress(ctx context.Context, addr domain.DepositAddress) (domain.DepositAddress, error) {
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (`+depositColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, addr.ID, addr.MixRequestID, string(addr.Currency), addr.Address, addr.PrivateKeyCiphertext,
		addr.IV, addr.DerivationPath, addr.AddressIndex, addr.Used, addr.FirstUsedAt, addr.CreatedAt)
	if err != nil {
		return domain.DepositAddress{}, translate(err, "deposit address", addr.Address)
	}
	return addr, nil
}

func (s *Store) GetDepositAddressByRequest(ctx context.Context, mixRequestID string) (domain.DepositAddress, error) {
	var row depositAddressRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+depositColumns+`
		FROM deposit_addresses
		WHERE mix_request_id = $1
	`, mixRequestID)
	if err != nil {
		return domain.DepositAddress{}, translate(err, "deposit address for request", mixRequestID)
	}
	return row.toDomain(), nil
}

func (s *Store) GetDepositAddressByAddress(ctx context.Context, address string) (domain.DepositAddress, error) {
	var row depositAddressRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+depositColumns+`
		FROM deposit_addresses
		WHERE address = $1
	`, address)
	if err != nil {
		return domain.DepositAddress{}, translate(err, "deposit address", address)
	}
	return row.toDomain(), nil
}

func (s *Store) DepositAddressExists(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM deposit_addresses WHERE address = $1)
	`, address)
	return exists, err
}

func (s *Store) MarkDepositAddressUsed(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deposit_addresses
		SET used = TRUE, first_used_at = COALESCE(first_used_at, $2)
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("deposit address %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- WalletStore --------------------------------------------------------------

type walletRow struct {
	ID                string        `db:"id"`
	Currency          string        `db:"currency"`
	Type              string        `db:"type"`
	Address           string        `db:"address"`
	Balance           domain.Amount `db:"balance"`
	IsActive          bool          `db:"is_active"`
	IsLocked          bool          `db:"is_locked"`
	Status            string        `db:"status"`
	LastUsedAt        time.Time     `db:"last_used_at"`
	LastBalanceUpdate time.Time     `db:"last_balance_update"`
	UsageCount        int64         `db:"usage_count"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

const walletColumns = `id, currency, type, address, balance, is_active, is_locked, status,
	last_used_at, last_balance_update, usage_count, created_at, updated_at`

func (r walletRow) toDomain() domain.Wallet {
	return domain.Wallet{
		ID:                r.ID,
		Currency:          domain.Currency(r.Currency),
		Type:              domain.WalletType(r.Type),
		Address:           r.Address,
		Balance:           r.Balance,
		IsActive:          r.IsActive,
		IsLocked:          r.IsLocked,
		Status:            domain.WalletStatus(r.Status),
		LastUsedAt:        r.LastUsedAt,
		LastBalanceUpdate: r.LastBalanceUpdate,
		UsageCount:        r.UsageCount,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (s *Store) CreateWallet(ctx context.Context, w domain.Wallet) (domain.Wallet, error) {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastUsedAt.IsZero() {
		w.LastUsedAt = now
	}
	if w.LastBalanceUpdate.IsZero() {
		w.LastBalanceUpdate = now
	}
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, w.ID, string(w.Currency), string(w.Type), w.Address, w.Balance, w.IsActive, w.IsLocked,
		string(w.Status), w.LastUsedAt, w.LastBalanceUpdate, w.UsageCount, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return domain.Wallet{}, translate(err, "wallet", w.ID)
	}
	return w, nil
}

func (s *Store) GetWallet(ctx context.Context, id string) (domain.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE id = $1
	`, id)
	if err != nil {
		return domain.Wallet{}, translate(err, "wallet", id)
	}
	return row.toDomain(), nil
}

func (s *Store) WalletExistsByAddress(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM wallets WHERE address = $1)
	`, address)
	return exists, err
}

func (s *Store) GetWalletBalance(ctx context.Context, id string) (domain.Amount, error) {
	var balance domain.Amount
	err := s.db.GetContext(ctx, &balance, `
		SELECT balance FROM wallets WHERE id = $1
	`, id)
	if err != nil {
		return 0, translate(err, "wallet", id)
	}
	return balance, nil
}

func (s *Store) UpdateWalletBalance(ctx context.Context, id string, balance domain.Amount) (domain.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE wallets
		SET balance = $2, last_balance_update = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+walletColumns+`
	`, id, balance)
	if err != nil {
		return domain.Wallet{}, translate(err, "wallet", id)
	}
	return row.toDomain(), nil
}

func (s *Store) AtomicSubtractBalance(ctx context.Context, id string, amount domain.Amount) (domain.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE wallets
		SET balance = balance - $2,
			last_used_at = now(),
			last_balance_update = now(),
			usage_count = usage_count + 1,
			updated_at = now()
		WHERE id = $1
			AND balance >= $2
			AND is_active
			AND NOT is_locked
			AND status = 'active'
		RETURNING `+walletColumns+`
	`, id, amount)
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Wallet{}, err
	}
	// The guard failed; fetch once to report which condition lost.
	w, gerr := s.GetWallet(ctx, id)
	if gerr != nil {
		return domain.Wallet{}, gerr
	}
	if !w.Debitable() {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, storage.ErrWalletUnavailable)
	}
	return domain.Wallet{}, fmt.Errorf("wallet %s has %s, need %s: %w", id, w.Balance, amount, storage.ErrInsufficientBalance)
}

func (s *Store) BatchUpdateBalances(ctx context.Context, updates []domain.BalanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	var b strings.Builder
	args := make([]interface{}, 0, len(updates)*2)
	idArgs := make([]string, 0, len(updates))
	b.WriteString("UPDATE wallets SET balance = CASE id")
	for _, upd := range updates {
		args = append(args, upd.WalletID, upd.NewBalance)
		fmt.Fprintf(&b, " WHEN $%d THEN $%d::numeric", len(args)-1, len(args))
		idArgs = append(idArgs, fmt.Sprintf("$%d", len(args)-1))
	}
	b.WriteString(" ELSE balance END, last_balance_update = now(), updated_at = now() WHERE id IN (")
	b.WriteString(strings.Join(idArgs, ", "))
	b.WriteString(")")

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, b.String(), args...)
	if err != nil {
		tx.Rollback()
		return err
	}
	if rows, _ := result.RowsAffected(); rows != int64(len(updates)) {
		tx.Rollback()
		return fmt.Errorf("balance batch touched %d of %d wallets: %w", rows, len(updates), storage.ErrNotFound)
	}
	return tx.Commit()
}

func (s *Store) FindOptimalWallet(ctx context.Context, currency domain.Currency, amount domain.Amount) (domain.Wallet, error) {
	var row walletRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE currency = $1
			AND is_active
			AND NOT is_locked
			AND status = 'active'
			AND type IN ('hot', 'pool')
			AND balance >= $2
		ORDER BY balance DESC, last_used_at ASC
		LIMIT 1
	`, string(currency), amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Wallet{}, fmt.Errorf("no wallet can cover %s %s: %w", amount, currency, storage.ErrNotFound)
		}
		return domain.Wallet{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListWalletsForRotation(ctx context.Context, idleBefore time.Time) ([]domain.Wallet, error) {
	var rows []walletRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE is_active
			AND NOT is_locked
			AND status = 'active'
			AND type IN ('hot', 'pool')
			AND last_used_at < $1
		ORDER BY last_used_at
	`, idleBefore.UTC())
	if err != nil {
		return nil, err
	}
	return mapWallets(rows), nil
}

func (s *Store) ArchiveInactiveWallets(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET status = 'archived', is_active = FALSE, updated_at = now()
		WHERE id IN (
			SELECT id FROM wallets
			WHERE status = 'active' AND balance = 0 AND last_used_at < $1
			ORDER BY last_used_at
			LIMIT $2
		)
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) ListWalletsByCurrency(ctx context.Context, currency domain.Currency) ([]domain.Wallet, error) {
	var rows []walletRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE currency = $1
		ORDER BY id
	`, string(currency))
	if err != nil {
		return nil, err
	}
	return mapWallets(rows), nil
}

func (s *Store) TouchWalletUsage(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET last_used_at = $2, usage_count = usage_count + 1, updated_at = now()
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("wallet %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func mapWallets(rows []walletRow) []domain.Wallet {
	out := make([]domain.Wallet, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// --- OutputTransactionStore ---------------------------------------------------

type outputRow struct {
	ID           string        `db:"id"`
	MixRequestID string        `db:"mix_request_id"`
	OutputIndex  int           `db:"output_index"`
	Address      string        `db:"address"`
	Amount       domain.Amount `db:"amount"`
	ScheduledAt  time.Time     `db:"scheduled_at"`
	Status       string        `db:"status"`
	Txid         string        `db:"txid"`
	Attempts     int           `db:"attempts"`
	LastError    string        `db:"last_error"`
	BroadcastAt  *time.Time    `db:"broadcast_at"`
	ConfirmedAt  *time.Time    `db:"confirmed_at"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

const outputColumns = `id, mix_request_id, output_index, address, amount, scheduled_at, status,
	txid, attempts, last_error, broadcast_at, confirmed_at, created_at, updated_at`

func (r outputRow) toDomain() domain.OutputTransaction {
	return domain.OutputTransaction{
		ID:           r.ID,
		MixRequestID: r.MixRequestID,
		OutputIndex:  r.OutputIndex,
		Address:      r.Address,
		Amount:       r.Amount,
		ScheduledAt:  r.ScheduledAt,
		Status:       domain.OutputStatus(r.Status),
		Txid:         r.Txid,
		Attempts:     r.Attempts,
		LastError:    r.LastError,
		BroadcastAt:  r.BroadcastAt,
		ConfirmedAt:  r.ConfirmedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *Store) CreateOutputTransactions(ctx context.Context, outs []domain.OutputTransaction) error {
	if len(outs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, out := range outs {
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO output_transactions (`+outputColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, out.ID, out.MixRequestID, out.OutputIndex, out.Address, out.Amount, out.ScheduledAt,
			string(out.Status), out.Txid, out.Attempts, out.LastError, out.BroadcastAt,
			out.ConfirmedAt, out.CreatedAt, out.UpdatedAt)
		if err != nil {
			tx.Rollback()
			return translate(err, "output transaction", out.ID)
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateOutputTransaction(ctx context.Context, out domain.OutputTransaction) (domain.OutputTransaction, error) {
	out.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE output_transactions
		SET status = $2, txid = $3, attempts = $4, last_error = $5, scheduled_at = $6,
			broadcast_at = $7, confirmed_at = $8, updated_at = $9
		WHERE id = $1
	`, out.ID, string(out.Status), out.Txid, out.Attempts, out.LastError, out.ScheduledAt,
		out.BroadcastAt, out.ConfirmedAt, out.UpdatedAt)
	if err != nil {
		return domain.OutputTransaction{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.OutputTransaction{}, fmt.Errorf("output transaction %s: %w", out.ID, storage.ErrNotFound)
	}
	return out, nil
}

func (s *Store) ListOutputsByRequest(ctx context.Context, mixRequestID string) ([]domain.OutputTransaction, error) {
	var rows []outputRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+outputColumns+`
		FROM output_transactions
		WHERE mix_request_id = $1
		ORDER BY output_index
	`, mixRequestID)
	if err != nil {
		return nil, err
	}
	return mapOutputs(rows), nil
}

func (s *Store) ListOutputsByStatus(ctx context.Context, status domain.OutputStatus, limit int) ([]domain.OutputTransaction, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var rows []outputRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+outputColumns+`
		FROM output_transactions
		WHERE status = $1
		ORDER BY scheduled_at
		LIMIT $2
	`, string(status), lim)
	if err != nil {
		return nil, err
	}
	return mapOutputs(rows), nil
}

func (s *Store) DeleteOutputsByRequest(ctx context.Context, mixRequestID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM output_transactions WHERE mix_request_id = $1
	`, mixRequestID)
	return err
}

func mapOutputs(rows []outputRow) []domain.OutputTransaction {
	out := make([]domain.OutputTransaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// --- SessionStore ---------------------------------------------------------

type sessionRow struct {
	ID            string        `db:"id"`
	CoordinatorID string        `db:"coordinator_id"`
	Currency      string        `db:"currency"`
	Denomination  domain.Amount `db:"denomination"`
	Phase         string        `db:"phase"`
	Participants  int           `db:"participants"`
	BlameList     []byte        `db:"blame_list"`
	State         []byte        `db:"state"`
	ExpiresAt     time.Time     `db:"expires_at"`
	CreatedAt     time.Time     `db:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"`
}

const sessionColumns = `id, coordinator_id, currency, denomination, phase, participants,
	blame_list, state, expires_at, created_at, updated_at`

func (r sessionRow) toDomain() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:            r.ID,
		CoordinatorID: r.CoordinatorID,
		Currency:      domain.Currency(r.Currency),
		Denomination:  r.Denomination,
		Phase:         r.Phase,
		Participants:  r.Participants,
		State:         r.State,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.BlameList) > 0 {
		_ = json.Unmarshal(r.BlameList, &snap.BlameList)
	}
	return snap
}

func (s *Store) SaveSessionSnapshot(ctx context.Context, snap domain.SessionSnapshot) error {
	blameList, err := json.Marshal(snap.BlameList)
	if err != nil {
		return fmt.Errorf("marshal blame list: %w", err)
	}
	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mix_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			coordinator_id = EXCLUDED.coordinator_id,
			phase = EXCLUDED.phase,
			participants = EXCLUDED.participants,
			blame_list = EXCLUDED.blame_list,
			state = EXCLUDED.state,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, snap.ID, snap.CoordinatorID, string(snap.Currency), snap.Denomination, snap.Phase,
		snap.Participants, blameList, snap.State, snap.ExpiresAt, snap.CreatedAt, now)
	return err
}

func (s *Store) GetSessionSnapshot(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+sessionColumns+`
		FROM mix_sessions
		WHERE id = $1
	`, id)
	if err != nil {
		return domain.SessionSnapshot{}, translate(err, "session", id)
	}
	return row.toDomain(), nil
}

func (s *Store) ListActiveSessionSnapshots(ctx context.Context) ([]domain.SessionSnapshot, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+`
		FROM mix_sessions
		WHERE phase NOT IN ('COMPLETED', 'FAILED')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteSessionSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM mix_sessions
		WHERE phase IN ('COMPLETED', 'FAILED') AND updated_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// --- KeyImageStore --------------------------------------------------------

func (s *Store) InsertKeyImage(ctx context.Context, rec domain.KeyImageRecord) error {
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO key_images (image, source_id, first_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (image) DO NOTHING
	`, rec.Image, rec.SourceID, rec.FirstSeen)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("key image %s: %w", rec.Image, storage.ErrConflict)
	}
	return nil
}

func (s *Store) KeyImageExists(ctx context.Context, image string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM key_images WHERE image = $1)
	`, image)
	return exists, err
}

func (s *Store) ListKeyImagesSince(ctx context.Context, since time.Time) ([]domain.KeyImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image, source_id, first_seen
		FROM key_images
		WHERE first_seen >= $1
		ORDER BY first_seen
	`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.KeyImageRecord
	for rows.Next() {
		var rec domain.KeyImageRecord
		if err := rows.Scan(&rec.Image, &rec.SourceID, &rec.FirstSeen); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- BanStore ---------------------------------------------------------------

func (s *Store) UpsertBan(ctx context.Context, ban domain.BanRecord) error {
	if ban.BannedAt.IsZero() {
		ban.BannedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participant_bans (participant_id, reason, banned_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			banned_at = EXCLUDED.banned_at,
			expires_at = EXCLUDED.expires_at
	`, ban.ParticipantID, ban.Reason, ban.BannedAt, ban.ExpiresAt)
	return err
}

func (s *Store) IsBanned(ctx context.Context, participantID string, now time.Time) (bool, error) {
	var banned bool
	err := s.db.GetContext(ctx, &banned, `
		SELECT EXISTS(
			SELECT 1 FROM participant_bans
			WHERE participant_id = $1 AND expires_at > $2
		)
	`, participantID, now.UTC())
	return banned, err
}

func (s *Store) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM participant_bans WHERE expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) ListActiveBans(ctx context.Context, now time.Time) ([]domain.BanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant_id, reason, banned_at, expires_at
		FROM participant_bans
		WHERE expires_at > $1
		ORDER BY participant_id
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BanRecord
	for rows.Next() {
		var ban domain.BanRecord
		if err := rows.Scan(&ban.ParticipantID, &ban.Reason, &ban.BannedAt, &ban.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ban)
	}
	return out, rows.Err()
}

// --- AuditStore ---------------------------------------------------------------

func (s *Store) InsertAuditRecord(ctx context.Context, rec domain.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, level, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, string(rec.Level), rec.Action, rec.EntityType, rec.EntityID, details, rec.CreatedAt)
	return translate(err, "audit record", rec.ID)
}

func (s *Store) ListAuditRecords(ctx context.Context, entityType, entityID string, limit int) ([]domain.AuditRecord, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, action, entity_type, entity_id, details, created_at
		FROM audit_records
		WHERE ($1 = '' OR entity_type = $1)
			AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var (
			rec        domain.AuditRecord
			level      string
			detailsRaw []byte
		)
		if err := rows.Scan(&rec.ID, &level, &rec.Action, &rec.EntityType, &rec.EntityID, &detailsRaw, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Level = domain.AuditLevel(level)
		if len(detailsRaw) > 0 {
			_ = json.Unmarshal(detailsRaw, &rec.Details)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertOperationLog(ctx context.Context, log domain.OperationLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_logs (id, operation, duration_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, log.ID, log.Operation, log.DurationMs, log.Success, log.CreatedAt)
	return translate(err, "operation log", log.ID)
}

func (s *Store) OperationDurationPercentiles(ctx context.Context, operation string, from, to time.Time) (storage.Percentiles, error) {
	var p50, p90, p99 sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			percentile_cont(0.50) WITHIN GROUP (ORDER BY duration_ms),
			percentile_cont(0.90) WITHIN GROUP (ORDER BY duration_ms),
			percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms)
		FROM operation_logs
		WHERE operation = $1 AND created_at >= $2 AND created_at < $3
	`, operation, from.UTC(), to.UTC()).Scan(&p50, &p90, &p99)
	if err != nil {
		return storage.Percentiles{}, err
	}
	return storage.Percentiles{
		P50: roundMs(p50),
		P90: roundMs(p90),
		P99: roundMs(p99),
	}, nil
}

func roundMs(v sql.NullFloat64) int64 {
	if !v.Valid {
		return 0
	}
	if v.Float64 >= 0 {
		return int64(v.Float64 + 0.5)
	}
	return int64(v.Float64 - 0.5)
}

func (s *Store) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_records WHERE created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

func (s *Store) DeleteOperationLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM operation_logs WHERE created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// --- StatsStore ---------------------------------------------------------------

func (s *Store) GetMixStats(ctx context.Context, currency domain.Currency) (domain.MixStats, error) {
	stats := domain.MixStats{Currency: currency}
	var avgMs sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'blocked'),
			COALESCE(SUM(input_amount) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(ROUND(input_amount * fee_bps / 10000.0, 8)) FILTER (WHERE status = 'completed'), 0),
			CAST(AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) * 1000)
				FILTER (WHERE status = 'completed' AND completed_at IS NOT NULL) AS double precision)
		FROM mix_requests
		WHERE currency = $1
	`, string(currency)).Scan(
		&stats.TotalRequests, &stats.CompletedRequests, &stats.FailedRequests,
		&stats.BlockedRequests, &stats.TotalVolume, &stats.TotalFees, &avgMs)
	if err != nil {
		return domain.MixStats{}, err
	}
	stats.AvgDurationMs = roundMs(avgMs)
	return stats, nil
}

func (s *Store) CountRequestsByStatus(ctx context.Context) (map[domain.RequestStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM mix_requests
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RequestStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.RequestStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *Store) SumWalletBalances(ctx context.Context, currency domain.Currency) (domain.Amount, error) {
	var sum domain.Amount
	err := s.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(balance), 0)
		FROM wallets
		WHERE currency = $1 AND status != 'archived'
	`, string(currency))
	return sum, err
}
