package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/mixer_core/internal/domain"
)

// Memory is the in-memory Store used by tests and the simulated
// deployment mode. Every method takes and returns defensive copies so
// callers can never mutate shared state through a returned struct.
type Memory struct {
	mu     sync.RWMutex
	nextID int64

	requests      map[string]domain.MixRequest
	deposits      map[string]domain.DepositAddress
	depositByAddr map[string]string
	wallets       map[string]domain.Wallet
	outputs       map[string]domain.OutputTransaction
	sessions      map[string]domain.SessionSnapshot
	keyImages     map[string]domain.KeyImageRecord
	bans          map[string]domain.BanRecord
	audits        []domain.AuditRecord
	opLogs        []domain.OperationLog
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:      make(map[string]domain.MixRequest),
		deposits:      make(map[string]domain.DepositAddress),
		depositByAddr: make(map[string]string),
		wallets:       make(map[string]domain.Wallet),
		outputs:       make(map[string]domain.OutputTransaction),
		sessions:      make(map[string]domain.SessionSnapshot),
		keyImages:     make(map[string]domain.KeyImageRecord),
		bans:          make(map[string]domain.BanRecord),
	}
}

func (m *Memory) nextIDLocked(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// ===== Mix requests =====

func (m *Memory) CreateMixRequest(_ context.Context, req domain.MixRequest) (domain.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ID == "" {
		req.ID = m.nextIDLocked("mix")
	}
	if _, exists := m.requests[req.ID]; exists {
		return domain.MixRequest{}, fmt.Errorf("mix request %s: %w", req.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (m *Memory) GetMixRequest(_ context.Context, id string) (domain.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return domain.MixRequest{}, fmt.Errorf("mix request %s: %w", id, ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (m *Memory) UpdateMixRequestIf(_ context.Context, req domain.MixRequest, expect domain.RequestStatus) (domain.MixRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[req.ID]
	if !ok {
		return domain.MixRequest{}, fmt.Errorf("mix request %s: %w", req.ID, ErrNotFound)
	}
	if stored.Status != expect {
		return domain.MixRequest{}, fmt.Errorf("mix request %s is %s, expected %s: %w", req.ID, stored.Status, expect, ErrConflict)
	}
	req.CreatedAt = stored.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	m.requests[req.ID] = cloneRequest(req)
	return cloneRequest(req), nil
}

func (m *Memory) ListMixRequestsByStatus(_ context.Context, status domain.RequestStatus, limit int) ([]domain.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MixRequest
	for _, req := range m.requests {
		if req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return requestQueueKey(out[i]).Before(requestQueueKey(out[j]))
	})
	return truncateRequests(out, limit), nil
}

func (m *Memory) ListMixRequestsByUser(_ context.Context, userID string, limit int) ([]domain.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MixRequest
	for _, req := range m.requests {
		if req.UserID == userID {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncateRequests(out, limit), nil
}

func (m *Memory) ListActiveMixRequests(_ context.Context) ([]domain.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MixRequest
	for _, req := range m.requests {
		if !req.Status.Terminal() {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]domain.MixRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MixRequest
	for _, req := range m.requests {
		if req.Status == domain.StatusPending && !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) CountUserRequestsSince(_ context.Context, userID string, currency domain.Currency, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, req := range m.requests {
		if req.UserID == userID && req.Currency == currency && !req.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, req := range m.requests {
		if req.Status != domain.StatusCompleted && req.Status != domain.StatusCancelled {
			continue
		}
		if !req.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(m.requests, id)
		removed++
		// Cascade children the way the SQL schema does.
		for outID, out := range m.outputs {
			if out.MixRequestID == id {
				delete(m.outputs, outID)
			}
		}
		for depID, dep := range m.deposits {
			if dep.MixRequestID == id {
				delete(m.depositByAddr, dep.Address)
				delete(m.deposits, depID)
			}
		}
	}
	return removed, nil
}

// requestQueueKey orders status queues by deposit confirmation when
// present, creation time otherwise.
func requestQueueKey(req domain.MixRequest) time.Time {
	if req.DepositConfirmedAt != nil {
		return *req.DepositConfirmedAt
	}
	return req.CreatedAt
}

func truncateRequests(reqs []domain.MixRequest, limit int) []domain.MixRequest {
	if limit > 0 && len(reqs) > limit {
		return reqs[:limit]
	}
	return reqs
}

// ===== Deposit addresses =====

func (m *Memory) CreateDepositAddress(_ context.Context, addr domain.DepositAddress) (domain.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr.ID == "" {
		addr.ID = m.nextIDLocked("dep")
	}
	if _, exists := m.deposits[addr.ID]; exists {
		return domain.DepositAddress{}, fmt.Errorf("deposit address %s: %w", addr.ID, ErrConflict)
	}
	if _, exists := m.depositByAddr[addr.Address]; exists {
		return domain.DepositAddress{}, fmt.Errorf("deposit address %s: %w", addr.Address, ErrConflict)
	}
	if addr.CreatedAt.IsZero() {
		addr.CreatedAt = time.Now().UTC()
	}
	m.deposits[addr.ID] = cloneDeposit(addr)
	m.depositByAddr[addr.Address] = addr.ID
	return cloneDeposit(addr), nil
}

func (m *Memory) GetDepositAddressByRequest(_ context.Context, mixRequestID string) (domain.DepositAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dep := range m.deposits {
		if dep.MixRequestID == mixRequestID {
			return cloneDeposit(dep), nil
		}
	}
	return domain.DepositAddress{}, fmt.Errorf("deposit address for request %s: %w", mixRequestID, ErrNotFound)
}

func (m *Memory) GetDepositAddressByAddress(_ context.Context, address string) (domain.DepositAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.depositByAddr[address]
	if !ok {
		return domain.DepositAddress{}, fmt.Errorf("deposit address %s: %w", address, ErrNotFound)
	}
	return cloneDeposit(m.deposits[id]), nil
}

func (m *Memory) DepositAddressExists(_ context.Context, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.depositByAddr[address]
	return ok, nil
}

func (m *Memory) MarkDepositAddressUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deposits[id]
	if !ok {
		return fmt.Errorf("deposit address %s: %w", id, ErrNotFound)
	}
	if dep.Used {
		return nil
	}
	dep.Used = true
	t := at.UTC()
	dep.FirstUsedAt = &t
	m.deposits[id] = dep
	return nil
}

// ===== Wallets =====

func (m *Memory) CreateWallet(_ context.Context, w domain.Wallet) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == "" {
		w.ID = m.nextIDLocked("wal")
	}
	if _, exists := m.wallets[w.ID]; exists {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", w.ID, ErrConflict)
	}
	for _, existing := range m.wallets {
		if existing.Address == w.Address {
			return domain.Wallet{}, fmt.Errorf("wallet address %s: %w", w.Address, ErrConflict)
		}
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	m.wallets[w.ID] = w
	return w, nil
}

func (m *Memory) GetWallet(_ context.Context, id string) (domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return w, nil
}

func (m *Memory) WalletExistsByAddress(_ context.Context, address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.wallets {
		if w.Address == address {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetWalletBalance(_ context.Context, id string) (domain.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return 0, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return w.Balance, nil
}

func (m *Memory) UpdateWalletBalance(_ context.Context, id string, balance domain.Amount) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	w.Balance = balance
	w.LastBalanceUpdate = now
	w.UpdatedAt = now
	m.wallets[id] = w
	return w, nil
}

func (m *Memory) AtomicSubtractBalance(_ context.Context, id string, amount domain.Amount) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	if !w.Debitable() {
		return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, ErrWalletUnavailable)
	}
	if w.Balance < amount {
		return domain.Wallet{}, fmt.Errorf("wallet %s has %s, need %s: %w", id, w.Balance, amount, ErrInsufficientBalance)
	}
	now := time.Now().UTC()
	w.Balance -= amount
	w.LastUsedAt = now
	w.LastBalanceUpdate = now
	w.UsageCount++
	w.UpdatedAt = now
	m.wallets[id] = w
	return w, nil
}

func (m *Memory) BatchUpdateBalances(_ context.Context, updates []domain.BalanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// All-or-nothing: reject the whole batch before touching anything.
	for _, upd := range updates {
		if _, ok := m.wallets[upd.WalletID]; !ok {
			return fmt.Errorf("wallet %s: %w", upd.WalletID, ErrNotFound)
		}
	}
	now := time.Now().UTC()
	for _, upd := range updates {
		w := m.wallets[upd.WalletID]
		w.Balance = upd.NewBalance
		w.LastBalanceUpdate = now
		w.UpdatedAt = now
		m.wallets[upd.WalletID] = w
	}
	return nil
}

func (m *Memory) FindOptimalWallet(_ context.Context, currency domain.Currency, amount domain.Amount) (domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []domain.Wallet
	for _, w := range m.wallets {
		if w.Currency != currency || !w.Debitable() {
			continue
		}
		if w.Type != domain.WalletHot && w.Type != domain.WalletPool {
			continue
		}
		if w.Balance < amount {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return domain.Wallet{}, fmt.Errorf("no wallet can cover %s %s: %w", amount, currency, ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Balance != candidates[j].Balance {
			return candidates[i].Balance > candidates[j].Balance
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	return candidates[0], nil
}

func (m *Memory) ListWalletsForRotation(_ context.Context, idleBefore time.Time) ([]domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Wallet
	for _, w := range m.wallets {
		if !w.Debitable() {
			continue
		}
		if w.Type != domain.WalletHot && w.Type != domain.WalletPool {
			continue
		}
		if w.LastUsedAt.Before(idleBefore) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func (m *Memory) ArchiveInactiveWallets(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var archived int64
	for id, w := range m.wallets {
		if batchSize > 0 && archived >= int64(batchSize) {
			break
		}
		if w.Status != domain.WalletActive || w.Balance != 0 {
			continue
		}
		if !w.LastUsedAt.Before(cutoff) {
			continue
		}
		w.Status = domain.WalletArchived
		w.IsActive = false
		w.UpdatedAt = now
		m.wallets[id] = w
		archived++
	}
	return archived, nil
}

func (m *Memory) ListWalletsByCurrency(_ context.Context, currency domain.Currency) ([]domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Wallet
	for _, w := range m.wallets {
		if w.Currency == currency {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchWalletUsage(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	w.LastUsedAt = at.UTC()
	w.UsageCount++
	w.UpdatedAt = time.Now().UTC()
	m.wallets[id] = w
	return nil
}

// ===== Output transactions =====

func (m *Memory) CreateOutputTransactions(_ context.Context, outs []domain.OutputTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range outs {
		if outs[i].ID == "" {
			outs[i].ID = m.nextIDLocked("out")
		}
		if _, exists := m.outputs[outs[i].ID]; exists {
			return fmt.Errorf("output transaction %s: %w", outs[i].ID, ErrConflict)
		}
	}
	now := time.Now().UTC()
	for _, out := range outs {
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		m.outputs[out.ID] = cloneOutput(out)
	}
	return nil
}

func (m *Memory) UpdateOutputTransaction(_ context.Context, out domain.OutputTransaction) (domain.OutputTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.outputs[out.ID]
	if !ok {
		return domain.OutputTransaction{}, fmt.Errorf("output transaction %s: %w", out.ID, ErrNotFound)
	}
	out.CreatedAt = stored.CreatedAt
	out.UpdatedAt = time.Now().UTC()
	m.outputs[out.ID] = cloneOutput(out)
	return cloneOutput(out), nil
}

func (m *Memory) ListOutputsByRequest(_ context.Context, mixRequestID string) ([]domain.OutputTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.OutputTransaction
	for _, o := range m.outputs {
		if o.MixRequestID == mixRequestID {
			out = append(out, cloneOutput(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutputIndex < out[j].OutputIndex })
	return out, nil
}

func (m *Memory) ListOutputsByStatus(_ context.Context, status domain.OutputStatus, limit int) ([]domain.OutputTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.OutputTransaction
	for _, o := range m.outputs {
		if o.Status == status {
			out = append(out, cloneOutput(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteOutputsByRequest(_ context.Context, mixRequestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, o := range m.outputs {
		if o.MixRequestID == mixRequestID {
			delete(m.outputs, id)
		}
	}
	return nil
}

// ===== Session snapshots =====

func (m *Memory) SaveSessionSnapshot(_ context.Context, snap domain.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.ID == "" {
		return fmt.Errorf("session snapshot requires an id")
	}
	now := time.Now().UTC()
	if existing, ok := m.sessions[snap.ID]; ok {
		snap.CreatedAt = existing.CreatedAt
	} else if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	m.sessions[snap.ID] = cloneSnapshot(snap)
	return nil
}

func (m *Memory) GetSessionSnapshot(_ context.Context, id string) (domain.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.sessions[id]
	if !ok {
		return domain.SessionSnapshot{}, fmt.Errorf("session snapshot %s: %w", id, ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

func (m *Memory) ListActiveSessionSnapshots(_ context.Context) ([]domain.SessionSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.SessionSnapshot
	for _, snap := range m.sessions {
		if domain.SessionSnapshotTerminal(snap.Phase) {
			continue
		}
		out = append(out, cloneSnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteSessionSnapshotsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, snap := range m.sessions {
		if domain.SessionSnapshotTerminal(snap.Phase) && snap.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

// ===== Key images =====

func (m *Memory) InsertKeyImage(_ context.Context, rec domain.KeyImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.keyImages[rec.Image]; exists {
		return fmt.Errorf("key image %s: %w", rec.Image, ErrConflict)
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = time.Now().UTC()
	}
	m.keyImages[rec.Image] = rec
	return nil
}

func (m *Memory) KeyImageExists(_ context.Context, image string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.keyImages[image]
	return ok, nil
}

func (m *Memory) ListKeyImagesSince(_ context.Context, since time.Time) ([]domain.KeyImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.KeyImageRecord
	for _, rec := range m.keyImages {
		if !rec.FirstSeen.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

// ===== Bans =====

func (m *Memory) UpsertBan(_ context.Context, ban domain.BanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ban.BannedAt.IsZero() {
		ban.BannedAt = time.Now().UTC()
	}
	m.bans[ban.ParticipantID] = ban
	return nil
}

func (m *Memory) IsBanned(_ context.Context, participantID string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ban, ok := m.bans[participantID]
	if !ok {
		return false, nil
	}
	return now.Before(ban.ExpiresAt), nil
}

func (m *Memory) DeleteExpiredBans(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, ban := range m.bans {
		if !now.Before(ban.ExpiresAt) {
			delete(m.bans, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) ListActiveBans(_ context.Context, now time.Time) ([]domain.BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.BanRecord
	for _, ban := range m.bans {
		if now.Before(ban.ExpiresAt) {
			out = append(out, ban)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

// ===== Audit =====

func (m *Memory) InsertAuditRecord(_ context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = m.nextIDLocked("aud")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, cloneAudit(rec))
	return nil
}

func (m *Memory) ListAuditRecords(_ context.Context, entityType, entityID string, limit int) ([]domain.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.AuditRecord
	for i := len(m.audits) - 1; i >= 0; i-- {
		rec := m.audits[i]
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		if entityID != "" && rec.EntityID != entityID {
			continue
		}
		out = append(out, cloneAudit(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) InsertOperationLog(_ context.Context, log domain.OperationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log.ID == "" {
		log.ID = m.nextIDLocked("op")
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	m.opLogs = append(m.opLogs, log)
	return nil
}

func (m *Memory) OperationDurationPercentiles(_ context.Context, operation string, from, to time.Time) (Percentiles, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var durations []int64
	for _, log := range m.opLogs {
		if log.Operation != operation {
			continue
		}
		if log.CreatedAt.Before(from) || !log.CreatedAt.Before(to) {
			continue
		}
		durations = append(durations, log.DurationMs)
	}
	if len(durations) == 0 {
		return Percentiles{}, nil
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return Percentiles{
		P50: percentileCont(durations, 0.50),
		P90: percentileCont(durations, 0.90),
		P99: percentileCont(durations, 0.99),
	}, nil
}

func (m *Memory) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audits[:0]
	var removed int64
	for _, rec := range m.audits {
		if rec.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	m.audits = kept
	return removed, nil
}

func (m *Memory) DeleteOperationLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.opLogs[:0]
	var removed int64
	for _, log := range m.opLogs {
		if log.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, log)
	}
	m.opLogs = kept
	return removed, nil
}

// percentileCont mirrors postgres percentile_cont: linear interpolation
// between the two closest ranks of a sorted sample.
func percentileCont(sorted []int64, q float64) int64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	frac := rank - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	v := float64(sorted[lower]) + frac*float64(sorted[lower+1]-sorted[lower])
	return int64(math.Round(v))
}

// ===== Stats =====

func (m *Memory) GetMixStats(_ context.Context, currency domain.Currency) (domain.MixStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.MixStats{Currency: currency}
	var totalDurationMs, completedWithDuration int64
	for _, req := range m.requests {
		if req.Currency != currency {
			continue
		}
		stats.TotalRequests++
		switch req.Status {
		case domain.StatusCompleted:
			stats.CompletedRequests++
			stats.TotalVolume += req.InputAmount
			stats.TotalFees += req.InputAmount.BasisPoints(req.FeeBps)
			if req.CompletedAt != nil {
				totalDurationMs += req.CompletedAt.Sub(req.CreatedAt).Milliseconds()
				completedWithDuration++
			}
		case domain.StatusFailed:
			stats.FailedRequests++
		case domain.StatusBlocked:
			stats.BlockedRequests++
		}
	}
	if completedWithDuration > 0 {
		stats.AvgDurationMs = totalDurationMs / completedWithDuration
	}
	return stats, nil
}

func (m *Memory) CountRequestsByStatus(_ context.Context) (map[domain.RequestStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[domain.RequestStatus]int64)
	for _, req := range m.requests {
		counts[req.Status]++
	}
	return counts, nil
}

func (m *Memory) SumWalletBalances(_ context.Context, currency domain.Currency) (domain.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum domain.Amount
	for _, w := range m.wallets {
		if w.Currency == currency && w.Status != domain.WalletArchived {
			sum += w.Balance
		}
	}
	return sum, nil
}

// ===== Clone helpers =====

func cloneRequest(req domain.MixRequest) domain.MixRequest {
	out := req
	out.Outputs = append([]domain.OutputSpec(nil), req.Outputs...)
	out.DepositConfirmedAt = cloneTime(req.DepositConfirmedAt)
	out.CompletedAt = cloneTime(req.CompletedAt)
	return out
}

func cloneDeposit(dep domain.DepositAddress) domain.DepositAddress {
	out := dep
	out.PrivateKeyCiphertext = append([]byte(nil), dep.PrivateKeyCiphertext...)
	out.IV = append([]byte(nil), dep.IV...)
	out.FirstUsedAt = cloneTime(dep.FirstUsedAt)
	return out
}

func cloneOutput(o domain.OutputTransaction) domain.OutputTransaction {
	out := o
	out.BroadcastAt = cloneTime(o.BroadcastAt)
	out.ConfirmedAt = cloneTime(o.ConfirmedAt)
	return out
}

func cloneSnapshot(snap domain.SessionSnapshot) domain.SessionSnapshot {
	out := snap
	out.BlameList = append([]string(nil), snap.BlameList...)
	out.State = append([]byte(nil), snap.State...)
	return out
}

func cloneAudit(rec domain.AuditRecord) domain.AuditRecord {
	out := rec
	if rec.Details != nil {
		out.Details = make(map[string]interface{}, len(rec.Details))
		for k, v := range rec.Details {
			out.Details[k] = v
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
