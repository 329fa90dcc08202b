// Package engine drives mix requests through their lifecycle: deposit
// watching, security screening, algorithm selection, the mix itself
// and payout confirmation tracking. One Engine owns every background
// loop; requests in flight are each driven by their own goroutine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/mixer_core/internal/audit"
	"github.com/R3E-Network/mixer_core/internal/chain"
	"github.com/R3E-Network/mixer_core/internal/coinjoin"
	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/internal/domain"
	"github.com/R3E-Network/mixer_core/internal/errors"
	"github.com/R3E-Network/mixer_core/internal/events"
	"github.com/R3E-Network/mixer_core/internal/ring"
	"github.com/R3E-Network/mixer_core/internal/security"
	"github.com/R3E-Network/mixer_core/internal/storage"
	"github.com/R3E-Network/mixer_core/internal/wallet"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Engine owns the mix request lifecycle. All state transitions go
// through the store's compare-and-swap update, so every edge of the
// request FSM is applied exactly once no matter how many loops race.
type Engine struct {
	cfg      config.EngineConfig
	chainCfg config.ChainsConfig

	store    storage.Store
	wallets  *wallet.Manager
	security *security.Validator
	chains   *chain.Registry
	sessions *coinjoin.Coordinator
	mixer    *ring.Mixer
	events   events.Logger
	audit    *audit.Writer
	log      *logger.Logger

	algorithms map[domain.MixAlgorithm]Algorithm

	mu       sync.Mutex
	running  bool
	inflight map[string]struct{}
	watchers map[string]context.CancelFunc
	stopCh   chan struct{}
	rootCtx  context.Context
	rootStop context.CancelFunc
	wg       sync.WaitGroup
	cron     *cron.Cron
}

// New wires the engine. The coordinator and mixer are the two mixing
// routes; either may be nil, disabling the algorithms that need it.
func New(
	cfg config.EngineConfig,
	chainCfg config.ChainsConfig,
	store storage.Store,
	wallets *wallet.Manager,
	validator *security.Validator,
	chains *chain.Registry,
	sessions *coinjoin.Coordinator,
	mixer *ring.Mixer,
	ev events.Logger,
	aud *audit.Writer,
	log *logger.Logger,
) *Engine {
	if ev == nil {
		ev = events.NoOp{}
	}
	if log == nil {
		log = logger.NewDefault("engine")
	}
	if aud == nil {
		aud = audit.NewWriter(nil, log)
	}
	e := &Engine{
		cfg:        cfg,
		chainCfg:   chainCfg,
		store:      store,
		wallets:    wallets,
		security:   validator,
		chains:     chains,
		sessions:   sessions,
		mixer:      mixer,
		events:     ev,
		audit:      aud,
		log:        log,
		algorithms: make(map[domain.MixAlgorithm]Algorithm),
		inflight:   make(map[string]struct{}),
		watchers:   make(map[string]context.CancelFunc),
	}
	if sessions != nil {
		e.algorithms[domain.AlgorithmCoinJoin] = &coinjoinAlgorithm{e: e}
	}
	if mixer != nil {
		ra := &ringAlgorithm{e: e}
		e.algorithms[domain.AlgorithmRing] = ra
		e.algorithms[domain.AlgorithmStealth] = ra
	}
	return e
}

// Start launches the background loops and resumes every non-terminal
// request left over from the previous run.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.rootCtx, e.rootStop = context.WithCancel(context.Background())
	e.cron = cron.New()
	e.mu.Unlock()

	if _, err := e.cron.AddFunc("@every "+e.cfg.JanitorInterval.String(), func() {
		e.janitor(e.rootCtx)
	}); err != nil {
		return errors.Fatal("schedule janitor", err)
	}
	e.cron.Start()

	if err := e.resumeRequests(e.rootCtx); err != nil {
		e.log.WithError(err).Error("resume requests")
	}

	e.wg.Add(3)
	go e.tickLoop()
	go e.expiryLoop()
	go e.confirmLoop()

	e.log.Info("engine started",
		"tick_interval", e.cfg.TickInterval.String(),
		"max_concurrent", e.cfg.MaxConcurrentMixes,
		"algorithms", len(e.algorithms))
	return nil
}

// Stop halts the loops, the watchers and every in-flight driver.
// In-flight requests resume from their persisted status on the next
// Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	for id, cancel := range e.watchers {
		cancel()
		delete(e.watchers, id)
	}
	e.mu.Unlock()

	e.rootStop()
	ctx := e.cron.Stop()
	<-ctx.Done()
	e.wg.Wait()
	e.log.Info("engine stopped")
}

// Tick claims up to the remaining concurrency budget of DEPOSITED
// requests, oldest deposit first, and starts a driver for each.
// Returns how many drivers started. The tick loop calls this on the
// configured interval; tests call it directly.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return 0, errors.ProtocolViolation("engine is not running")
	}
	capacity := e.cfg.MaxConcurrentMixes - len(e.inflight)
	e.mu.Unlock()
	if capacity <= 0 {
		return 0, nil
	}

	ready, err := e.store.ListMixRequestsByStatus(ctx, domain.StatusDeposited, capacity)
	if err != nil {
		return 0, errors.Transient("list deposited requests", err)
	}

	started := 0
	for _, req := range ready {
		req := req
		if req.Algorithm == "" {
			req.Algorithm = e.chooseAlgorithm(&req)
		}
		if err := e.transition(ctx, &req, domain.StatusDeposited, domain.StatusPooling); err != nil {
			// Lost the claim to a concurrent tick or a cancel.
			continue
		}
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			break
		}
		e.inflight[req.ID] = struct{}{}
		e.wg.Add(1)
		e.mu.Unlock()
		go e.driveRequest(req)
		started++
	}
	return started, nil
}

// chooseAlgorithm resolves an unspecified algorithm: coinjoin when a
// standard denomination fits under the post-fee amount, the ring route
// otherwise.
func (e *Engine) chooseAlgorithm(req *domain.MixRequest) domain.MixAlgorithm {
	if _, ok := e.algorithms[domain.AlgorithmCoinJoin]; ok {
		base := req.InputAmount - req.InputAmount.BasisPoints(req.FeeBps)
		if _, match := domain.LargestDenominationAtMost(req.Currency, base); match {
			return domain.AlgorithmCoinJoin
		}
	}
	if _, ok := e.algorithms[domain.AlgorithmRing]; ok {
		return domain.AlgorithmRing
	}
	return domain.AlgorithmCoinJoin
}

// driveRequest walks one request from POOLING to COMPLETING. Prepare
// and Execute are retried on transient and protocol failures with
// exponential backoff; anything terminal, or exhausting the budget,
// fails the request.
func (e *Engine) driveRequest(req domain.MixRequest) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, req.ID)
		e.mu.Unlock()
	}()

	ctx := e.rootCtx
	algo, ok := e.algorithms[req.Algorithm]
	if !ok {
		e.failRequest(ctx, &req, errors.Fatal(
			fmt.Sprintf("no route registered for algorithm %q", req.Algorithm), nil))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff(attempt - 1)):
			case <-e.stopCh:
				return
			}
		}

		cur, err := e.store.GetMixRequest(ctx, req.ID)
		if err != nil {
			lastErr = errors.Transient("reload request", err)
			continue
		}
		if cur.Status.Terminal() {
			return
		}
		req = cur

		plan, err := algo.Prepare(ctx, &req)
		if err != nil {
			lastErr = err
			if e.retryableMix(err) {
				continue
			}
			e.failRequest(ctx, &req, err)
			return
		}
		if req.Status == domain.StatusPooling {
			req.SessionID = plan.SessionID
			if err := e.transition(ctx, &req, domain.StatusPooling, domain.StatusMixing); err != nil {
				algo.Abort(ctx, plan, err)
				lastErr = err
				continue
			}
		} else if plan.SessionID != "" && plan.SessionID != req.SessionID {
			req.SessionID = plan.SessionID
			if updated, err := e.store.UpdateMixRequestIf(ctx, req, req.Status); err == nil {
				req = updated
			}
		}

		execStart := time.Now()
		outs, err := algo.Execute(ctx, plan)
		e.audit.Timing("mix."+string(req.Algorithm), time.Since(execStart), err == nil)
		if err != nil {
			algo.Abort(ctx, plan, err)
			lastErr = err
			if e.retryableMix(err) {
				continue
			}
			e.failRequest(ctx, &req, err)
			return
		}

		if err := e.persistPayouts(ctx, outs); err != nil {
			// The mix itself succeeded; funds are in custody. Fail the
			// request so the trail points an operator at the stranded
			// payouts instead of mixing the deposit twice.
			e.failRequest(ctx, &req, errors.Fatal("persist payouts", err))
			return
		}
		if err := e.transition(ctx, &req, domain.StatusMixing, domain.StatusCompleting); err != nil {
			e.log.WithError(err).Error("request stuck after mix", "request_id", req.ID)
			return
		}
		e.audit.Info("request.mixed", "mix_request", req.ID, map[string]interface{}{
			"algorithm": string(req.Algorithm),
			"session":   req.SessionID,
			"payouts":   len(outs),
		})
		return
	}

	msg := "mixing retries exhausted"
	if lastErr != nil {
		msg = msg + ": " + lastErr.Error()
	}
	e.failRequest(ctx, &req, errors.Timeout(msg))
}

// persistPayouts writes the scheduled payouts, retrying briefly: by
// this point the mix is irreversible, so the write gets more patience
// than a normal store call.
func (e *Engine) persistPayouts(ctx context.Context, outs []domain.OutputTransaction) error {
	var err error
	for i := 0; i < 3; i++ {
		if err = e.store.CreateOutputTransactions(ctx, outs); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// retryableMix extends the generic retry rule with protocol
// violations: a collapsed session, a missed phase window or a full
// session are all cured by joining a fresh round.
func (e *Engine) retryableMix(err error) bool {
	return errors.IsRetryable(err) || errors.KindOf(err) == errors.KindProtocolViolation
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// transition applies one FSM edge through the store's conditional
// update and emits the status-change event. The request is updated in
// place on success and left untouched on failure.
func (e *Engine) transition(ctx context.Context, req *domain.MixRequest, from, to domain.RequestStatus) error {
	if !from.CanTransition(to) {
		return errors.ProtocolViolation(
			fmt.Sprintf("illegal transition %s -> %s", from, to)).
			WithDetails("request", req.ID)
	}
	prev := req.Status
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	if to == domain.StatusCompleted {
		at := req.UpdatedAt
		req.CompletedAt = &at
	}
	updated, err := e.store.UpdateMixRequestIf(ctx, *req, from)
	if err != nil {
		req.Status = prev
		if err == storage.ErrConflict {
			return errors.ProtocolViolation(
				fmt.Sprintf("request %s left status %s concurrently", req.ID, from))
		}
		return errors.Transient("update request status", err)
	}
	*req = updated

	events.New(events.EventRequestStatusChanged).
		Entity("request", req.ID).
		Status(string(to)).
		Message("request "+string(to)).
		Metadata("from", string(from)).
		Metadata("currency", string(req.Currency)).
		Metadata("algorithm", string(req.Algorithm)).
		LogTo(e.events)
	e.log.Info("request transition",
		"request_id", req.ID, "from", string(from), "to", string(to))
	return nil
}

// failRequest drives a request to FAILED from whatever state it is in
// and records the cause.
func (e *Engine) failRequest(ctx context.Context, req *domain.MixRequest, cause error) {
	req.ErrorMessage = cause.Error()
	if err := e.transition(ctx, req, req.Status, domain.StatusFailed); err != nil {
		e.log.WithError(err).Error("mark request failed",
			"request_id", req.ID, "cause", cause.Error())
		return
	}
	e.audit.Warning("request.failed", "mix_request", req.ID, map[string]interface{}{
		"error": cause.Error(),
	})
	e.log.Warn("request failed", "request_id", req.ID, "error", cause.Error())
}

// resumeRequests reloads non-terminal requests after a restart.
// PENDING requests get their deposit watcher back; POOLING and MIXING
// requests are re-driven from Prepare, which is safe because nothing
// durable is consumed until a mix completes; COMPLETING requests need
// nothing, the confirmer works off the outputs table.
func (e *Engine) resumeRequests(ctx context.Context) error {
	active, err := e.store.ListActiveMixRequests(ctx)
	if err != nil {
		return errors.Transient("list active requests", err)
	}
	for _, req := range active {
		req := req
		switch req.Status {
		case domain.StatusPending:
			e.startWatcher(req)
		case domain.StatusPooling, domain.StatusMixing:
			e.mu.Lock()
			_, dup := e.inflight[req.ID]
			if !dup {
				e.inflight[req.ID] = struct{}{}
				e.wg.Add(1)
			}
			e.mu.Unlock()
			if !dup {
				go e.driveRequest(req)
			}
		}
	}
	if len(active) > 0 {
		e.log.Info("resumed requests", "count", len(active))
	}
	return nil
}

func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := e.Tick(e.rootCtx); err != nil {
				e.log.WithError(err).Error("engine tick")
			}
		case <-e.stopCh:
			return
		}
	}
}

// expiryLoop fails PENDING requests whose deposit window has passed.
func (e *Engine) expiryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.expirePending(e.rootCtx)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) expirePending(ctx context.Context) {
	expired, err := e.store.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		e.log.WithError(err).Error("list expired requests")
		return
	}
	for _, req := range expired {
		req := req
		req.ErrorMessage = "deposit timeout"
		if err := e.transition(ctx, &req, domain.StatusPending, domain.StatusFailed); err != nil {
			continue
		}
		e.stopWatcher(req.ID)
		e.audit.Info("request.expired", "mix_request", req.ID, map[string]interface{}{
			"expires_at": req.ExpiresAt.Format(time.RFC3339),
		})
		e.log.Info("request expired", "request_id", req.ID)
	}
}

func (e *Engine) confirmLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ConfirmPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.processOutputs(e.rootCtx)
		case <-e.stopCh:
			return
		}
	}
}

// janitor enforces data retention: terminal requests, audit rows,
// operation logs and expired session snapshots older than the window
// are deleted in one sweep.
func (e *Engine) janitor(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.Retention)
	requests, err := e.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		e.log.WithError(err).Error("janitor: delete terminal requests")
	}
	auditRows, err := e.store.DeleteAuditBefore(ctx, cutoff)
	if err != nil {
		e.log.WithError(err).Error("janitor: delete audit records")
	}
	opLogs, err := e.store.DeleteOperationLogsBefore(ctx, cutoff)
	if err != nil {
		e.log.WithError(err).Error("janitor: delete operation logs")
	}
	snaps, err := e.store.DeleteSessionSnapshotsBefore(ctx, cutoff)
	if err != nil {
		e.log.WithError(err).Error("janitor: delete session snapshots")
	}
	e.log.Info("janitor sweep done",
		"requests", requests, "audit", auditRows, "op_logs", opLogs, "snapshots", snaps)
}
