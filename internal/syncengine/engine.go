// Package syncengine moves receipts between the local library and remote
// storage. One cycle runs at a time per engine; receipts inside a cycle
// are processed sequentially so the read-merge-write of a day index never
// races against itself.
package syncengine

//go:generate mockgen -destination=mock_provider_test.go -package=syncengine github.com/alexjbarnes/receipt-sync/internal/storage Provider
//go:generate mockgen -destination=mock_monitor_test.go -package=syncengine github.com/alexjbarnes/receipt-sync/internal/network Monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/localstore"
	"github.com/alexjbarnes/receipt-sync/internal/models"
	"github.com/alexjbarnes/receipt-sync/internal/network"
	"github.com/alexjbarnes/receipt-sync/internal/storage"
)

const (
	// defaultRetryAttempts is the total number of upload attempts per receipt.
	defaultRetryAttempts = 5

	// defaultRetryBase scales the backoff: base * 2^(attempt+1).
	defaultRetryBase = time.Second

	// defaultMaxJitter bounds the random delay added to each backoff.
	defaultMaxJitter = time.Second

	// maxRetryShift caps the backoff exponent to keep time.Duration from
	// overflowing on large attempt counts.
	maxRetryShift = 16
)

// State is the engine's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// SyncResult counts what one cycle did. A rejected or offline cycle
// returns the zero value.
type SyncResult struct {
	Uploaded   int  `json:"uploaded"`
	Skipped    int  `json:"skipped"`
	Downloaded int  `json:"downloaded"`
	Failed     int  `json:"failed"`
	Unindexed  int  `json:"unindexed"`
	// Recovered counts receipts left unindexed by an earlier cycle whose
	// stored image was reused and indexed without a new upload.
	Recovered  int  `json:"recovered"`
	Cancelled  bool `json:"cancelled"`
}

// Progress is the position inside the current cycle's item loop.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Status is a snapshot of the engine for observers.
type Status struct {
	State      State       `json:"state"`
	LastError  string      `json:"last_error,omitempty"`
	Pending    int         `json:"pending"`
	Failed     int         `json:"failed"`
	Progress   Progress    `json:"progress"`
	LastSyncAt time.Time   `json:"last_sync_at,omitzero"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}

// Store is the local persistence the engine reads pending work from and
// records sync progress into.
type Store interface {
	PendingReceipts() ([]models.Receipt, error)
	Get(id string) (*models.Receipt, error)
	Insert(r models.Receipt) (bool, error)
	MarkSynced(id, remotePath string) error
	MarkIndexed(id string) error
	SaveAlert(a models.IntegrityAlert) (models.IntegrityAlert, bool, error)
}

// Config tunes the engine. Zero values pick the defaults.
type Config struct {
	// Country is used for receipts whose region carries no country code.
	Country string

	// DeviceID is stamped on index entries that have none.
	DeviceID string

	Policy network.Policy

	RetryAttempts int
	RetryBase     time.Duration
	MaxJitter     time.Duration

	// SkipRecheck disables the second listing taken before accepting an
	// allocated filename.
	SkipRecheck bool
}

// Engine runs sync cycles.
type Engine struct {
	store    Store
	library  *localstore.Store
	provider storage.Provider
	monitor  network.Monitor
	cfg      Config
	logger   *slog.Logger

	// Overridable in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(maxJitter time.Duration) time.Duration
	now    func() time.Time

	// active guards against overlapping cycles. It stays set until the
	// running loop returns, even after CancelSync reports idle.
	active    atomic.Bool
	cancelled atomic.Bool

	mu          sync.Mutex
	status      Status
	sleepCancel context.CancelFunc
	subs        map[int]chan Status
	nextSub     int
}

// New creates an engine. A nil provider selects storage.NopProvider.
func New(store Store, library *localstore.Store, provider storage.Provider, monitor network.Monitor, cfg Config, logger *slog.Logger) *Engine {
	if provider == nil {
		provider = storage.NopProvider{}
	}

	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	} else if cfg.MaxJitter == 0 {
		cfg.MaxJitter = defaultMaxJitter
	}

	if cfg.Policy == "" {
		cfg.Policy = network.PolicyWifiOnly
	}

	return &Engine{
		store:    store,
		library:  library,
		provider: provider,
		monitor:  monitor,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		jitter:   randomJitter,
		now:      time.Now,
		status:   Status{State: StateIdle},
		subs:     make(map[int]chan Status),
	}
}

// cycle accumulates the outcome of one SyncAll or SyncBatch call.
type cycle struct {
	result  SyncResult
	lastErr error
}

// SyncAll uploads every pending receipt and then walks the remote tree
// for receipts captured on other devices. A call made while another cycle
// is running returns an empty result immediately.
func (e *Engine) SyncAll(ctx context.Context) SyncResult {
	if !e.active.CompareAndSwap(false, true) {
		e.logger.Debug("sync already running, rejecting SyncAll")
		return SyncResult{}
	}
	defer e.endCycle()

	sleepCtx := e.beginCycle(ctx)
	if !e.monitor.CanSync(ctx, e.cfg.Policy) {
		e.goOffline()
		return SyncResult{}
	}

	pending, err := e.store.PendingReceipts()
	if err != nil {
		c := &cycle{}
		e.finish(c, fmt.Errorf("loading pending receipts: %w", err))

		return c.result
	}

	e.logger.Info("sync cycle started", slog.Int("pending", len(pending)))

	c := &cycle{}
	e.processItems(ctx, sleepCtx, c, pending, nil)

	if !c.result.Cancelled {
		c.result.Downloaded = e.downloadAll(ctx)
		c.result.Cancelled = e.stopRequested(ctx)
	}

	e.finish(c, nil)

	return c.result
}

// SyncBatch uploads the listed receipts, reporting (current, total) after
// each one. Unknown IDs count as failed and receipts already indexed count
// as skipped. It shares the single-cycle guard with SyncAll.
func (e *Engine) SyncBatch(ctx context.Context, ids []string, progress func(current, total int)) SyncResult {
	if !e.active.CompareAndSwap(false, true) {
		e.logger.Debug("sync already running, rejecting SyncBatch")
		return SyncResult{}
	}
	defer e.endCycle()

	sleepCtx := e.beginCycle(ctx)
	if !e.monitor.CanSync(ctx, e.cfg.Policy) {
		e.goOffline()
		return SyncResult{}
	}

	e.logger.Info("batch sync started", slog.Int("requested", len(ids)))

	c := &cycle{}
	items := make([]models.Receipt, 0, len(ids))

	for _, id := range ids {
		r, err := e.store.Get(id)

		switch {
		case err != nil:
			c.result.Failed++
			c.lastErr = fmt.Errorf("loading receipt %s: %w", id, err)
		case r == nil:
			c.result.Failed++
			c.lastErr = fmt.Errorf("receipt %s not found", id)
		default:
			items = append(items, *r)
		}
	}

	e.processItems(ctx, sleepCtx, c, items, progress)
	e.finish(c, nil)

	return c.result
}

// CancelSync asks the running cycle to stop at the next item boundary and
// reports idle right away. An in-flight storage call still completes; a
// pending backoff wait is cut short.
func (e *Engine) CancelSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active.Load() {
		return
	}

	e.cancelled.Store(true)

	if e.sleepCancel != nil {
		e.sleepCancel()
	}

	e.status.State = StateIdle
	e.status.Progress = Progress{}
	e.publishLocked()

	e.logger.Info("sync cancellation requested")
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// Subscribe returns a channel receiving status snapshots and a function
// that stops the subscription. Publishing never blocks: a subscriber that
// falls behind only sees the newest snapshot.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++

	ch := make(chan Status, 1)
	ch <- e.status
	e.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()

			delete(e.subs, id)
			close(ch)
		})
	}
}

// processItems runs the per-receipt upload loop, checking for
// cancellation at each item boundary.
func (e *Engine) processItems(ctx, sleepCtx context.Context, c *cycle, items []models.Receipt, progress func(current, total int)) {
	total := len(items)
	e.setProgress(0, total)

	for i, r := range items {
		if e.stopRequested(ctx) {
			c.result.Cancelled = true
			e.logger.Info("sync cancelled", slog.Int("remaining", total-i))

			return
		}

		e.processOne(ctx, sleepCtx, c, r)

		e.setProgress(i+1, total)

		if progress != nil {
			progress(i+1, total)
		}
	}

	c.result.Cancelled = e.stopRequested(ctx)
}

func (e *Engine) processOne(ctx, sleepCtx context.Context, c *cycle, r models.Receipt) {
	if !r.Pending() {
		c.result.Skipped++
		return
	}

	out, err := e.uploadWithRetry(ctx, sleepCtx, r)

	switch out {
	case outcomeUploaded:
		c.result.Uploaded++
	case outcomeSkipped:
		c.result.Skipped++
	case outcomeUnindexed:
		c.result.Uploaded++
		c.result.Unindexed++
		c.lastErr = err
	case outcomeStillUnindexed:
		c.result.Unindexed++
		c.lastErr = err
	case outcomeRecovered:
		c.result.Recovered++
	case outcomeAborted:
		// Counted by the cancellation check at the next item boundary.
	default:
		c.result.Failed++
		c.lastErr = err
		e.logger.Error("receipt sync failed",
			slog.String("receipt_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) stopRequested(ctx context.Context) bool {
	return e.cancelled.Load() || ctx.Err() != nil
}

// beginCycle publishes the syncing state and returns the context used for
// backoff waits. A CancelSync that arrived after the cycle claimed the
// guard is kept: the state stays idle and the loop stops at its first
// boundary.
func (e *Engine) beginCycle(ctx context.Context) context.Context {
	sleepCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled.Load() {
		cancel()
	}

	e.sleepCancel = cancel
	e.status.Progress = Progress{}

	if !e.cancelled.Load() {
		e.status.State = StateSyncing
	}

	e.publishLocked()

	return sleepCtx
}

// endCycle clears the cancel flag and releases the single-cycle guard.
// Both happen under mu so a concurrent CancelSync either lands on this
// cycle or sees no cycle at all.
func (e *Engine) endCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelled.Store(false)
	e.active.Store(false)
}

func (e *Engine) goOffline() {
	e.logger.Info("network policy forbids sync", slog.String("policy", string(e.cfg.Policy)))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseSleepLocked()
	e.status.State = StateOffline
	e.publishLocked()
}

// finish records the cycle outcome. A cancelled cycle keeps the idle
// state CancelSync already reported.
func (e *Engine) finish(c *cycle, cycleErr error) {
	pending := -1
	if receipts, err := e.store.PendingReceipts(); err == nil {
		pending = len(receipts)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.releaseSleepLocked()

	result := c.result
	e.status.LastResult = &result
	e.status.LastSyncAt = e.now().UTC()
	e.status.Failed = result.Failed
	e.status.Progress = Progress{}

	if pending >= 0 {
		e.status.Pending = pending
	}

	switch {
	case e.cancelled.Load():
		e.status.State = StateIdle
	case cycleErr != nil:
		e.status.State = StateError
		e.status.LastError = cycleErr.Error()
	case result.Failed > 0:
		e.status.State = StateError
		if c.lastErr != nil {
			e.status.LastError = c.lastErr.Error()
		}
	case c.lastErr != nil:
		// Unindexed receipts are recoverable, so the engine stays idle
		// but keeps the reason visible.
		e.status.State = StateIdle
		e.status.LastError = c.lastErr.Error()
	default:
		e.status.State = StateIdle
		e.status.LastError = ""
	}

	e.publishLocked()

	attrs := []any{
		slog.String("state", string(e.status.State)),
		slog.Int("uploaded", result.Uploaded),
		slog.Int("skipped", result.Skipped),
		slog.Int("downloaded", result.Downloaded),
		slog.Int("failed", result.Failed),
		slog.Int("unindexed", result.Unindexed),
		slog.Int("recovered", result.Recovered),
		slog.Bool("cancelled", result.Cancelled),
	}

	if cycleErr != nil {
		e.logger.Error("sync cycle failed", append(attrs, slog.String("error", cycleErr.Error()))...)
		return
	}

	e.logger.Info("sync cycle finished", attrs...)
}

func (e *Engine) setProgress(current, total int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.State != StateSyncing {
		return
	}

	e.status.Progress = Progress{Current: current, Total: total}
	e.publishLocked()
}

func (e *Engine) releaseSleepLocked() {
	if e.sleepCancel != nil {
		e.sleepCancel()
		e.sleepCancel = nil
	}
}

// publishLocked delivers the current status to every subscriber without
// blocking. Callers hold e.mu.
func (e *Engine) publishLocked() {
	s := e.status

	for _, ch := range e.subs {
		select {
		case ch <- s:
			continue
		default:
		}

		// Drop the stale snapshot and replace it with the newest.
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- s:
		default:
		}
	}
}

// backoff returns the wait before retry attempt+1:
// base * 2^(attempt+1) plus up to MaxJitter.
func (e *Engine) backoff(attempt int) time.Duration {
	shift := min(attempt+1, maxRetryShift)
	return e.cfg.RetryBase*time.Duration(1<<shift) + e.jitter(e.cfg.MaxJitter)
}

func randomJitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(maxJitter) + 1)) //nolint:gosec // G404: math/rand is fine for retry jitter, no security impact
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var errCancelled = errors.New("sync cancelled")
