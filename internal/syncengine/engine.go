// Package syncengine drains the outbox, pulls remote deltas and merges them
// into the layered store.
//
// A cycle moves through idle -> draining -> pulling -> merging -> idle.
// Cycles are single-flight: a Sync call made while one runs waits for that
// cycle and returns its outcome. Consecutive failed cycles open a circuit
// breaker (state paused) that suppresses automatic cycles until a forced
// cycle succeeds.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

// State is the engine's position in the cycle state machine.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
	StatePulling  State = "pulling"
	StateMerging  State = "merging"
	StatePaused   State = "paused"
)

// Config holds the engine's tunables.
type Config struct {
	Retry            RetryPolicy
	BreakerThreshold int
	RequestTimeout   time.Duration
	BatchSize        int
	PruneAfter       time.Duration
	// MaxPullPages bounds the pages pulled in one cycle.
	MaxPullPages int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryPolicy,
		BreakerThreshold: 3,
		RequestTimeout:   30 * time.Second,
		BatchSize:        50,
		PruneAfter:       24 * time.Hour,
		MaxPullPages:     100,
	}
}

// SyncOptions tunes a single Sync call.
type SyncOptions struct {
	// Force runs the cycle even while the breaker is open.
	Force bool
}

// Result summarizes one cycle.
type Result struct {
	Uploaded      int      `json:"uploaded"`
	FailedUploads int      `json:"failed_uploads"`
	Exhausted     []string `json:"exhausted,omitempty"`
	Downloaded    int      `json:"downloaded"`
	Applied       int      `json:"applied"`
	Merged        int      `json:"merged"`
	Reviews       int      `json:"reviews"`
	Pruned        int64    `json:"pruned"`
	Checkpoint    string   `json:"checkpoint,omitempty"`
}

// Status is a read-only snapshot for the host.
type Status struct {
	State        State     `json:"state"`
	Syncing      bool      `json:"syncing"`
	Failures     int       `json:"consecutive_failures"`
	LastSyncAt   time.Time `json:"last_sync_at,omitzero"`
	LastResult   *Result   `json:"last_result,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	PendingCount int       `json:"pending"`
	FailedCount  int       `json:"failed"`
}

// flight is one in-progress cycle shared by concurrent callers.
type flight struct {
	done chan struct{}
	res  Result
	err  error
}

// Engine runs sync cycles. It is safe for concurrent use.
type Engine struct {
	ls        *layered.Store
	db        *store.Store
	registry  *schema.Registry
	chain     *audit.Chain
	transport Transport
	clock     clock.Clock
	cfg       Config
	actor     string

	mu         sync.Mutex
	state      State
	inflight   *flight
	breaker    *breaker
	lastResult *Result
	lastErr    error
	lastAt     time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		def := DefaultConfig()
		if cfg.Retry.BaseDelay <= 0 {
			cfg.Retry.BaseDelay = def.Retry.BaseDelay
		}
		if cfg.Retry.Multiplier <= 0 {
			cfg.Retry.Multiplier = def.Retry.Multiplier
		}
		if cfg.Retry.MaxDelay <= 0 {
			cfg.Retry.MaxDelay = def.Retry.MaxDelay
		}
		if cfg.Retry.MaxRetries <= 0 {
			cfg.Retry.MaxRetries = def.Retry.MaxRetries
		}
		if cfg.BreakerThreshold <= 0 {
			cfg.BreakerThreshold = def.BreakerThreshold
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = def.RequestTimeout
		}
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = def.BatchSize
		}
		if cfg.PruneAfter <= 0 {
			cfg.PruneAfter = def.PruneAfter
		}
		if cfg.MaxPullPages <= 0 {
			cfg.MaxPullPages = def.MaxPullPages
		}
		e.cfg = cfg
	}
}

// WithClock sets the wall clock used for retry scheduling.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithAuditChain makes the engine record remote changes to audited entities.
func WithAuditChain(c *audit.Chain, actor string) Option {
	return func(e *Engine) {
		e.chain = c
		e.actor = actor
	}
}

// New creates an engine over the layered store.
func New(ls *layered.Store, registry *schema.Registry, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		ls:        ls,
		db:        ls.DB(),
		registry:  registry,
		transport: transport,
		clock:     clock.System{},
		cfg:       DefaultConfig(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = newBreaker(e.cfg.BreakerThreshold)
	return e
}

// Sync runs one cycle, or joins the cycle already in progress.
//
// While the breaker is open a non-forced call returns an error wrapping
// ErrPaused without contacting the backend.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (Result, error) {
	e.mu.Lock()
	if f := e.inflight; f != nil {
		e.mu.Unlock()
		select {
		case <-f.done:
			return f.res, f.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if !opts.Force && e.breaker.Open() {
		e.mu.Unlock()
		return Result{}, &SyncError{Code: ErrCodePaused, Message: fmt.Sprintf("circuit open after %d failed cycles", e.breaker.Failures())}
	}
	f := &flight{done: make(chan struct{})}
	e.inflight = f
	e.mu.Unlock()

	start := e.clock.Now()
	res, err := e.runCycle(ctx)

	e.mu.Lock()
	e.inflight = nil
	e.lastResult = &res
	e.lastErr = err
	e.lastAt = e.clock.Now()
	if err != nil {
		if e.breaker.Failure() {
			e.state = StatePaused
			slog.Warn("sync paused", "consecutive_failures", e.breaker.Failures())
		} else {
			e.state = StateIdle
		}
	} else {
		e.breaker.Success()
		e.state = StateIdle
	}
	e.mu.Unlock()

	f.res, f.err = res, err
	close(f.done)

	slog.Info("sync cycle finished",
		"forced", opts.Force,
		"uploaded", res.Uploaded,
		"failed_uploads", res.FailedUploads,
		"downloaded", res.Downloaded,
		"merged", res.Merged,
		"reviews", res.Reviews,
		"duration", e.clock.Now().Sub(start),
		"error", err)
	return res, err
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsCurrentlySyncing reports whether a cycle is in progress.
func (e *Engine) IsCurrentlySyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inflight != nil
}

// QueueSize returns the number of pending outbox entries.
func (e *Engine) QueueSize(ctx context.Context) (int, error) {
	return e.db.QueueSize(ctx)
}

// Status returns a snapshot of the engine and the outbox.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	counts, err := e.db.QueueCounts(ctx)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:        e.state,
		Syncing:      e.inflight != nil,
		Failures:     e.breaker.Failures(),
		LastSyncAt:   e.lastAt,
		LastResult:   e.lastResult,
		PendingCount: counts[store.StatePending],
		FailedCount:  counts[store.StateFailed],
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) now() int64 {
	return clock.Millis(e.clock)
}

func (e *Engine) runCycle(ctx context.Context) (Result, error) {
	var res Result

	e.setState(StateDraining)
	if err := e.drain(ctx, &res); err != nil {
		return res, err
	}

	e.setState(StatePulling)
	if err := e.pull(ctx, &res); err != nil {
		return res, err
	}

	cutoff := e.now() - e.cfg.PruneAfter.Milliseconds()
	pruned, err := e.db.PruneSynced(ctx, cutoff)
	if err != nil {
		slog.Warn("prune synced entries failed", "error", err)
	}
	res.Pruned = pruned
	return res, nil
}

// drain uploads ready outbox entries in priority then FIFO order.
func (e *Engine) drain(ctx context.Context, res *Result) error {
	attempted := make(map[string]int64)
	for {
		now := e.now()
		ready, err := e.db.ReadyEntries(ctx, now, e.cfg.BatchSize)
		if err != nil {
			return newStorageError("read outbox", err)
		}
		var batch []store.QueueEntry
		for _, entry := range ready {
			if rev, seen := attempted[entry.ID]; seen && rev == entry.Revision {
				continue
			}
			attempted[entry.ID] = entry.Revision
			batch = append(batch, entry)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.uploadBatch(ctx, batch, res); err != nil {
			return err
		}
	}
}

func (e *Engine) uploadBatch(ctx context.Context, batch []store.QueueEntry, res *Result) error {
	changes := make([]Change, 0, len(batch))
	uploaded := make(map[string]store.QueueEntry, len(batch))
	snapshots := make(map[string]*record.Record, len(batch))

	for _, entry := range batch {
		read := e.ls.ReadWithFallback(ctx, entry.Table, entry.RecordID)
		if !read.Success {
			e.fail(ctx, entry, fmt.Sprintf("local record unreadable: %v", read.Err), res)
			continue
		}
		rec, err := record.Decode(read.Data)
		if err != nil {
			e.fail(ctx, entry, err.Error(), res)
			continue
		}
		changes = append(changes, Change{
			EntryID:   entry.ID,
			Table:     entry.Table,
			RecordID:  entry.RecordID,
			Operation: entry.Operation,
			Revision:  entry.Revision,
			Record:    read.Data,
		})
		uploaded[entry.ID] = entry
		snapshots[entry.ID] = rec
	}
	if len(changes) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	acks, err := e.transport.Upload(callCtx, changes)
	cancel()
	if err != nil {
		netErr := newNetworkError("upload", err)
		for _, c := range changes {
			e.fail(ctx, uploaded[c.EntryID], netErr.Error(), res)
		}
		return netErr
	}

	byID := make(map[string]Ack, len(acks))
	for _, a := range acks {
		byID[a.EntryID] = a
	}
	for _, c := range changes {
		entry := uploaded[c.EntryID]
		ack, ok := byID[c.EntryID]
		switch {
		case !ok:
			e.fail(ctx, entry, "no acknowledgement", res)
		case !ack.Accepted:
			e.fail(ctx, entry, "rejected: "+ack.Error, res)
		default:
			e.acknowledge(ctx, entry, snapshots[c.EntryID], res)
		}
	}
	return nil
}

// acknowledge retires the entry and marks the local record synced when it
// did not change since the upload.
func (e *Engine) acknowledge(ctx context.Context, entry store.QueueEntry, sent *record.Record, res *Result) {
	retired, err := e.db.MarkSynced(ctx, entry.ID, entry.Revision, e.now())
	if err != nil {
		slog.Error("mark entry synced failed", "entry", entry.ID, "error", err)
		return
	}
	res.Uploaded++
	if !retired {
		slog.Debug("entry changed during upload, kept pending",
			"table", entry.Table,
			"id", entry.RecordID)
		return
	}

	_, err = e.ls.Update(ctx, entry.Table, entry.RecordID, func(cur json.RawMessage, found bool) (any, bool, error) {
		if !found {
			return nil, false, nil
		}
		rec, err := record.Decode(cur)
		if err != nil {
			return nil, false, err
		}
		unchanged := rec.Checksum == sent.Checksum &&
			rec.Deleted == sent.Deleted &&
			rec.VersionVector.Compare(sent.VersionVector) == record.OrderEqual
		if !unchanged || rec.Synced {
			return nil, false, nil
		}
		rec.Synced = true
		return rec, true, nil
	})
	if err != nil {
		slog.Warn("mark record synced failed",
			"table", entry.Table,
			"id", entry.RecordID,
			"error", err)
	}
}

// fail schedules the next attempt or moves the entry to failed.
func (e *Engine) fail(ctx context.Context, entry store.QueueEntry, cause string, res *Result) {
	retries := entry.RetryCount + 1
	exhausted := e.cfg.Retry.Exhausted(retries)
	now := e.now()
	next := now + e.cfg.Retry.Delay(retries).Milliseconds()

	if err := e.db.RecordFailure(ctx, entry.ID, retries, next, cause, exhausted, now); err != nil {
		slog.Error("record upload failure failed", "entry", entry.ID, "error", err)
		return
	}
	res.FailedUploads++
	if exhausted {
		res.Exhausted = append(res.Exhausted, entry.ID)
		slog.Error("outbox entry failed permanently",
			"error", newExhaustedError(entry.Table, entry.RecordID, entry.ID, retries, cause))
		return
	}
	slog.Warn("upload failed, will retry",
		"table", entry.Table,
		"id", entry.RecordID,
		"retry_count", retries,
		"next_retry_at", next,
		"error", cause)
}

// pull fetches remote pages from the stored checkpoint and merges them.
// The checkpoint advances only after every record of a page is handled.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	since, err := e.db.GetMeta(ctx, store.MetaCheckpoint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return newStorageError("read checkpoint", err)
	}

	for page := 0; page < e.cfg.MaxPullPages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		pr, err := e.transport.PullChanges(callCtx, since)
		cancel()
		if err != nil {
			return newNetworkError("pull changes", err)
		}

		e.setState(StateMerging)
		for _, rc := range pr.Changes {
			res.Downloaded++
			if err := e.applyRemote(ctx, rc, res); err != nil {
				return err
			}
		}

		if pr.Checkpoint != "" && pr.Checkpoint != since {
			if err := e.db.SetMeta(ctx, store.MetaCheckpoint, pr.Checkpoint); err != nil {
				return newStorageError("save checkpoint", err)
			}
			since = pr.Checkpoint
		}
		res.Checkpoint = since
		if !pr.More {
			return nil
		}
		e.setState(StatePulling)
	}
	return nil
}

// applyRemote merges one remote record with its local replica inside the
// record's critical section. Review outcomes are stored, not applied.
func (e *Engine) applyRemote(ctx context.Context, rc RemoteChange, res *Result) error {
	entity, err := e.registry.Lookup(rc.Table)
	if err != nil {
		return e.review(ctx, rc.Table, "", nil, rc.Record, err.Error(), res)
	}
	remote, err := record.Decode(rc.Record)
	if err != nil {
		return e.review(ctx, rc.Table, "", nil, rc.Record, err.Error(), res)
	}
	if remote.ID == "" {
		return e.review(ctx, rc.Table, "", nil, rc.Record, "remote record has no id", res)
	}

	audited := e.chain != nil && (entity.Audited("create") || entity.Audited("update") || entity.Audited("delete"))
	if audited && e.chain.Broken() {
		return e.review(ctx, rc.Table, remote.ID, nil, rc.Record, audit.ErrAuditChainBroken.Error(), res)
	}

	var (
		outcome conflict.Result
		local   json.RawMessage
	)
	_, err = e.ls.UpdateThen(ctx, rc.Table, remote.ID, func(cur json.RawMessage, found bool) (any, bool, error) {
		var lrec *record.Record
		if found {
			local = cur
			var derr error
			if lrec, derr = record.Decode(cur); derr != nil {
				outcome = conflict.Result{RequiresReview: true, Winner: conflict.WinnerNone, Reason: "local: " + derr.Error()}
				return nil, false, nil
			}
		}

		outcome = conflict.Merge(lrec, remote)
		if outcome.RequiresReview {
			return nil, false, nil
		}

		switch outcome.Winner {
		case conflict.WinnerRemote:
			outcome.Record.Synced = true
			return outcome.Record, true, nil
		case conflict.WinnerMerged:
			outcome.Record.Synced = false
			return outcome.Record, true, nil
		default:
			return nil, false, nil
		}
	}, func(ctx context.Context) error {
		// The outbox follows what Layer 1 now holds.
		if outcome.Winner == conflict.WinnerRemote {
			return e.db.DropPending(ctx, rc.Table, remote.ID)
		}
		op := store.OpUpdate
		if outcome.Record.Deleted {
			op = store.OpDelete
		}
		_, err := e.db.Enqueue(ctx, rc.Table, remote.ID, op, int(entity.Priority), e.now())
		return err
	})
	if err != nil {
		return newStorageError(fmt.Sprintf("apply remote %s/%s", rc.Table, remote.ID), err)
	}

	switch {
	case outcome.RequiresReview:
		return e.review(ctx, rc.Table, remote.ID, local, rc.Record, outcome.Reason, res)
	case outcome.Winner == conflict.WinnerRemote:
		res.Applied++
	case outcome.Winner == conflict.WinnerMerged:
		res.Merged++
	default:
		return nil
	}
	if audited {
		e.auditRemote(ctx, entity, outcome)
	}
	return nil
}

func (e *Engine) review(ctx context.Context, table, id string, local, remote json.RawMessage, reason string, res *Result) error {
	if _, err := e.db.AddReview(ctx, store.Review{
		Table:     table,
		RecordID:  id,
		Reason:    reason,
		Local:     local,
		Remote:    remote,
		CreatedAt: e.now(),
	}); err != nil {
		return newStorageError("store review", err)
	}
	res.Reviews++
	slog.Warn("conflict requires review",
		"table", table,
		"id", id,
		"reason", reason)
	return nil
}

func (e *Engine) auditRemote(ctx context.Context, entity schema.Entity, outcome conflict.Result) {
	rec := outcome.Record
	action := entity.Table + ".remote_applied"
	if outcome.Winner == conflict.WinnerMerged {
		action = entity.Table + ".remote_merged"
	}
	vector := make(map[string]any, len(rec.VersionVector))
	for k, v := range rec.VersionVector {
		vector[k] = v
	}
	_, err := e.chain.Append(ctx, audit.Event{
		Timestamp:  e.now(),
		Actor:      e.actor,
		Action:     action,
		EntityType: entity.Table,
		EntityID:   rec.ID,
		Payload: map[string]any{
			"tenant_id":      rec.TenantID,
			"version_vector": vector,
			"checksum":       rec.Checksum,
			"deleted":        rec.Deleted,
		},
	})
	if err != nil {
		slog.Error("audit append failed", "table", entity.Table, "id", rec.ID, "error", err)
	}
}
