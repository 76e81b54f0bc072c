package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Syncer runs sync cycles. *Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, opts SyncOptions) (Result, error)
}

// SchedulerConfig holds the scheduling windows.
type SchedulerConfig struct {
	// ActivityTimeout is the idle window after the last user activity before
	// an automatic cycle runs. Each activity restarts it.
	ActivityTimeout time.Duration
	// MaxInterval forces a cycle at least this often, even under continuous
	// activity.
	MaxInterval time.Duration
	// StartOffline starts with the network considered down.
	StartOffline bool
}

// DefaultSchedulerConfig is 30s of idleness, at least every 5 minutes.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ActivityTimeout: 30 * time.Second,
		MaxInterval:     5 * time.Minute,
	}
}

// Scheduler owns the activity, connectivity and ceiling timers and triggers
// cycles on one goroutine. Construct once per process; Start and Stop
// bracket its lifetime.
//
// Signals use buffered channels of size 1, so bursts of activity coalesce
// into one pending signal.
type Scheduler struct {
	syncer Syncer
	cfg    SchedulerConfig

	activity chan struct{}
	network  chan bool

	mu      sync.Mutex
	online  bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(s Syncer, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = def.ActivityTimeout
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Scheduler{
		syncer:   s,
		cfg:      cfg,
		activity: make(chan struct{}, 1),
		network:  make(chan bool, 1),
		online:   !cfg.StartOffline,
	}
}

// Start launches the scheduling goroutine. It returns an error if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx, s.done)
	slog.Info("sync scheduler started",
		"activity_timeout", s.cfg.ActivityTimeout,
		"max_interval", s.cfg.MaxInterval,
		"online", s.online)
	return nil
}

// Stop cancels the goroutine and waits for it, including any cycle it is
// running. Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("sync scheduler stopped")
}

// Activity records user interaction, deferring the idle cycle.
// Thread-safe: may be called from any goroutine.
func (s *Scheduler) Activity() {
	select {
	case s.activity <- struct{}{}:
	default:
	}
}

// SetOnline reports a connectivity change. Going online forces a cycle.
// Thread-safe: may be called from any goroutine.
func (s *Scheduler) SetOnline(online bool) {
	// Replace any unconsumed signal so the latest state wins.
	for {
		select {
		case s.network <- online:
			return
		default:
		}
		select {
		case <-s.network:
		default:
		}
	}
}

// Online reports the last known connectivity.
func (s *Scheduler) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	idle := time.NewTimer(s.cfg.ActivityTimeout)
	defer idle.Stop()
	ceiling := time.NewTimer(s.cfg.MaxInterval)
	defer ceiling.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.activity:
			idle.Reset(s.cfg.ActivityTimeout)

		case online := <-s.network:
			s.mu.Lock()
			was := s.online
			s.online = online
			s.mu.Unlock()
			if online && !was {
				slog.Info("network reconnected, forcing sync")
				s.trigger(ctx, true, "reconnect")
				ceiling.Reset(s.cfg.MaxInterval)
			}

		case <-idle.C:
			if s.Online() {
				s.trigger(ctx, false, "idle")
				ceiling.Reset(s.cfg.MaxInterval)
			}

		case <-ceiling.C:
			if s.Online() {
				s.trigger(ctx, false, "ceiling")
			}
			ceiling.Reset(s.cfg.MaxInterval)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, force bool, reason string) {
	slog.Debug("scheduled sync", "reason", reason, "forced", force)
	if _, err := s.syncer.Sync(ctx, SyncOptions{Force: force}); err != nil {
		if errors.Is(err, ErrPaused) {
			slog.Debug("scheduled sync suppressed", "reason", reason)
			return
		}
		slog.Warn("scheduled sync failed", "reason", reason, "error", err)
	}
}
