package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/sessionkit/core/logger"
)

// Scavenger is the work a HouseKeeper runs on every tick.
type Scavenger interface {
	Scavenge(ctx context.Context) error
}

// HouseKeeper runs a Scavenger periodically. It uses a one-shot timer that is
// re-armed after each run, so runs never overlap and drift does not accumulate.
type HouseKeeper struct {
	scavenger Scavenger
	logger    *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	running  bool
	cancel   context.CancelFunc
	ctx      context.Context
	lastRun  time.Time
	lastErr  error
	runs     int64

	// runMu serializes runs and lets Stop wait for an in-flight one.
	runMu sync.Mutex
}

// HouseKeeperOption configures a HouseKeeper.
type HouseKeeperOption func(*HouseKeeper)

// WithInterval sets the scavenging interval.
func WithInterval(d time.Duration) HouseKeeperOption {
	return func(h *HouseKeeper) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithHouseKeeperLogger configures structured logging for scavenging runs.
func WithHouseKeeperLogger(l *slog.Logger) HouseKeeperOption {
	return func(h *HouseKeeper) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHouseKeeper creates a stopped housekeeper.
func NewHouseKeeper(s Scavenger, opts ...HouseKeeperOption) *HouseKeeper {
	h := &HouseKeeper{
		scavenger: s,
		interval:  DefaultScavengingInterval,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start schedules the first run one interval from now.
func (h *HouseKeeper) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrAlreadyStarted
	}
	h.running = true
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.scheduleLocked()

	h.logger.Debug("housekeeper started",
		logger.Component("session-housekeeper"),
		slog.Duration("interval", h.interval))
	return nil
}

// Stop cancels the pending run and waits for an in-flight one to finish.
func (h *HouseKeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.cancel()
	h.mu.Unlock()

	h.runMu.Lock()
	h.runMu.Unlock() //nolint:staticcheck // waits for a running scavenge

	h.logger.Debug("housekeeper stopped", logger.Component("session-housekeeper"))
}

// IsRunning reports whether runs are scheduled.
func (h *HouseKeeper) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Interval returns the scavenging interval.
func (h *HouseKeeper) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// SetInterval changes the interval. A running housekeeper is rescheduled
// from now; a non-positive interval stops it.
func (h *HouseKeeper) SetInterval(d time.Duration) {
	if d <= 0 {
		h.Stop()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interval = d
	if h.running {
		h.scheduleLocked()
	}
}

// Run returns a function suitable for errgroup that starts the housekeeper
// and stops it when ctx is cancelled.
func (h *HouseKeeper) Run(ctx context.Context) func() error {
	return func() error {
		if err := h.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		h.Stop()
		return nil
	}
}

// Healthcheck reports whether the housekeeper is running and its last run succeeded.
func (h *HouseKeeper) Healthcheck(ctx context.Context) error {
	h.mu.Lock()
	running, lastErr := h.running, h.lastErr
	h.mu.Unlock()

	if !running {
		return errors.Join(ErrHealthcheckFailed, ErrHouseKeeperNotRunning)
	}
	if lastErr != nil {
		return errors.Join(ErrHealthcheckFailed, lastErr)
	}
	return nil
}

// HouseKeeperStats describes the housekeeper state.
type HouseKeeperStats struct {
	IsRunning bool
	Interval  time.Duration
	Runs      int64
	LastRun   time.Time
	LastError error
}

// Stats returns the housekeeper state.
func (h *HouseKeeper) Stats() HouseKeeperStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HouseKeeperStats{
		IsRunning: h.running,
		Interval:  h.interval,
		Runs:      h.runs,
		LastRun:   h.lastRun,
		LastError: h.lastErr,
	}
}

func (h *HouseKeeper) scheduleLocked() {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.interval, h.run)
}

func (h *HouseKeeper) run() {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	h.mu.Unlock()

	start := time.Now()
	err := h.scavenger.Scavenge(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "scavenge failed",
			logger.Component("session-housekeeper"),
			logger.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	h.lastRun = start
	h.lastErr = err
	if h.running {
		h.scheduleLocked()
	}
}
