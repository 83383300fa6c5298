// Package bridge runs the main loop: it steps the router and, once the
// bridge has been idle for the inactivity timeout, suspends it until a wake
// trigger fires.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/lorabridge/device/power"
)

// DefaultPollInterval is how long the loop waits when a step found no work.
const DefaultPollInterval = 10 * time.Millisecond

var (
	ErrNoRouter = errors.New("bridge: router is required")
	ErrNoPower  = errors.New("bridge: power manager is required")
)

// Router is the part of *router.Router the loop drives.
type Router interface {
	Step(ctx context.Context) bool
	Idle() bool
}

// Power is the part of *power.Manager the loop drives.
type Power interface {
	ShouldSuspend() bool
	Suspend(ctx context.Context) (power.WakeSource, error)
	Resume(ctx context.Context, cause power.WakeSource) error
	RecordActivity()
}

// Config configures a Bridge.
type Config struct {
	Router Router
	Power  Power

	// PollInterval is the idle wait between steps. Default: 10ms.
	PollInterval time.Duration

	// Logger for loop events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Bridge is the top-level loop.
type Bridge struct {
	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	cycles uint32
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Router == nil {
		return nil, ErrNoRouter
	}
	if cfg.Power == nil {
		return nil, ErrNoPower
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg: cfg,
		log: logger.WithGroup("bridge"),
	}, nil
}

// Run loops until ctx is cancelled or Stop is called. It returns the
// context's error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if b.cfg.Router.Step(ctx) {
			continue
		}

		if b.cfg.Power.ShouldSuspend() && b.cfg.Router.Idle() {
			if err := b.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sleep runs one suspend/resume cycle. Only context cancellation and resume
// failures end the loop.
func (b *Bridge) sleep(ctx context.Context) error {
	cause, err := b.cfg.Power.Suspend(ctx)
	switch {
	case errors.Is(err, power.ErrWorkPending):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		// Stay awake for another timeout rather than retrying every poll.
		b.log.Error("suspend failed", "error", err)
		b.cfg.Power.RecordActivity()
		return nil
	}

	if err := b.cfg.Power.Resume(ctx, cause); err != nil {
		return fmt.Errorf("bridge: resume after %s: %w", cause, err)
	}

	b.mu.Lock()
	b.cycles++
	b.mu.Unlock()
	return nil
}

// SleepCycles returns the number of completed suspend/resume cycles.
func (b *Bridge) SleepCycles() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cycles
}

// Stop cancels a running loop.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
