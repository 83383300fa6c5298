// Package power decides when the bridge may stop processing and carries the
// offline buffer across the resulting suspension.
//
// The Manager tracks the time of the last meaningful event. Once the
// inactivity timeout elapses the bridge loop calls Suspend, which spills
// in-flight messages into the offline buffer, persists the buffer and the
// wake counter as a SleepState block, arms wake triggers and parks on the
// Platform. Resume validates the block, restores the buffer, re-arms the
// radio's receive mode and restarts the inactivity timer.
package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/device/buffer"
)

const (
	// DefaultInactivityTimeout is how long the bridge stays active with no
	// activity before it may suspend.
	DefaultInactivityTimeout = 2 * time.Minute

	// DefaultStabilizationDelay gives the radio time to settle after the
	// receive mode is re-armed on resume.
	DefaultStabilizationDelay = 10 * time.Millisecond
)

// State is the manager's lifecycle state.
type State uint8

const (
	StateActive State = iota
	StateSuspended
)

func (s State) String() string {
	if s == StateSuspended {
		return "suspended"
	}
	return "active"
}

var (
	ErrNoBuffer = errors.New("power manager requires a buffer")
	// ErrNoRadioWake rejects wake triggers that would leave the radio's
	// receive interrupt unarmed.
	ErrNoRadioWake = errors.New("wake triggers must include the radio")
	// ErrWorkPending aborts a suspension because new work arrived while it
	// was being prepared. The caller should keep running its loop.
	ErrWorkPending = errors.New("work pending, suspend aborted")
)

// Flusher is implemented by the router. Flush moves queued but undelivered
// messages into the offline buffer; Idle reports whether any work remains.
type Flusher interface {
	Flush()
	Idle() bool
}

// Receiver is the part of the radio that must be re-armed after a resume.
type Receiver interface {
	EnterReceiveMode() error
}

// Config configures a Manager.
type Config struct {
	// Buffer is the offline message buffer persisted across suspension.
	// Required.
	Buffer *buffer.Buffer

	// Store holds the sleep state block. Default: NewRetainedMemory().
	Store StateStore

	// Platform arms wake triggers and blocks while suspended.
	// Default: NewSignalPlatform().
	Platform Platform

	// Radio is re-armed into receive mode on every resume. May be nil.
	Radio Receiver

	// WakeTriggers are the wake sources to arm. Default: DefaultWakeTriggers.
	WakeTriggers []WakeTrigger

	// Policy resolves polarity conflicts on the shared wake line.
	Policy WakePolicy

	// InactivityTimeout before ShouldSuspend reports true.
	// Default: 2 minutes.
	InactivityTimeout time.Duration

	// StabilizationDelay after re-arming the radio. Default: 10ms.
	StabilizationDelay time.Duration

	// RestoreOnBoot restores a valid stored block on a cold boot instead of
	// starting empty. Only useful with a durable Store.
	RestoreOnBoot bool

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// Logger for power events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Manager is the power/sleep state machine.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	clock    clock.Clock
	buf      *buffer.Buffer
	store    StateStore
	platform Platform

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	wakeCount    uint32
	lastWake     WakeSource
	flusher      Flusher
}

// New creates a power Manager. The activity timer starts at creation.
func New(cfg Config) (*Manager, error) {
	if cfg.Buffer == nil {
		return nil, ErrNoBuffer
	}
	if cfg.Store == nil {
		cfg.Store = NewRetainedMemory()
	}
	if cfg.Platform == nil {
		cfg.Platform = NewSignalPlatform()
	}
	if cfg.WakeTriggers == nil {
		cfg.WakeTriggers = DefaultWakeTriggers
	}
	if !ArmsRadio(cfg.WakeTriggers) {
		return nil, ErrNoRadioWake
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.StabilizationDelay <= 0 {
		cfg.StabilizationDelay = DefaultStabilizationDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		log:      logger.WithGroup("power"),
		clock:    clock.OrSystem(cfg.Clock),
		buf:      cfg.Buffer,
		store:    cfg.Store,
		platform: cfg.Platform,
	}
	m.lastActivity = m.clock.Now()
	return m, nil
}

// SetFlusher sets the component drained into the buffer before suspending.
func (m *Manager) SetFlusher(f Flusher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flusher = f
}

// Init prepares persisted state at startup. cause is WakeNone for a cold
// boot, which starts from a fresh block unless RestoreOnBoot is set; any
// other cause is handled as a resume.
func (m *Manager) Init(ctx context.Context, cause WakeSource) error {
	if cause != WakeNone {
		return m.Resume(ctx, cause)
	}

	if m.cfg.RestoreOnBoot {
		data, err := m.store.Load(ctx)
		if err != nil && !errors.Is(err, ErrNoState) {
			return fmt.Errorf("loading sleep state: %w", err)
		}
		state, reason := ValidateOrInit(data, m.buf.Cap())
		if reason == nil {
			dropped := m.buf.Restore(state.Messages)
			m.mu.Lock()
			m.wakeCount = state.WakeCount
			m.mu.Unlock()
			m.log.Info("restored sleep state on boot",
				"buffered", m.buf.Len(), "dropped", dropped, "wake_count", state.WakeCount)
			m.RecordActivity()
			return nil
		}
		if !errors.Is(reason, ErrNoState) {
			m.log.Warn("stored sleep state rejected, reinitializing", "reason", reason)
		}
	}

	m.log.Info("first boot, initializing sleep state")
	m.buf.Clear()
	m.mu.Lock()
	m.wakeCount = 0
	m.lastWake = WakeNone
	m.mu.Unlock()
	if err := m.persist(ctx); err != nil {
		return err
	}
	m.RecordActivity()
	return nil
}

// RecordActivity restarts the inactivity timer.
func (m *Manager) RecordActivity() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// LastActivity returns the time of the last recorded activity.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// ShouldSuspend reports whether the inactivity timeout has elapsed since the
// last recorded activity.
func (m *Manager) ShouldSuspend() bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && now.Sub(m.lastActivity) >= m.cfg.InactivityTimeout
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WakeCount returns the number of resumes since the state was initialized.
func (m *Manager) WakeCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeCount
}

// LastWake returns the source of the most recent wake.
func (m *Manager) LastWake() WakeSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWake
}

// Suspend persists state, arms wake triggers and blocks until one fires.
// It returns the wake source; the caller must then call Resume. If work
// arrives while the suspension is prepared, Suspend returns ErrWorkPending
// without blocking and the manager stays active.
func (m *Manager) Suspend(ctx context.Context) (WakeSource, error) {
	kept, dropped := ResolveTriggers(m.cfg.WakeTriggers, m.cfg.Policy)
	for _, t := range dropped {
		m.log.Warn("wake trigger conflicts with shared line, not armed",
			"trigger", t.String(), "policy", m.cfg.Policy.String())
	}
	if err := m.platform.Arm(kept); err != nil {
		return WakeNone, fmt.Errorf("arming wake triggers: %w", err)
	}

	m.mu.Lock()
	flusher := m.flusher
	m.mu.Unlock()
	if flusher != nil {
		flusher.Flush()
	}

	if err := m.persist(ctx); err != nil {
		m.platform.Arm(nil)
		return WakeNone, err
	}

	if flusher != nil && !flusher.Idle() {
		m.platform.Arm(nil)
		m.log.Debug("suspend aborted, work pending")
		return WakeNone, ErrWorkPending
	}

	m.mu.Lock()
	m.state = StateSuspended
	wakeCount := m.wakeCount
	m.mu.Unlock()

	m.log.Info("entering sleep", "buffered", m.buf.Len(), "wake_count", wakeCount, "triggers", len(kept))

	cause, err := m.platform.Suspend(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateActive
		m.mu.Unlock()
		return WakeNone, err
	}
	return cause, nil
}

// Resume reloads the persisted block and brings the bridge back to active.
// A missing or corrupt block is replaced with a fresh one and the buffer is
// cleared; its contents are never partially trusted.
func (m *Manager) Resume(ctx context.Context, cause WakeSource) error {
	data, err := m.store.Load(ctx)
	if err != nil && !errors.Is(err, ErrNoState) {
		m.log.Warn("loading sleep state failed", "error", err)
	}

	state, reason := ValidateOrInit(data, m.buf.Cap())
	if reason != nil {
		m.log.Warn("sleep state invalid, reinitializing", "reason", reason)
		m.buf.Clear()
	} else if dropped := m.buf.Restore(state.Messages); dropped > 0 {
		m.log.Warn("restored sleep state exceeded buffer", "dropped", dropped)
	}

	m.mu.Lock()
	m.wakeCount = state.WakeCount + 1
	m.lastWake = cause
	wakeCount := m.wakeCount
	m.mu.Unlock()

	m.log.Info("woke from sleep", "cause", cause.String(), "wake_count", wakeCount, "buffered", m.buf.Len())

	if m.cfg.Radio != nil {
		if err := m.cfg.Radio.EnterReceiveMode(); err != nil {
			m.log.Warn("re-arming radio receive mode failed", "error", err)
		}
		t := time.NewTimer(m.cfg.StabilizationDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()
	m.RecordActivity()
	return nil
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	state := &SleepState{
		WakeCount:    m.wakeCount,
		LastActivity: uint32(m.lastActivity.Unix()),
	}
	m.mu.Unlock()
	state.Messages = m.buf.Snapshot()

	data, err := EncodeState(state, m.buf.Cap())
	if err != nil {
		return fmt.Errorf("encoding sleep state: %w", err)
	}
	if err := m.store.Save(ctx, data); err != nil {
		return fmt.Errorf("saving sleep state: %w", err)
	}
	return nil
}
