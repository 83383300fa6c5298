package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/core/codec"
	"github.com/kabili207/lorabridge/device/buffer"
	"github.com/kabili207/lorabridge/device/power"
	"github.com/kabili207/lorabridge/device/router"
	"github.com/kabili207/lorabridge/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockRouter struct {
	steps atomic.Int32
	work  atomic.Int32 // steps that report work before going quiet
	idle  atomic.Bool
}

func (m *mockRouter) Step(context.Context) bool {
	m.steps.Add(1)
	if m.work.Load() > 0 {
		m.work.Add(-1)
		return true
	}
	return false
}

func (m *mockRouter) Idle() bool { return m.idle.Load() }

type mockPower struct {
	mu          sync.Mutex
	should      bool
	suspendErrs []error
	suspends    int
	resumes     []power.WakeSource
	activity    int
}

func (m *mockPower) ShouldSuspend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.should
}

func (m *mockPower) Suspend(context.Context) (power.WakeSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspends++
	if len(m.suspendErrs) > 0 {
		err := m.suspendErrs[0]
		m.suspendErrs = m.suspendErrs[1:]
		if err != nil {
			return power.WakeNone, err
		}
	}
	m.should = false
	return power.WakeButton, nil
}

func (m *mockPower) Resume(_ context.Context, cause power.WakeSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumes = append(m.resumes, cause)
	return nil
}

func (m *mockPower) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity++
	m.should = false
}

func (m *mockPower) counts() (suspends, resumes, activity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspends, len(m.resumes), m.activity
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}

func startBridge(t *testing.T, cfg Config) (*Bridge, func() error) {
	t.Helper()
	cfg.PollInterval = time.Millisecond
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Run(t.Context()) }()
	return b, func() error {
		b.Stop()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not return")
			return nil
		}
	}
}

func TestNew_Required(t *testing.T) {
	if _, err := New(Config{Power: &mockPower{}}); !errors.Is(err, ErrNoRouter) {
		t.Errorf("New() error = %v, want %v", err, ErrNoRouter)
	}
	if _, err := New(Config{Router: &mockRouter{}}); !errors.Is(err, ErrNoPower) {
		t.Errorf("New() error = %v, want %v", err, ErrNoPower)
	}
}

func TestRun_SuspendsWhenIdle(t *testing.T) {
	r := &mockRouter{}
	r.idle.Store(true)
	p := &mockPower{should: true}

	b, stop := startBridge(t, Config{Router: r, Power: p})
	waitFor(t, func() bool { return b.SleepCycles() == 1 })
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}

	suspends, resumes, _ := p.counts()
	if suspends != 1 || resumes != 1 {
		t.Errorf("suspends = %d, resumes = %d; want 1, 1", suspends, resumes)
	}
	if p.resumes[0] != power.WakeButton {
		t.Errorf("resume cause = %v, want %v", p.resumes[0], power.WakeButton)
	}
}

func TestRun_NoSuspendWhileBusy(t *testing.T) {
	r := &mockRouter{}
	r.idle.Store(false)
	p := &mockPower{should: true}

	_, stop := startBridge(t, Config{Router: r, Power: p})
	waitFor(t, func() bool { return r.steps.Load() > 5 })
	_ = stop()

	if suspends, _, _ := p.counts(); suspends != 0 {
		t.Errorf("suspends = %d, want 0", suspends)
	}
}

func TestRun_WorkPendingKeepsRunning(t *testing.T) {
	r := &mockRouter{}
	r.idle.Store(true)
	p := &mockPower{should: true, suspendErrs: []error{power.ErrWorkPending}}

	b, stop := startBridge(t, Config{Router: r, Power: p})
	waitFor(t, func() bool { return b.SleepCycles() == 1 })
	_ = stop()

	suspends, resumes, _ := p.counts()
	if suspends != 2 || resumes != 1 {
		t.Errorf("suspends = %d, resumes = %d; want 2, 1", suspends, resumes)
	}
}

func TestRun_SuspendFailureStaysAwake(t *testing.T) {
	r := &mockRouter{}
	r.idle.Store(true)
	p := &mockPower{should: true, suspendErrs: []error{errors.New("store offline")}}

	b, stop := startBridge(t, Config{Router: r, Power: p})
	waitFor(t, func() bool {
		_, _, activity := p.counts()
		return activity == 1
	})
	_ = stop()

	if b.SleepCycles() != 0 {
		t.Errorf("SleepCycles() = %d, want 0", b.SleepCycles())
	}
}

// mockRadio and mockPeer back the end-to-end test with the real router and
// power manager.
type mockRadio struct {
	mu      sync.Mutex
	handler transport.RadioHandler
	sent    int
}

func (m *mockRadio) Start(context.Context) error { return nil }
func (m *mockRadio) Stop() error                 { return nil }
func (m *mockRadio) EnterReceiveMode() error     { return nil }

func (m *mockRadio) Send([]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

func (m *mockRadio) SetPacketHandler(fn transport.RadioHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *mockRadio) receive(data []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(transport.RadioPacket{Data: data})
}

type mockPeer struct{}

func (mockPeer) Start(context.Context) error             { return nil }
func (mockPeer) Stop() error                             { return nil }
func (mockPeer) IsConnected() bool                       { return false }
func (mockPeer) Send([]byte) error                       { return transport.ErrNotConnected }
func (mockPeer) SetWriteHandler(transport.WriteHandler) {}
func (mockPeer) SetStateHandler(transport.StateHandler) {}

func TestRun_RadioWakesSuspendedBridge(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	buf := buffer.New(buffer.DefaultCapacity)
	radio := &mockRadio{}
	platform := power.NewSignalPlatform()

	pm, err := power.New(power.Config{
		Buffer:             buf,
		Platform:           platform,
		Radio:              radio,
		StabilizationDelay: time.Millisecond,
		Clock:              clk,
	})
	if err != nil {
		t.Fatalf("power.New() error = %v", err)
	}
	r, err := router.New(router.Config{
		Radio:    radio,
		Peer:     mockPeer{},
		Buffer:   buf,
		Activity: pm,
		Waker:    platform,
		Clock:    clk,
	})
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	pm.SetFlusher(r)

	b, stop := startBridge(t, Config{Router: r, Power: pm})

	clk.Advance(power.DefaultInactivityTimeout)
	waitFor(t, func() bool { return pm.State() == power.StateSuspended })

	data, err := codec.Encode(codec.NewText(1, "WAKE"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	radio.receive(data)

	waitFor(t, func() bool { return r.Counters.Buffered.Load() == 1 })
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}

	if pm.LastWake() != power.WakeRadio {
		t.Errorf("LastWake() = %v, want %v", pm.LastWake(), power.WakeRadio)
	}
	if pm.WakeCount() != 1 {
		t.Errorf("WakeCount() = %d, want 1", pm.WakeCount())
	}
	if b.SleepCycles() != 1 {
		t.Errorf("SleepCycles() = %d, want 1", b.SleepCycles())
	}
}
