package power

import (
	"context"
	"sync"
	"time"
)

// Platform arms wake triggers and parks the bridge until one fires.
type Platform interface {
	// Arm replaces the set of enabled wake triggers.
	Arm(triggers []WakeTrigger) error
	// Suspend blocks until an armed trigger fires or ctx is done.
	Suspend(ctx context.Context) (WakeSource, error)
}

// SignalPlatform is a host Platform. Transports call Signal from their event
// handlers; a signal for an armed source wakes a pending or the next Suspend.
type SignalPlatform struct {
	mu    sync.Mutex
	armed map[WakeSource]bool
	timer time.Duration
	wake  chan WakeSource
}

// NewSignalPlatform creates a SignalPlatform with nothing armed.
func NewSignalPlatform() *SignalPlatform {
	return &SignalPlatform{
		armed: make(map[WakeSource]bool),
		wake:  make(chan WakeSource, 1),
	}
}

func (p *SignalPlatform) Arm(triggers []WakeTrigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.armed)
	p.timer = 0
	for _, t := range triggers {
		if t.Source == WakeTimer {
			if t.After > 0 && (p.timer == 0 || t.After < p.timer) {
				p.timer = t.After
			}
			continue
		}
		p.armed[t.Source] = true
	}

	// Signals latched before this arming belong to the previous cycle.
	select {
	case <-p.wake:
	default:
	}
	return nil
}

// Signal reports activity from src. It never blocks and is safe to call
// from any goroutine. Signals from sources that are not armed are ignored.
func (p *SignalPlatform) Signal(src WakeSource) {
	p.mu.Lock()
	armed := p.armed[src]
	p.mu.Unlock()
	if !armed {
		return
	}
	select {
	case p.wake <- src:
	default:
	}
}

func (p *SignalPlatform) Suspend(ctx context.Context) (WakeSource, error) {
	p.mu.Lock()
	d := p.timer
	p.mu.Unlock()

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	defer p.disarm()
	select {
	case src := <-p.wake:
		return src, nil
	case <-timeout:
		return WakeTimer, nil
	case <-ctx.Done():
		return WakeNone, ctx.Err()
	}
}

func (p *SignalPlatform) disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.armed)
	p.timer = 0
}
