package power

import (
	"fmt"
	"time"
)

// WakeSource identifies what ended a suspension.
type WakeSource uint8

const (
	// WakeNone means the process started cold rather than resuming.
	WakeNone WakeSource = iota
	WakeRadio
	WakePeer
	WakeButton
	WakeTimer
)

func (s WakeSource) String() string {
	switch s {
	case WakeNone:
		return "cold-boot"
	case WakeRadio:
		return "radio"
	case WakePeer:
		return "peer"
	case WakeButton:
		return "button"
	case WakeTimer:
		return "timer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Polarity is the level a wake line must reach to fire.
type Polarity uint8

const (
	ActiveHigh Polarity = iota
	ActiveLow
)

func (p Polarity) String() string {
	if p == ActiveLow {
		return "low"
	}
	return "high"
}

// WakeTrigger describes one wake source.
//
// Shared triggers are routed through a single multiplexed wake line that can
// only be armed for one polarity at a time. Dedicated triggers have a line of
// their own and never conflict.
type WakeTrigger struct {
	Source   WakeSource
	Pin      int
	Polarity Polarity
	Shared   bool
	// After is the delay for WakeTimer triggers.
	After time.Duration
}

func (t WakeTrigger) String() string {
	if t.Source == WakeTimer {
		return fmt.Sprintf("timer(%s)", t.After)
	}
	line := "dedicated"
	if t.Shared {
		line = "shared"
	}
	return fmt.Sprintf("%s(pin %d, active %s, %s)", t.Source, t.Pin, t.Polarity, line)
}

// DefaultWakeTriggers is the reference board's wiring: the radio's receive
// interrupt and the second button share the multiplexed line with opposite
// polarities, the first button has a dedicated line, and peer activity is
// reported by the host stack.
var DefaultWakeTriggers = []WakeTrigger{
	{Source: WakeRadio, Pin: 32, Polarity: ActiveHigh, Shared: true},
	{Source: WakeButton, Pin: 0, Polarity: ActiveLow},
	{Source: WakeButton, Pin: 15, Polarity: ActiveLow, Shared: true},
	{Source: WakePeer},
}

// WakePolicy selects which source wins when shared triggers disagree on
// polarity. The radio's receive interrupt is never given up: when it sits on
// the shared line its polarity wins under every policy, and the policy only
// decides between the other shared sources.
type WakePolicy uint8

const (
	// PolicyRadioDominant arms the shared line for the radio's polarity.
	// Shared triggers with the other polarity are dropped.
	PolicyRadioDominant WakePolicy = iota
	// PolicyButtonDominant prefers the button's polarity on boards where the
	// radio has a dedicated line.
	PolicyButtonDominant
)

func (p WakePolicy) String() string {
	switch p {
	case PolicyRadioDominant:
		return "radio-dominant"
	case PolicyButtonDominant:
		return "button-dominant"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseWakePolicy parses the names returned by WakePolicy.String.
func ParseWakePolicy(s string) (WakePolicy, error) {
	switch s {
	case "", "radio-dominant", "radio":
		return PolicyRadioDominant, nil
	case "button-dominant", "button":
		return PolicyButtonDominant, nil
	default:
		return 0, fmt.Errorf("unknown wake policy %q", s)
	}
}

func (p WakePolicy) dominant() WakeSource {
	if p == PolicyButtonDominant {
		return WakeButton
	}
	return WakeRadio
}

// sharedPolarity picks the polarity the shared line is armed for: the
// radio's if it is on the line, then the policy's dominant source, then the
// first shared trigger.
func sharedPolarity(triggers []WakeTrigger, policy WakePolicy) (Polarity, bool) {
	for _, src := range []WakeSource{WakeRadio, policy.dominant()} {
		for _, t := range triggers {
			if t.Shared && t.Source == src {
				return t.Polarity, true
			}
		}
	}
	for _, t := range triggers {
		if t.Shared {
			return t.Polarity, true
		}
	}
	return 0, false
}

// ResolveTriggers splits triggers into those that can be armed together and
// those dropped because they conflict on the shared line. Radio triggers are
// always kept.
func ResolveTriggers(triggers []WakeTrigger, policy WakePolicy) (kept, dropped []WakeTrigger) {
	polarity, _ := sharedPolarity(triggers, policy)
	for _, t := range triggers {
		if t.Shared && t.Polarity != polarity && t.Source != WakeRadio {
			dropped = append(dropped, t)
			continue
		}
		kept = append(kept, t)
	}
	return kept, dropped
}

// ArmsRadio reports whether triggers include a radio trigger.
func ArmsRadio(triggers []WakeTrigger) bool {
	for _, t := range triggers {
		if t.Source == WakeRadio {
			return true
		}
	}
	return false
}
