// Package airtime estimates LoRa time-on-air and keeps a rolling record of
// transmit time for duty-cycle accounting.
package airtime

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
)

// Params describes the LoRa modulation settings that determine airtime.
type Params struct {
	SpreadingFactor int // 6-12
	BandwidthHz     int // e.g. 125000
	CodingRate      int // denominator of 4/x, 5-8
	PreambleLength  int // programmed preamble symbols, usually 8
	ImplicitHeader  bool
	CRC             bool
}

// DefaultParams matches the bridge radio: SF10, 125 kHz, 4/5, CRC on.
var DefaultParams = Params{
	SpreadingFactor: 10,
	BandwidthHz:     125000,
	CodingRate:      5,
	PreambleLength:  8,
	CRC:             true,
}

var ErrInvalidParams = errors.New("invalid lora parameters")

// Validate checks that p is a usable modulation.
func (p Params) Validate() error {
	if p.SpreadingFactor < 6 || p.SpreadingFactor > 12 {
		return fmt.Errorf("%w: spreading factor %d", ErrInvalidParams, p.SpreadingFactor)
	}
	if p.BandwidthHz <= 0 {
		return fmt.Errorf("%w: bandwidth %d", ErrInvalidParams, p.BandwidthHz)
	}
	if p.CodingRate < 5 || p.CodingRate > 8 {
		return fmt.Errorf("%w: coding rate 4/%d", ErrInvalidParams, p.CodingRate)
	}
	if p.PreambleLength < 0 {
		return fmt.Errorf("%w: preamble %d", ErrInvalidParams, p.PreambleLength)
	}
	return nil
}

// SymbolTime returns the duration of one LoRa symbol.
func (p Params) SymbolTime() time.Duration {
	return time.Duration(float64(int(1)<<p.SpreadingFactor) / float64(p.BandwidthHz) * float64(time.Second))
}

// lowDataRate reports whether low data rate optimization applies. Radios
// enable it when the symbol time reaches 16 ms.
func (p Params) lowDataRate() bool {
	return p.SymbolTime() >= 16*time.Millisecond
}

// TimeOnAir returns the airtime of a payloadLen-byte packet using the
// Semtech SX127x formula. Invalid params return 0.
func TimeOnAir(p Params, payloadLen int) time.Duration {
	if p.Validate() != nil {
		return 0
	}

	tSym := float64(int(1)<<p.SpreadingFactor) / float64(p.BandwidthHz)
	tPreamble := (float64(p.PreambleLength) + 4.25) * tSym

	var crc, ih, de float64
	if p.CRC {
		crc = 1
	}
	if p.ImplicitHeader {
		ih = 1
	}
	if p.lowDataRate() {
		de = 1
	}
	sf := float64(p.SpreadingFactor)
	num := 8*float64(payloadLen) - 4*sf + 28 + 16*crc - 20*ih
	den := 4 * (sf - 2*de)
	symbols := 8 + math.Max(math.Ceil(num/den)*float64(p.CodingRate), 0)

	return time.Duration((tPreamble + symbols*tSym) * float64(time.Second))
}

type record struct {
	at  time.Time
	dur time.Duration
}

// DutyCycle tracks transmit time over a sliding window against a budget of
// Limit * Window.
type DutyCycle struct {
	window time.Duration
	limit  float64
	clock  clock.Clock

	mu      sync.Mutex
	records []record
}

// NewDutyCycle creates a tracker allowing limit (0-1] of window to be spent
// transmitting. A nil clock uses the system clock.
func NewDutyCycle(window time.Duration, limit float64, clk clock.Clock) *DutyCycle {
	if window <= 0 {
		window = time.Hour
	}
	if limit <= 0 || limit > 1 {
		limit = 1
	}
	return &DutyCycle{window: window, limit: limit, clock: clock.OrSystem(clk)}
}

// Budget returns the transmit time allowed per window.
func (d *DutyCycle) Budget() time.Duration {
	return time.Duration(float64(d.window) * d.limit)
}

// Record adds a transmission of length dur ending now.
func (d *DutyCycle) Record(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, record{at: d.clock.Now(), dur: dur})
}

// Used returns the transmit time spent within the current window.
func (d *DutyCycle) Used() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedLocked()
}

// Allowed reports whether a transmission of length dur fits in the
// remaining budget.
func (d *DutyCycle) Allowed(dur time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.usedLocked()+dur <= d.Budget()
}

func (d *DutyCycle) usedLocked() time.Duration {
	cutoff := d.clock.Now().Add(-d.window)
	i := 0
	for i < len(d.records) && !d.records[i].at.After(cutoff) {
		i++
	}
	d.records = d.records[i:]

	var total time.Duration
	for _, r := range d.records {
		total += r.dur
	}
	return total
}
