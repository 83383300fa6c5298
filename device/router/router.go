// Package router moves messages between the short-range peer and the radio.
//
// The Router owns three paths:
//   - Outbound: peer writes are validated, re-encoded and transmitted on the
//     radio, with one retry after a short delay. The radio is always put back
//     into receive mode afterwards.
//   - Inbound: radio packets are decoded, deduplicated and acknowledged
//     automatically, then handed to the peer or parked in the offline buffer.
//   - Delivery: buffered messages are forwarded to the peer in arrival order
//     before anything newer.
//
// Transport handlers only enqueue. All protocol work runs in Step, which is
// driven by Run or by the bridge loop. The offline buffer is only touched
// from that loop.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/lorabridge/core/ack"
	"github.com/kabili207/lorabridge/core/airtime"
	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/core/codec"
	"github.com/kabili207/lorabridge/core/dedupe"
	"github.com/kabili207/lorabridge/device/buffer"
	"github.com/kabili207/lorabridge/device/power"
	"github.com/kabili207/lorabridge/transport"
)

const (
	DefaultOutboundQueueSize = 5
	DefaultInboundQueueSize  = 16
	DefaultForwardQueueSize  = 10

	// DefaultRetryDelay is the pause before the single radio retry.
	DefaultRetryDelay = 250 * time.Millisecond
	// DefaultAckDelay is how long an automatic Ack waits before it is sent,
	// giving the remote sender time to switch back to receive.
	DefaultAckDelay = 300 * time.Millisecond
	// DefaultPollInterval is the Run loop's idle wait.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultDutyCycleBackoff is how long a Text is held back when the
	// duty-cycle budget is exhausted and enforcement is on.
	DefaultDutyCycleBackoff = time.Second
)

// Journal directions. DirectionRadioFailed marks a message the radio could
// not send after the retry.
const (
	DirectionToRadio     = "to-radio"
	DirectionFromRadio   = "from-radio"
	DirectionToPeer      = "to-peer"
	DirectionRadioFailed = "radio-failed"
)

var (
	ErrNoRadio  = errors.New("router: radio is required")
	ErrNoPeer   = errors.New("router: peer is required")
	ErrNoBuffer = errors.New("router: buffer is required")
)

// Activity receives a mark every time the router does useful work.
// Implemented by *power.Manager.
type Activity interface {
	RecordActivity()
}

// Waker is notified from transport handlers so a suspended bridge wakes up.
// Implemented by *power.SignalPlatform.
type Waker interface {
	Signal(src power.WakeSource)
}

// Journal records traffic. Implemented by the sqlite journal.
type Journal interface {
	Record(direction string, msg codec.Message) error
}

// SendFailureHandler is called when a message could not be transmitted on
// the radio after the retry.
type SendFailureHandler func(msg codec.Message, err error)

// Config configures a Router.
type Config struct {
	// Radio is the long-range link. Required.
	Radio transport.Radio
	// Peer is the short-range link. Required.
	Peer transport.Peer
	// Buffer holds messages for the peer while it is away. Required.
	Buffer *buffer.Buffer

	// Activity is marked after each step that did work. May be nil.
	Activity Activity
	// Waker is signalled from transport handlers. May be nil.
	Waker Waker
	// Journal records traffic. May be nil.
	Journal Journal

	OutboundQueueSize int
	InboundQueueSize  int
	ForwardQueueSize  int

	RetryDelay time.Duration
	AckDelay   time.Duration
	// AckTimeout is how long a sent Text waits for its Ack. Default: 30s.
	AckTimeout time.Duration
	// DedupeWindow is the number of recent Texts remembered. Default: 32.
	DedupeWindow int
	// DedupeExpiry is how long a received Text suppresses its copies.
	// Default: AckTimeout.
	DedupeExpiry time.Duration
	PollInterval time.Duration

	// Airtime describes the radio modulation. Zero uses airtime.DefaultParams.
	Airtime airtime.Params
	// DutyCycle tracks transmit time. May be nil.
	DutyCycle *airtime.DutyCycle
	// EnforceDutyCycle holds Texts back while the budget is exhausted.
	// Acks are always sent. Without it the router only warns.
	EnforceDutyCycle bool

	// OnSendFailure is called when a radio send fails after the retry.
	OnSendFailure SendFailureHandler

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Router bridges the peer and the radio.
type Router struct {
	cfg     Config
	log     *slog.Logger
	clock   clock.Clock
	buf     *buffer.Buffer
	dedup   *dedupe.Deduplicator
	tracker *ack.Tracker
	queue   *SendQueue

	outbound chan []byte
	inbound  chan transport.RadioPacket
	forward  []codec.Message

	// Counters tracks routing statistics.
	Counters RouterCounters

	peerEvent atomic.Bool
	sleepFn   func(ctx context.Context, d time.Duration) error

	// deliveryBlocked is set when the peer refused the last delivery and
	// cleared on the next success or when the peer goes away. Loop-owned.
	deliveryBlocked bool

	runMu sync.Mutex
}

// New creates a Router and installs its handlers on the radio and the peer.
func New(cfg Config) (*Router, error) {
	switch {
	case cfg.Radio == nil:
		return nil, ErrNoRadio
	case cfg.Peer == nil:
		return nil, ErrNoPeer
	case cfg.Buffer == nil:
		return nil, ErrNoBuffer
	}

	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.InboundQueueSize <= 0 {
		cfg.InboundQueueSize = DefaultInboundQueueSize
	}
	if cfg.ForwardQueueSize <= 0 {
		cfg.ForwardQueueSize = DefaultForwardQueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.AckDelay <= 0 {
		cfg.AckDelay = DefaultAckDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Airtime == (airtime.Params{}) {
		cfg.Airtime = airtime.DefaultParams
	}
	if err := cfg.Airtime.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = ack.DefaultACKTimeout
	}
	if cfg.DedupeExpiry <= 0 {
		cfg.DedupeExpiry = cfg.AckTimeout
	}
	dedup := dedupe.NewWithConfig(dedupe.Config{
		MaxHashes: cfg.DedupeWindow,
		Expiry:    cfg.DedupeExpiry,
		Clock:     cfg.Clock,
	})

	r := &Router{
		cfg:   cfg,
		log:   logger.WithGroup("router"),
		clock: clock.OrSystem(cfg.Clock),
		buf:   cfg.Buffer,
		dedup: dedup,
		tracker: ack.NewTracker(ack.TrackerConfig{
			ACKTimeout: cfg.AckTimeout,
			Clock:      cfg.Clock,
			Logger:     logger,
		}),
		queue:    NewSendQueue(cfg.Clock),
		outbound: make(chan []byte, cfg.OutboundQueueSize),
		inbound:  make(chan transport.RadioPacket, cfg.InboundQueueSize),
		forward:  make([]codec.Message, 0, cfg.ForwardQueueSize),
		sleepFn:  sleepContext,
	}

	cfg.Radio.SetPacketHandler(r.handleRadioPacket)
	cfg.Peer.SetWriteHandler(r.handlePeerWrite)
	cfg.Peer.SetStateHandler(r.handlePeerState)
	return r, nil
}

// handlePeerWrite runs on the peer's goroutine.
func (r *Router) handlePeerWrite(data []byte) {
	payload := make([]byte, len(data))
	copy(payload, data)

	select {
	case r.outbound <- payload:
		r.Counters.PeerWrites.Add(1)
	default:
		r.Counters.QueueDrops.Add(1)
		r.log.Warn("outbound queue full, dropping peer write", "len", len(data))
	}
	r.signal(power.WakePeer)
}

// handleRadioPacket runs on the radio's goroutine.
func (r *Router) handleRadioPacket(pkt transport.RadioPacket) {
	data := make([]byte, len(pkt.Data))
	copy(data, pkt.Data)
	pkt.Data = data

	select {
	case r.inbound <- pkt:
		r.Counters.RadioRecv.Add(1)
	default:
		r.Counters.QueueDrops.Add(1)
		r.log.Warn("inbound queue full, dropping radio packet", "len", len(data), "rssi", pkt.RSSI)
	}
	r.signal(power.WakeRadio)
}

func (r *Router) handlePeerState(event transport.Event) {
	r.log.Debug("peer state changed", "event", event)
	r.peerEvent.Store(true)
	r.signal(power.WakePeer)
}

func (r *Router) signal(src power.WakeSource) {
	if r.cfg.Waker != nil {
		r.cfg.Waker.Signal(src)
	}
}

// Run steps the router until ctx is done, waiting PollInterval whenever a
// step finds nothing to do.
func (r *Router) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Step(ctx) {
			continue
		}
		if err := r.sleepFn(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Step runs one iteration of the outbound, inbound and delivery paths and
// reports whether any of them did work.
func (r *Router) Step(ctx context.Context) bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	worked := r.peerEvent.Swap(false)

	if r.stepOutbound(ctx) {
		worked = true
	}
	if r.stepInbound() {
		worked = true
	}
	if r.stepDelivery() {
		worked = true
	}
	if n := r.tracker.CheckTimeouts(); n > 0 {
		r.Counters.AckTimeouts.Add(uint32(n))
	}

	if worked && r.cfg.Activity != nil {
		r.cfg.Activity.RecordActivity()
	}
	return worked
}

func (r *Router) stepOutbound(ctx context.Context) bool {
	// Deferred messages first so an Ack is not starved by a chatty peer.
	if msg := r.queue.Pop(); msg != nil {
		r.transmit(ctx, msg)
		return true
	}

	var payload []byte
	select {
	case payload = <-r.outbound:
	default:
		return false
	}

	msg, err := codec.Decode(payload)
	if err != nil {
		r.Counters.Malformed.Add(1)
		r.log.Warn("dropping malformed peer write", "len", len(payload), "error", err)
		return true
	}
	r.transmit(ctx, msg)
	return true
}

// transmit sends msg on the radio with one retry. The radio is returned to
// receive mode whatever the outcome.
func (r *Router) transmit(ctx context.Context, msg codec.Message) {
	data, err := codec.Encode(msg)
	if err != nil {
		r.Counters.Malformed.Add(1)
		r.log.Warn("cannot encode outbound message", "msg", codec.Describe(msg), "error", err)
		return
	}

	toa := airtime.TimeOnAir(r.cfg.Airtime, len(data))
	if dc := r.cfg.DutyCycle; dc != nil && !dc.Allowed(toa) {
		if _, isText := msg.(*codec.Text); isText && r.cfg.EnforceDutyCycle {
			r.log.Info("duty cycle budget exhausted, deferring", "msg", codec.Describe(msg), "used", dc.Used())
			r.queue.Push(msg, PriorityText, DefaultDutyCycleBackoff)
			return
		}
		r.log.Warn("duty cycle budget exceeded", "used", dc.Used(), "budget", dc.Budget(), "airtime", toa)
	}

	err = r.cfg.Radio.Send(data)
	if err != nil {
		r.log.Debug("radio send failed, retrying", "msg", codec.Describe(msg), "error", err)
		if serr := r.sleepFn(ctx, r.cfg.RetryDelay); serr == nil {
			err = r.cfg.Radio.Send(data)
		}
	}

	if rxErr := r.cfg.Radio.EnterReceiveMode(); rxErr != nil {
		r.log.Warn("failed to re-enter receive mode", "error", rxErr)
	}

	if err != nil {
		r.Counters.SendFailures.Add(1)
		r.log.Warn("radio send failed", "msg", codec.Describe(msg), "error", err)
		r.journal(DirectionRadioFailed, msg)
		if r.cfg.OnSendFailure != nil {
			r.cfg.OnSendFailure(msg, err)
		}
		return
	}

	r.Counters.RadioSent.Add(1)
	if r.cfg.DutyCycle != nil {
		r.cfg.DutyCycle.Record(toa)
	}
	r.journal(DirectionToRadio, msg)
	r.log.Debug("sent on radio", "msg", codec.Describe(msg), "airtime", toa)

	if text, ok := msg.(*codec.Text); ok {
		seq := text.Seq
		r.tracker.Track(seq, ack.PendingACK{
			OnACK: func() { r.Counters.AcksResolved.Add(1) },
		})
	}
}

func (r *Router) stepInbound() bool {
	var pkt transport.RadioPacket
	select {
	case pkt = <-r.inbound:
	default:
		return false
	}

	msg, err := codec.Decode(pkt.Data)
	if err != nil {
		r.Counters.Malformed.Add(1)
		r.log.Debug("dropping malformed radio packet", "len", len(pkt.Data), "rssi", pkt.RSSI, "error", err)
		return true
	}
	r.log.Debug("received from radio", "msg", codec.Describe(msg), "rssi", pkt.RSSI, "snr", pkt.SNR)

	switch m := msg.(type) {
	case *codec.Text:
		// Ack every copy; the sender may have missed our first Ack.
		r.queue.Push(&codec.Ack{Seq: m.Seq}, PriorityAck, r.cfg.AckDelay)
		if r.dedup.HasSeen(m) {
			r.Counters.Duplicates.Add(1)
			r.log.Debug("duplicate text suppressed", "seq", m.Seq)
			return true
		}
	case *codec.Ack:
		if !r.tracker.Resolve(m.Seq) {
			r.log.Debug("ack for unknown sequence", "seq", m.Seq)
		}
	}

	r.journal(DirectionFromRadio, msg)
	r.deliverOrBuffer(msg)
	return true
}

// deliverOrBuffer queues msg for the peer, or stores it in the offline
// buffer if the peer is away or the forward queue is full. The forward
// queue is spilled first so arrival order is kept.
func (r *Router) deliverOrBuffer(msg codec.Message) {
	if r.cfg.Peer.IsConnected() && len(r.forward) < r.cfg.ForwardQueueSize {
		r.forward = append(r.forward, msg)
		return
	}
	r.Flush()
	r.store(msg)
}

func (r *Router) store(msg codec.Message) {
	if r.buf.Push(msg) {
		r.Counters.Evicted.Add(1)
		r.log.Warn("offline buffer full, oldest message evicted", "capacity", r.buf.Cap())
	}
	r.Counters.Buffered.Add(1)
}

// stepDelivery forwards one message to the peer. A failed Send is not
// work: the message stays at the head of its queue and is retried on the
// next poll without marking activity.
func (r *Router) stepDelivery() bool {
	if !r.cfg.Peer.IsConnected() {
		r.deliveryBlocked = false
		if len(r.forward) > 0 {
			r.Flush()
			return true
		}
		return false
	}

	if msg, ok := r.buf.Peek(); ok {
		if !r.sendToPeer(msg) {
			return false
		}
		r.buf.Pop()
		return true
	}

	if len(r.forward) > 0 {
		if !r.sendToPeer(r.forward[0]) {
			return false
		}
		r.forward[0] = nil
		r.forward = r.forward[1:]
		return true
	}
	return false
}

// sendToPeer reports whether msg was delivered. A failed delivery leaves the
// message at the head of its queue for the next step.
func (r *Router) sendToPeer(msg codec.Message) bool {
	data, err := codec.Encode(msg)
	if err != nil {
		// Cannot happen for decoded messages; drop rather than wedge the queue.
		r.log.Error("cannot encode message for peer", "msg", codec.Describe(msg), "error", err)
		return true
	}
	if err := r.cfg.Peer.Send(data); err != nil {
		if !r.deliveryBlocked {
			r.log.Warn("peer delivery failed, holding messages", "msg", codec.Describe(msg), "error", err)
		}
		r.deliveryBlocked = true
		r.Counters.DeliveryFailures.Add(1)
		return false
	}
	r.deliveryBlocked = false
	r.Counters.Delivered.Add(1)
	r.journal(DirectionToPeer, msg)
	return true
}

func (r *Router) journal(direction string, msg codec.Message) {
	if r.cfg.Journal == nil {
		return
	}
	if err := r.cfg.Journal.Record(direction, msg); err != nil {
		r.log.Warn("journal write failed", "error", err)
	}
}

// Flush moves every message waiting for the peer into the offline buffer.
// Called before suspension and whenever the peer goes away.
func (r *Router) Flush() {
	for i, msg := range r.forward {
		r.store(msg)
		r.forward[i] = nil
	}
	r.forward = r.forward[:0]
}

// Idle reports whether the router has no pending work: nothing queued in
// either direction, no deferred Ack waiting, and nothing buffered for a
// connected peer. Messages the peer has just refused do not count as
// pending; suspension flushes them into the buffer.
func (r *Router) Idle() bool {
	if len(r.outbound) > 0 || len(r.inbound) > 0 {
		return false
	}
	if r.queue.Len() > 0 {
		return false
	}
	if r.peerEvent.Load() {
		return false
	}
	if r.deliveryBlocked {
		return true
	}
	return len(r.forward) == 0 && !(r.cfg.Peer.IsConnected() && !r.buf.IsEmpty())
}

// PendingAcks returns the number of sent Texts awaiting an Ack.
func (r *Router) PendingAcks() int {
	return r.tracker.PendingCount()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
