// Package serial provides a Radio backed by a LoRa modem on a serial port.
//
// The host and the modem exchange frames of the form
// [0xC03E][length][payload][Fletcher-16], where each payload is a
// codec.ModemFrame. The host sends ModemTx to transmit and ModemRxMode to
// return to continuous receive; the modem answers a transmission with
// ModemTxDone and reports every received burst as ModemRx.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/lorabridge/core/airtime"
	"github.com/kabili207/lorabridge/core/codec"
	"github.com/kabili207/lorabridge/transport"
	"go.bug.st/serial"
)

var _ transport.Radio = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for the modem link.
	DefaultBaudRate = 115200

	// DefaultTxMargin is added to the computed airtime when waiting for the
	// modem to confirm a transmission.
	DefaultTxMargin = 2 * time.Second

	// One read covers several max-size frames.
	readBufSize = 1024
)

// ErrNoPort is returned by Start when Config.Port is empty.
var ErrNoPort = errors.New("serial: port is required")

// Config holds the configuration for a serial modem radio.
type Config struct {
	// Port is the modem device, e.g. "/dev/ttyUSB0".
	Port string
	// BaudRate defaults to DefaultBaudRate.
	BaudRate int
	// Airtime are the modem's LoRa settings, used to bound Send.
	// Defaults to airtime.DefaultParams.
	Airtime airtime.Params
	// TxMargin is the slack allowed beyond the computed airtime.
	TxMargin time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transport implements transport.Radio over a serial modem.
type Transport struct {
	cfg       Config
	port      io.ReadWriteCloser
	log       *slog.Logger
	mu        sync.RWMutex
	sendMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	txDone    chan byte
	handler   transport.RadioHandler
	nowFn     func() time.Time
}

// New creates a new serial modem radio with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Airtime == (airtime.Params{}) {
		cfg.Airtime = airtime.DefaultParams
	}
	if cfg.TxMargin <= 0 {
		cfg.TxMargin = DefaultTxMargin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:    cfg,
		log:    cfg.Logger.WithGroup("serial"),
		txDone: make(chan byte, 1),
		nowFn:  time.Now,
	}
}

// Start opens the serial port, begins reading frames and puts the modem in
// receive mode.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return ErrNoPort
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", t.cfg.Port, err)
	}

	t.attach(ctx, port)
	t.log.Info("connected to modem", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	return t.EnterReceiveMode()
}

// attach starts the read loop on an open port.
func (t *Transport) attach(ctx context.Context, port io.ReadWriteCloser) {
	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)
}

// Stop closes the port and waits for the read loop to exit.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	if done != nil {
		<-done
	}

	return err
}

// IsConnected reports whether the modem port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetPacketHandler sets the callback for received radio packets.
func (t *Transport) SetPacketHandler(fn transport.RadioHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Send asks the modem to transmit data and waits for the modem's
// confirmation, at most the packet's airtime plus TxMargin.
func (t *Transport) Send(data []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	// Discard a confirmation left over from an abandoned send.
	select {
	case <-t.txDone:
	default:
	}

	if err := t.writeModemFrame(&codec.ModemFrame{Kind: codec.ModemTx, Data: data}); err != nil {
		return err
	}

	wait := airtime.TimeOnAir(t.cfg.Airtime, len(data)) + t.cfg.TxMargin
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case status := <-t.txDone:
		if status != 0 {
			return fmt.Errorf("%w: modem status %d", transport.ErrSendFailed, status)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no tx confirmation after %s", transport.ErrSendFailed, wait)
	}
}

// EnterReceiveMode asks the modem to return to continuous receive.
func (t *Transport) EnterReceiveMode() error {
	return t.writeModemFrame(&codec.ModemFrame{Kind: codec.ModemRxMode})
}

func (t *Transport) writeModemFrame(f *codec.ModemFrame) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return transport.ErrNotConnected
	}

	payload, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	frame, err := codec.EncodeFrame(payload)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	if _, err := port.Write(frame); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context, port io.Reader) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames dispatches every complete modem frame in data and returns
// the unconsumed tail.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		payload, remaining, err := codec.DecodeFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data
			}
			// Resync on the next magic.
			if idx := codec.FindFrameStart(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			// Keep a trailing magic byte that may start the next frame.
			if data[len(data)-1] == byte(codec.FrameMagic>>8) {
				return data[len(data)-1:]
			}
			return nil
		}

		data = remaining

		var f codec.ModemFrame
		if err := f.UnmarshalBinary(payload); err != nil {
			t.log.Debug("failed to parse modem frame", "error", err)
			continue
		}
		t.dispatch(&f)
	}

	return data
}

func (t *Transport) dispatch(f *codec.ModemFrame) {
	switch f.Kind {
	case codec.ModemRx:
		t.mu.RLock()
		handler := t.handler
		t.mu.RUnlock()

		if handler != nil {
			handler(transport.RadioPacket{
				Data:       f.Data,
				RSSI:       f.RSSI,
				SNR:        f.SNRdB(),
				ReceivedAt: t.nowFn(),
				Source:     transport.PacketSourceSerial,
			})
		}
	case codec.ModemTxDone:
		var status byte
		if len(f.Data) > 0 {
			status = f.Data[0]
		}
		select {
		case t.txDone <- status:
		default:
		}
	default:
		t.log.Debug("ignoring modem frame", "kind", f.Kind)
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		t.log.Warn("modem disconnected", "error", err)
		return
	}
	t.log.Error("serial read error", "error", err)
}
