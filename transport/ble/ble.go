// Package ble provides the short-range Peer as a BLE GATT peripheral.
//
// The bridge advertises a service with two characteristics: the peer
// subscribes to TX for notifications carrying messages from the radio, and
// writes messages for the radio to RX. Only one central is served at a time.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kabili207/lorabridge/transport"
	"tinygo.org/x/bluetooth"
)

// Compile-time interface check.
var _ transport.Peer = (*Transport)(nil)

const (
	// DefaultLocalName is the advertised device name.
	DefaultLocalName = "LoRaBridge"

	ServiceUUID uint16 = 0x1234
	TXCharUUID  uint16 = 0x5678 // notify, bridge -> peer
	RXCharUUID  uint16 = 0x5679 // write, peer -> bridge
)

// Config holds the configuration for a BLE peer transport.
type Config struct {
	// LocalName is the advertised name. Defaults to "LoRaBridge".
	LocalName string
	// Adapter is the BLE adapter. Defaults to bluetooth.DefaultAdapter.
	Adapter *bluetooth.Adapter
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// notifier sends a notification on the TX characteristic.
type notifier interface {
	Write(p []byte) (int, error)
}

// Transport implements transport.Peer over BLE.
type Transport struct {
	cfg          Config
	log          *slog.Logger
	adv          *bluetooth.Advertisement
	tx           notifier
	mu           sync.RWMutex
	connected    bool
	writeHandler transport.WriteHandler
	stateHandler transport.StateHandler
}

// New creates a new BLE peer transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.LocalName == "" {
		cfg.LocalName = DefaultLocalName
	}
	if cfg.Adapter == nil {
		cfg.Adapter = bluetooth.DefaultAdapter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("ble"),
	}
}

// Start enables the adapter, registers the GATT service and begins
// advertising.
func (t *Transport) Start(_ context.Context) error {
	adapter := t.cfg.Adapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling BLE adapter: %w", err)
	}

	adapter.SetConnectHandler(func(_ bluetooth.Device, connected bool) {
		t.setConnected(connected)
	})

	var txChar bluetooth.Characteristic
	err := adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.New16BitUUID(ServiceUUID),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &txChar,
				UUID:   bluetooth.New16BitUUID(TXCharUUID),
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  bluetooth.New16BitUUID(RXCharUUID),
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					t.handleWrite(value)
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("adding GATT service: %w", err)
	}

	t.mu.Lock()
	t.tx = &txChar
	t.mu.Unlock()

	adv := adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    t.cfg.LocalName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.New16BitUUID(ServiceUUID)},
	}); err != nil {
		return fmt.Errorf("configuring advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("starting advertisement: %w", err)
	}
	t.adv = adv

	t.log.Info("advertising", "name", t.cfg.LocalName)
	return nil
}

// Stop stops advertising. A connected peer is reported as disconnected.
func (t *Transport) Stop() error {
	var err error
	if t.adv != nil {
		err = t.adv.Stop()
	}
	t.setConnected(false)
	return err
}

// IsConnected reports whether a central is connected.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetWriteHandler sets the callback for RX characteristic writes.
func (t *Transport) SetWriteHandler(fn transport.WriteHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeHandler = fn
}

// SetStateHandler sets the callback for connection changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// Send notifies the connected central on the TX characteristic.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	tx := t.tx
	connected := t.connected
	t.mu.RUnlock()

	if !connected || tx == nil {
		return transport.ErrNotConnected
	}
	if _, err := tx.Write(data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

func (t *Transport) setConnected(connected bool) {
	t.mu.Lock()
	changed := t.connected != connected
	t.connected = connected
	handler := t.stateHandler
	t.mu.Unlock()

	if !changed {
		return
	}

	event := transport.EventDisconnected
	if connected {
		event = transport.EventConnected
	}
	t.log.Info("peer "+event.String())

	if handler != nil {
		handler(event)
	}
}

func (t *Transport) handleWrite(value []byte) {
	if len(value) == 0 {
		return
	}

	t.mu.RLock()
	handler := t.writeHandler
	t.mu.RUnlock()

	if handler == nil {
		return
	}
	// The stack may reuse value after the callback returns.
	data := make([]byte, len(value))
	copy(data, value)
	handler(data)
}
