// Package transport defines the two links the bridge connects: a long-range
// Radio and a short-range Peer. Implementations live in subpackages.
//
// Handlers registered on a transport are called from the transport's own
// goroutine (the equivalent of an interrupt context). They must only copy
// the data and enqueue it; all protocol work happens in the router loop.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned by Send when no peer or radio link is up.
	ErrNotConnected = errors.New("transport not connected")
	// ErrSendFailed is wrapped by transports when a transmission fails.
	ErrSendFailed = errors.New("send failed")
)

// RadioPacket is one received radio burst with its signal metadata.
type RadioPacket struct {
	Data       []byte
	RSSI       int16   // dBm
	SNR        float32 // dB
	ReceivedAt time.Time
	Source     PacketSource
}

// RadioHandler is called for every received radio packet.
type RadioHandler func(pkt RadioPacket)

// Radio is the long-range, low-bandwidth link.
type Radio interface {
	// Start opens the radio. The context controls the radio's lifetime.
	Start(ctx context.Context) error
	// Stop shuts the radio down.
	Stop() error
	// Send transmits data and blocks for the packet's time on air.
	Send(data []byte) error
	// EnterReceiveMode re-arms continuous receive. It must be called after
	// every Send and after every resume from suspension.
	EnterReceiveMode() error
	// SetPacketHandler sets the callback for received packets.
	SetPacketHandler(fn RadioHandler)
}

// WriteHandler is called with each payload the peer writes.
type WriteHandler func(data []byte)

// StateHandler is called when the transport state changes.
type StateHandler func(event Event)

// Peer is the short-range link to at most one connected client (a phone).
type Peer interface {
	// Start begins accepting a peer. The context controls its lifetime.
	Start(ctx context.Context) error
	// Stop disconnects any peer and shuts the transport down.
	Stop() error
	// IsConnected reports whether a peer is currently connected.
	IsConnected() bool
	// Send delivers data to the connected peer. It returns ErrNotConnected
	// if there is none.
	Send(data []byte) error
	// SetWriteHandler sets the callback for peer writes.
	SetWriteHandler(fn WriteHandler)
	// SetStateHandler sets the callback for connection changes.
	SetStateHandler(fn StateHandler)
}

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// PacketSource indicates which radio implementation produced a packet.
type PacketSource int

const (
	// PacketSourceSerial indicates a UART-attached modem.
	PacketSourceSerial PacketSource = iota
	// PacketSourceMQTT indicates the MQTT virtual air.
	PacketSourceMQTT
	// PacketSourceLocal indicates an in-process source such as a test.
	PacketSourceLocal
)

func (s PacketSource) String() string {
	switch s {
	case PacketSourceMQTT:
		return "mqtt"
	case PacketSourceSerial:
		return "serial"
	case PacketSourceLocal:
		return "local"
	default:
		return "unknown"
	}
}
