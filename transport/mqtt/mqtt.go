// Package mqtt provides a Radio that uses an MQTT broker as shared "air".
//
// Every bridge attached to the same broker and channel hears every other
// bridge's transmissions, which makes it possible to exercise the bridge
// end to end without radio hardware. Packets are published to
// "{prefix}/{channel}" as "{sender}:{base64 packet}"; a bridge ignores its
// own transmissions. Send holds the caller for the packet's computed time on
// air so that timing matches a real radio.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/lorabridge/core/airtime"
	"github.com/kabili207/lorabridge/transport"
)

var _ transport.Radio = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "lorabridge"

	// DefaultRSSI and DefaultSNR are reported for every received packet.
	DefaultRSSI int16   = -80
	DefaultSNR  float32 = 8

	connectTimeout      = 30 * time.Second
	publishTimeout      = 10 * time.Second
	retryInterval       = 5 * time.Second
	maxRetryInterval    = 2 * time.Minute
	keepAlive           = 60 * time.Second
	disconnectQuiesceMs = 1000
)

var (
	ErrNoBroker  = errors.New("mqtt: broker URL is required")
	ErrNoChannel = errors.New("mqtt: channel is required")
)

// Config holds the configuration for an MQTT radio.
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	Username string
	Password string
	UseTLS   bool
	// ClientID identifies this bridge on the broker and tags its own
	// publishes so echoes are ignored. Generated when empty.
	ClientID string
	// TopicPrefix defaults to DefaultTopicPrefix.
	TopicPrefix string
	// Channel names the shared air, e.g. "433.92". All bridges on the same
	// "{TopicPrefix}/{Channel}" topic hear each other.
	Channel string
	// Airtime defaults to airtime.DefaultParams.
	Airtime airtime.Params
	// RSSI and SNR are reported for received packets.
	RSSI int16
	SNR  float32
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Transport implements transport.Radio over MQTT.
type Transport struct {
	cfg       Config
	client    paho.Client
	log       *slog.Logger
	mu        sync.RWMutex
	connected bool
	handler   transport.RadioHandler
	sleepFn   func(time.Duration)
	nowFn     func() time.Time
}

// New returns an MQTT radio. Start must be called before Send.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("lorabridge-%08x", rand.Uint32())
	}
	if cfg.Airtime == (airtime.Params{}) {
		cfg.Airtime = airtime.DefaultParams
	}
	if cfg.RSSI == 0 {
		cfg.RSSI = DefaultRSSI
	}
	if cfg.SNR == 0 {
		cfg.SNR = DefaultSNR
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg:     cfg,
		log:     cfg.Logger.WithGroup("mqtt"),
		sleepFn: time.Sleep,
		nowFn:   time.Now,
	}
}

func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	opts.SetUsername(t.cfg.Username)
	opts.SetPassword(t.cfg.Password)
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// The radio must survive broker restarts without the bridge noticing
	// anything but a few failed sends.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retryInterval)
	opts.SetMaxReconnectInterval(maxRetryInterval)
	opts.SetKeepAlive(keepAlive)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(paho.Client) {
		t.setConnected(true)
		t.subscribe()
		t.log.Info("joined channel", "broker", t.cfg.Broker, "topic", t.topic())
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		t.setConnected(false)
		t.log.Warn("lost broker, radio offline", "error", err)
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		t.log.Debug("reconnecting", "broker", t.cfg.Broker)
	})
	return opts
}

// Start connects to the broker and subscribes to the channel. It returns
// once the first connection succeeds, ctx is done, or connectTimeout passes.
func (t *Transport) Start(ctx context.Context) error {
	switch {
	case t.cfg.Broker == "":
		return ErrNoBroker
	case t.cfg.Channel == "":
		return ErrNoChannel
	}

	client := paho.NewClient(t.clientOptions())
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt: connect %s: %w", t.cfg.Broker, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mqtt: connect %s: timed out after %s", t.cfg.Broker, connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects from the broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.connected = false
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

func (t *Transport) setConnected(up bool) {
	t.mu.Lock()
	t.connected = up
	t.mu.Unlock()
}

// SetPacketHandler sets the callback for received packets.
func (t *Transport) SetPacketHandler(fn transport.RadioHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Send publishes data to the channel and then blocks for its time on air.
func (t *Transport) Send(data []byte) error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}

	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	token := client.Publish(t.topic(), 0, false, t.encode(data))
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: publish timed out", transport.ErrSendFailed)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}

	t.sleepFn(airtime.TimeOnAir(t.cfg.Airtime, len(data)))
	return nil
}

// EnterReceiveMode is a no-op: the subscription is always listening.
func (t *Transport) EnterReceiveMode() error {
	if !t.IsConnected() {
		return transport.ErrNotConnected
	}
	return nil
}

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.Channel
}

func (t *Transport) encode(data []byte) string {
	return t.cfg.ClientID + ":" + base64.StdEncoding.EncodeToString(data)
}

// decode splits a published payload into sender and packet bytes.
func decode(payload []byte) (sender string, data []byte, err error) {
	sender, encoded, ok := strings.Cut(string(payload), ":")
	if !ok {
		return "", nil, errors.New("missing sender tag")
	}
	data, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return sender, data, nil
}

func (t *Transport) subscribe() {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return
	}
	client.Subscribe(t.topic(), 0, func(_ paho.Client, m paho.Message) {
		t.receive(m.Payload())
	})
}

func (t *Transport) receive(payload []byte) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return
	}

	sender, data, err := decode(payload)
	if err != nil {
		t.log.Debug("dropping malformed publish", "error", err)
		return
	}
	if sender == t.cfg.ClientID {
		return
	}

	handler(transport.RadioPacket{
		Data:       data,
		RSSI:       t.cfg.RSSI,
		SNR:        t.cfg.SNR,
		ReceivedAt: t.nowFn(),
		Source:     transport.PacketSourceMQTT,
	})
}
