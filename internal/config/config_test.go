package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/lorabridge/core/airtime"
)

func TestLoad_UsesDefaults_WhenNoFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "serial", cfg.Radio.Transport)
	assert.Equal(t, airtime.DefaultParams, cfg.Radio.Airtime())
	assert.Equal(t, 115200, cfg.Radio.Serial.BaudRate)
	assert.Equal(t, "ble", cfg.Peer.Transport)
	assert.Equal(t, "LoRaBridge", cfg.Peer.LocalName)
	assert.Equal(t, 5, cfg.Router.OutboundQueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Router.RetryDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Router.AckDelay)
	assert.Equal(t, 30*time.Second, cfg.Router.DedupeExpiry)
	assert.Equal(t, 2*time.Minute, cfg.Power.InactivityTimeout)
	assert.Equal(t, 10, cfg.Power.BufferCapacity)
	assert.Equal(t, "radio-dominant", cfg.Power.WakePolicy)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	yaml := `
radio:
  transport: mqtt
  spreading_factor: 7
  mqtt:
    broker: tcp://localhost:1883
    channel: test
peer:
  transport: websocket
  websocket:
    addr: ":9000"
power:
  inactivity_timeout: 30s
  wake_policy: button
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("LORABRIDGE_LOGGING_LEVEL", "debug")
	t.Setenv("LORABRIDGE_ROUTER_ACK_DELAY", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.Radio.Transport)
	assert.Equal(t, 7, cfg.Radio.SpreadingFactor)
	assert.Equal(t, 125000, cfg.Radio.BandwidthHz)
	assert.Equal(t, "tcp://localhost:1883", cfg.Radio.MQTT.Broker)
	assert.Equal(t, "test", cfg.Radio.MQTT.Channel)
	assert.Equal(t, "websocket", cfg.Peer.Transport)
	assert.Equal(t, ":9000", cfg.Peer.WebSocket.Addr)
	assert.Equal(t, "/peer", cfg.Peer.WebSocket.Path)
	assert.Equal(t, 30*time.Second, cfg.Power.InactivityTimeout)
	assert.Equal(t, "button", cfg.Power.WakePolicy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Router.AckDelay)
}

func TestLoad_MissingExplicitFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "serial", cfg.Radio.Transport)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("radio: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Radio: RadioConfig{
			Transport:       "serial",
			SpreadingFactor: 10,
			BandwidthHz:     125000,
			CodingRate:      5,
			PreambleLength:  8,
			Serial:          SerialConfig{Port: "/dev/ttyUSB0"},
		},
		Peer: PeerConfig{Transport: "ble"},
		Router: RouterConfig{
			OutboundQueueSize: 5,
			InboundQueueSize:  16,
			ForwardQueueSize:  10,
			DedupeWindow:      32,
		},
		Power:   PowerConfig{InactivityTimeout: time.Minute, BufferCapacity: 10},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown radio transport", func(c *Config) { c.Radio.Transport = "lora" }, false},
		{"serial without port", func(c *Config) { c.Radio.Serial.Port = "" }, false},
		{"mqtt without broker", func(c *Config) { c.Radio.Transport = "mqtt" }, false},
		{"bad spreading factor", func(c *Config) { c.Radio.SpreadingFactor = 13 }, false},
		{"duty cycle over one", func(c *Config) { c.Radio.DutyCycle = 1.5 }, false},
		{"duty cycle without window", func(c *Config) { c.Radio.DutyCycle = 0.01 }, false},
		{"unknown peer transport", func(c *Config) { c.Peer.Transport = "usb" }, false},
		{"websocket without addr", func(c *Config) { c.Peer.Transport = "websocket" }, false},
		{"negative dedupe expiry", func(c *Config) { c.Router.DedupeExpiry = -time.Second }, false},
		{"zero forward queue", func(c *Config) { c.Router.ForwardQueueSize = 0 }, false},
		{"zero buffer", func(c *Config) { c.Power.BufferCapacity = 0 }, false},
		{"zero inactivity", func(c *Config) { c.Power.InactivityTimeout = 0 }, false},
		{"bad wake policy", func(c *Config) { c.Power.WakePolicy = "both" }, false},
		{"storage without path", func(c *Config) { c.Storage.Enabled = true }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := validate(&cfg)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
