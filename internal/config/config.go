// Package config loads the bridge configuration from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kabili207/lorabridge/core/airtime"
)

// EnvPrefix prefixes environment overrides, e.g. LORABRIDGE_RADIO_TRANSPORT.
const EnvPrefix = "LORABRIDGE"

// Config represents the application configuration.
type Config struct {
	Radio   RadioConfig   `mapstructure:"radio"`
	Peer    PeerConfig    `mapstructure:"peer"`
	Router  RouterConfig  `mapstructure:"router"`
	Power   PowerConfig   `mapstructure:"power"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RadioConfig selects and configures the long-range link.
type RadioConfig struct {
	Transport        string        `mapstructure:"transport"` // "serial" or "mqtt"
	SpreadingFactor  int           `mapstructure:"spreading_factor"`
	BandwidthHz      int           `mapstructure:"bandwidth_hz"`
	CodingRate       int           `mapstructure:"coding_rate"` // denominator of 4/x
	PreambleLength   int           `mapstructure:"preamble_length"`
	CRC              bool          `mapstructure:"crc"`
	DutyCycle        float64       `mapstructure:"duty_cycle"` // fraction of the window, 0 disables tracking
	DutyCycleWindow  time.Duration `mapstructure:"duty_cycle_window"`
	EnforceDutyCycle bool          `mapstructure:"enforce_duty_cycle"`

	Serial SerialConfig `mapstructure:"serial"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
}

// SerialConfig holds the UART modem settings.
type SerialConfig struct {
	Port     string        `mapstructure:"port"`
	BaudRate int           `mapstructure:"baud_rate"`
	TxMargin time.Duration `mapstructure:"tx_margin"`
}

// MQTTConfig holds the virtual air settings.
type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	UseTLS      bool   `mapstructure:"use_tls"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Channel     string `mapstructure:"channel"`
}

// PeerConfig selects and configures the short-range link.
type PeerConfig struct {
	Transport string          `mapstructure:"transport"` // "ble" or "websocket"
	LocalName string          `mapstructure:"local_name"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// WebSocketConfig holds the WebSocket peer endpoint.
type WebSocketConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// RouterConfig holds queue sizes and protocol timings.
type RouterConfig struct {
	OutboundQueueSize int           `mapstructure:"outbound_queue_size"`
	InboundQueueSize  int           `mapstructure:"inbound_queue_size"`
	ForwardQueueSize  int           `mapstructure:"forward_queue_size"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	AckDelay          time.Duration `mapstructure:"ack_delay"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	DedupeWindow      int           `mapstructure:"dedupe_window"`
	DedupeExpiry      time.Duration `mapstructure:"dedupe_expiry"`
}

// PowerConfig holds the sleep manager settings.
type PowerConfig struct {
	InactivityTimeout  time.Duration `mapstructure:"inactivity_timeout"`
	StabilizationDelay time.Duration `mapstructure:"stabilization_delay"`
	WakePolicy         string        `mapstructure:"wake_policy"`
	BufferCapacity     int           `mapstructure:"buffer_capacity"`
	RestoreOnBoot      bool          `mapstructure:"restore_on_boot"`
}

// StorageConfig holds the SQLite settings.
type StorageConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Path              string `mapstructure:"path"`
	JournalMaxEntries int    `mapstructure:"journal_max_entries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Airtime returns the modulation parameters for airtime estimates.
func (r RadioConfig) Airtime() airtime.Params {
	return airtime.Params{
		SpreadingFactor: r.SpreadingFactor,
		BandwidthHz:     r.BandwidthHz,
		CodingRate:      r.CodingRate,
		PreambleLength:  r.PreambleLength,
		CRC:             r.CRC,
	}
}

// Load loads configuration from configFile (or the default search paths when
// empty) and LORABRIDGE_* environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("lorabridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lorabridge")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Radio: 433.92 MHz, SF10, BW125, CR 4/5, CRC on, 8 symbol preamble.
	v.SetDefault("radio.transport", "serial")
	v.SetDefault("radio.spreading_factor", airtime.DefaultParams.SpreadingFactor)
	v.SetDefault("radio.bandwidth_hz", airtime.DefaultParams.BandwidthHz)
	v.SetDefault("radio.coding_rate", airtime.DefaultParams.CodingRate)
	v.SetDefault("radio.preamble_length", airtime.DefaultParams.PreambleLength)
	v.SetDefault("radio.crc", true)
	v.SetDefault("radio.duty_cycle", 0.0)
	v.SetDefault("radio.duty_cycle_window", time.Hour)
	v.SetDefault("radio.enforce_duty_cycle", false)
	v.SetDefault("radio.serial.port", "/dev/ttyUSB0")
	v.SetDefault("radio.serial.baud_rate", 115200)
	v.SetDefault("radio.serial.tx_margin", 2*time.Second)
	v.SetDefault("radio.mqtt.broker", "")
	v.SetDefault("radio.mqtt.username", "")
	v.SetDefault("radio.mqtt.password", "")
	v.SetDefault("radio.mqtt.use_tls", false)
	v.SetDefault("radio.mqtt.client_id", "")
	v.SetDefault("radio.mqtt.topic_prefix", "lorabridge")
	v.SetDefault("radio.mqtt.channel", "433.92")

	v.SetDefault("peer.transport", "ble")
	v.SetDefault("peer.local_name", "LoRaBridge")
	v.SetDefault("peer.websocket.addr", ":8080")
	v.SetDefault("peer.websocket.path", "/peer")

	v.SetDefault("router.outbound_queue_size", 5)
	v.SetDefault("router.inbound_queue_size", 16)
	v.SetDefault("router.forward_queue_size", 10)
	v.SetDefault("router.retry_delay", 250*time.Millisecond)
	v.SetDefault("router.ack_delay", 300*time.Millisecond)
	v.SetDefault("router.ack_timeout", 30*time.Second)
	v.SetDefault("router.dedupe_window", 32)
	v.SetDefault("router.dedupe_expiry", 30*time.Second)

	v.SetDefault("power.inactivity_timeout", 2*time.Minute)
	v.SetDefault("power.stabilization_delay", 10*time.Millisecond)
	v.SetDefault("power.wake_policy", "radio-dominant")
	v.SetDefault("power.buffer_capacity", 10)
	v.SetDefault("power.restore_on_boot", true)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.path", "lorabridge.db")
	v.SetDefault("storage.journal_max_entries", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}
