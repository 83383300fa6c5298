package config

import (
	"fmt"

	"github.com/kabili207/lorabridge/device/power"
	"github.com/kabili207/lorabridge/internal/logging"
)

// validate validates the configuration.
func validate(cfg *Config) error {
	switch cfg.Radio.Transport {
	case "serial":
		if cfg.Radio.Serial.Port == "" {
			return fmt.Errorf("radio.serial.port is required for the serial transport")
		}
	case "mqtt":
		if cfg.Radio.MQTT.Broker == "" {
			return fmt.Errorf("radio.mqtt.broker is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("radio.transport: unknown transport %q (must be serial or mqtt)", cfg.Radio.Transport)
	}
	if err := cfg.Radio.Airtime().Validate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if cfg.Radio.DutyCycle < 0 || cfg.Radio.DutyCycle > 1 {
		return fmt.Errorf("radio.duty_cycle must be between 0 and 1")
	}
	if cfg.Radio.DutyCycle > 0 && cfg.Radio.DutyCycleWindow <= 0 {
		return fmt.Errorf("radio.duty_cycle_window must be positive")
	}

	switch cfg.Peer.Transport {
	case "ble":
	case "websocket":
		if cfg.Peer.WebSocket.Addr == "" {
			return fmt.Errorf("peer.websocket.addr is required for the websocket transport")
		}
	default:
		return fmt.Errorf("peer.transport: unknown transport %q (must be ble or websocket)", cfg.Peer.Transport)
	}

	for name, n := range map[string]int{
		"router.outbound_queue_size": cfg.Router.OutboundQueueSize,
		"router.inbound_queue_size":  cfg.Router.InboundQueueSize,
		"router.forward_queue_size":  cfg.Router.ForwardQueueSize,
		"router.dedupe_window":       cfg.Router.DedupeWindow,
		"power.buffer_capacity":      cfg.Power.BufferCapacity,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.Router.RetryDelay < 0 || cfg.Router.AckDelay < 0 || cfg.Router.DedupeExpiry < 0 {
		return fmt.Errorf("router delays must not be negative")
	}
	if cfg.Power.InactivityTimeout <= 0 {
		return fmt.Errorf("power.inactivity_timeout must be positive")
	}
	if _, err := power.ParseWakePolicy(cfg.Power.WakePolicy); err != nil {
		return fmt.Errorf("power.wake_policy: %w", err)
	}

	if cfg.Storage.Enabled && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}

	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
