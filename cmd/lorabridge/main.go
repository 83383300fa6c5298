// Command lorabridge bridges a short-range peer (BLE or WebSocket) to a
// long-range LoRa radio (UART modem or MQTT virtual air).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/lorabridge/core/airtime"
	"github.com/kabili207/lorabridge/core/codec"
	"github.com/kabili207/lorabridge/device/bridge"
	"github.com/kabili207/lorabridge/device/buffer"
	"github.com/kabili207/lorabridge/device/power"
	"github.com/kabili207/lorabridge/device/router"
	"github.com/kabili207/lorabridge/internal/config"
	"github.com/kabili207/lorabridge/internal/logging"
	"github.com/kabili207/lorabridge/storage/sqlite"
	"github.com/kabili207/lorabridge/transport"
	"github.com/kabili207/lorabridge/transport/ble"
	"github.com/kabili207/lorabridge/transport/mqtt"
	"github.com/kabili207/lorabridge/transport/serial"
	"github.com/kabili207/lorabridge/transport/websocket"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

const statsInterval = 5 * time.Minute

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lorabridge %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(log)

	if *validateOnly {
		log.Info("configuration is valid")
		return
	}

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting lorabridge", "version", version, "radio", cfg.Radio.Transport, "peer", cfg.Peer.Transport)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   power.StateStore = power.NewRetainedMemory()
		journal router.Journal
	)
	if cfg.Storage.Enabled {
		db, err := sqlite.Open(sqlite.Config{Path: cfg.Storage.Path, Logger: log})
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		store = sqlite.NewStateStore(db)
		journal = sqlite.NewJournal(db, cfg.Storage.JournalMaxEntries)
	}

	radio := newRadio(cfg, log)
	peer := newPeer(cfg, log)

	policy, err := power.ParseWakePolicy(cfg.Power.WakePolicy)
	if err != nil {
		return err
	}

	buf := buffer.New(cfg.Power.BufferCapacity)
	platform := power.NewSignalPlatform()
	pm, err := power.New(power.Config{
		Buffer:             buf,
		Store:              store,
		Platform:           platform,
		Radio:              radio,
		Policy:             policy,
		InactivityTimeout:  cfg.Power.InactivityTimeout,
		StabilizationDelay: cfg.Power.StabilizationDelay,
		RestoreOnBoot:      cfg.Power.RestoreOnBoot,
		Logger:             log,
	})
	if err != nil {
		return err
	}

	var dutyCycle *airtime.DutyCycle
	if cfg.Radio.DutyCycle > 0 {
		dutyCycle = airtime.NewDutyCycle(cfg.Radio.DutyCycleWindow, cfg.Radio.DutyCycle, nil)
	}

	r, err := router.New(router.Config{
		Radio:             radio,
		Peer:              peer,
		Buffer:            buf,
		Activity:          pm,
		Waker:             platform,
		Journal:           journal,
		OutboundQueueSize: cfg.Router.OutboundQueueSize,
		InboundQueueSize:  cfg.Router.InboundQueueSize,
		ForwardQueueSize:  cfg.Router.ForwardQueueSize,
		RetryDelay:        cfg.Router.RetryDelay,
		AckDelay:          cfg.Router.AckDelay,
		AckTimeout:        cfg.Router.AckTimeout,
		DedupeWindow:      cfg.Router.DedupeWindow,
		DedupeExpiry:      cfg.Router.DedupeExpiry,
		Airtime:           cfg.Radio.Airtime(),
		DutyCycle:         dutyCycle,
		EnforceDutyCycle:  cfg.Radio.EnforceDutyCycle,
		OnSendFailure:     sendFailureReporter(log),
		Logger:            log,
	})
	if err != nil {
		return err
	}
	pm.SetFlusher(r)

	b, err := bridge.New(bridge.Config{Router: r, Power: pm, Logger: log})
	if err != nil {
		return err
	}

	if err := radio.Start(ctx); err != nil {
		return fmt.Errorf("starting radio: %w", err)
	}
	defer func() { _ = radio.Stop() }()

	if err := peer.Start(ctx); err != nil {
		return fmt.Errorf("starting peer: %w", err)
	}
	defer func() { _ = peer.Stop() }()

	if err := pm.Init(ctx, power.WakeNone); err != nil {
		return fmt.Errorf("initializing power manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				logStats(log, r, pm, b)
			}
		}
	})

	err = g.Wait()
	logStats(log, r, pm, b)
	return err
}

func newRadio(cfg *config.Config, log *slog.Logger) transport.Radio {
	params := cfg.Radio.Airtime()
	if cfg.Radio.Transport == "mqtt" {
		return mqtt.New(mqtt.Config{
			Broker:      cfg.Radio.MQTT.Broker,
			Username:    cfg.Radio.MQTT.Username,
			Password:    cfg.Radio.MQTT.Password,
			UseTLS:      cfg.Radio.MQTT.UseTLS,
			ClientID:    cfg.Radio.MQTT.ClientID,
			TopicPrefix: cfg.Radio.MQTT.TopicPrefix,
			Channel:     cfg.Radio.MQTT.Channel,
			Airtime:     params,
			Logger:      log,
		})
	}
	return serial.New(serial.Config{
		Port:     cfg.Radio.Serial.Port,
		BaudRate: cfg.Radio.Serial.BaudRate,
		Airtime:  params,
		TxMargin: cfg.Radio.Serial.TxMargin,
		Logger:   log,
	})
}

func newPeer(cfg *config.Config, log *slog.Logger) transport.Peer {
	if cfg.Peer.Transport == "websocket" {
		return websocket.New(websocket.Config{
			Addr:   cfg.Peer.WebSocket.Addr,
			Path:   cfg.Peer.WebSocket.Path,
			Logger: log,
		})
	}
	return ble.New(ble.Config{LocalName: cfg.Peer.LocalName, Logger: log})
}

// sendFailureReporter surfaces messages the peer believes were sent but
// that never left the radio.
func sendFailureReporter(log *slog.Logger) router.SendFailureHandler {
	log = log.With("component", "send-failure")
	return func(msg codec.Message, err error) {
		log.Error("message lost on radio", "msg", codec.Describe(msg), "seq", msg.Sequence(), "error", err)
	}
}

func logStats(log *slog.Logger, r *router.Router, pm *power.Manager, b *bridge.Bridge) {
	c := r.Counters.Snapshot()
	log.Info("bridge stats",
		"peer_writes", c.PeerWrites,
		"radio_recv", c.RadioRecv,
		"radio_sent", c.RadioSent,
		"send_failures", c.SendFailures,
		"delivered", c.Delivered,
		"delivery_failures", c.DeliveryFailures,
		"buffered", c.Buffered,
		"evicted", c.Evicted,
		"duplicates", c.Duplicates,
		"malformed", c.Malformed,
		"ack_timeouts", c.AckTimeouts,
		"wake_count", pm.WakeCount(),
		"sleep_cycles", b.SleepCycles(),
	)
}
