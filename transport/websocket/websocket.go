// Package websocket provides the short-range Peer over a WebSocket, for
// host-side clients such as a phone app under development or a simulator.
//
// A client connects to the transport's HTTP endpoint; each binary message it
// sends is one peer write, and Send delivers binary messages back. Only one
// client is accepted at a time, further upgrade attempts get 409 Conflict.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kabili207/lorabridge/transport"
)

// Compile-time interface check.
var _ transport.Peer = (*Transport)(nil)

const (
	// DefaultPath is the HTTP path the upgrade handler is served on.
	DefaultPath = "/peer"

	readLimit    = 512
	writeTimeout = 5 * time.Second
)

// Config holds the configuration for a WebSocket peer transport.
type Config struct {
	// Addr is the listen address (e.g., ":8080"). If empty, Start does not
	// listen and the caller serves Handler itself.
	Addr string
	// Path is the upgrade path. Defaults to "/peer".
	Path string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Peer over a WebSocket.
type Transport struct {
	cfg          Config
	log          *slog.Logger
	upgrader     websocket.Upgrader
	server       *http.Server
	mu           sync.RWMutex
	writeMu      sync.Mutex
	conn         *websocket.Conn
	writeHandler transport.WriteHandler
	stateHandler transport.StateHandler
}

// New creates a new WebSocket peer transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start listens on Addr if one is configured.
func (t *Transport) Start(_ context.Context) error {
	if t.cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t.Handler())
	t.server = &http.Server{
		Addr:              t.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("websocket server failed", "error", err)
		}
	}()
	t.log.Info("listening for peer", "addr", t.cfg.Addr, "path", t.cfg.Path)
	return nil
}

// Stop closes the client connection and the listener.
func (t *Transport) Stop() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// IsConnected reports whether a client is connected.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

// SetWriteHandler sets the callback for client messages.
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

// Send writes data to the client as one binary message.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSendFailed, err)
	}
	return nil
}

// Handler returns the HTTP handler that upgrades a client connection.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.IsConnected() {
			http.Error(w, "peer already connected", http.StatusConflict)
			return
		}

		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.Debug("websocket upgrade failed", "error", err)
			return
		}

		t.mu.Lock()
		if t.conn != nil {
			t.mu.Unlock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer already connected"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		t.conn = conn
		handler := t.stateHandler
		t.mu.Unlock()

		t.log.Info("peer connected", "remote", r.RemoteAddr)
		if handler != nil {
			handler(transport.EventConnected)
		}

		go t.readLoop(conn)
	})
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.disconnect(conn)

	conn.SetReadLimit(readLimit)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage || len(data) == 0 {
			t.log.Debug("ignoring non-binary peer message", "type", kind)
			continue
		}

		t.mu.RLock()
		handler := t.writeHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (t *Transport) disconnect(conn *websocket.Conn) {
	_ = conn.Close()

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Info("peer disconnected")
	if handler != nil {
		handler(transport.EventDisconnected)
	}
}
