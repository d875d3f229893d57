package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// ErrStaleConnection is reported when the server stops answering pings.
var ErrStaleConnection = errors.New("connection stale (no pong)")

// WSConfig configures a WebSocket trade source.
type WSConfig struct {
	URL          string
	Header       http.Header
	Subscribe    []byte        // sent once after every connect, if set
	PingInterval time.Duration // default 30s
	PingTimeout  time.Duration // default 90s
	WriteTimeout time.Duration // default 5s
	MinBackoff   time.Duration // default 1s
	MaxBackoff   time.Duration // default 30s
}

// WSSource reads JSON trades from a WebSocket, reconnecting with backoff
// until its context is cancelled.
type WSSource struct {
	cfg    WSConfig
	logger *slog.Logger
	dialer websocket.Dialer

	mu        sync.RWMutex
	connected bool
	lastPong  time.Time
}

// NewWSSource creates a WebSocket source.
func NewWSSource(cfg WSConfig, logger *slog.Logger) *WSSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &WSSource{
		cfg:    cfg,
		logger: logger,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name implements Source.
func (s *WSSource) Name() string { return "ws:" + s.cfg.URL }

// IsConnected returns current connection state.
func (s *WSSource) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run implements Source.
func (s *WSSource) Run(ctx context.Context, emit func(model.TradeRecord)) error {
	backoff := s.cfg.MinBackoff
	for {
		start := time.Now()
		err := s.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}

		// A session that lasted a while resets the backoff.
		if time.Since(start) > s.cfg.MaxBackoff {
			backoff = s.cfg.MinBackoff
		}
		s.logger.Warn("websocket disconnected, reconnecting",
			"url", s.cfg.URL,
			"err", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (s *WSSource) session(ctx context.Context, emit func(model.TradeRecord)) error {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, s.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.setConnected(true)
	defer s.setConnected(false)

	var writeMu sync.Mutex
	write := func(kind int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if kind == websocket.TextMessage {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			return conn.WriteMessage(kind, data)
		}
		return conn.WriteControl(kind, data, time.Now().Add(s.cfg.WriteTimeout))
	}

	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		s.touch()
		return write(websocket.PongMessage, []byte(data))
	})

	if len(s.cfg.Subscribe) > 0 {
		if err := write(websocket.TextMessage, s.cfg.Subscribe); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	s.logger.Info("websocket connected", "url", s.cfg.URL)

	done := make(chan struct{})
	defer close(done)
	heartbeatErr := make(chan error, 1)
	go func() {
		heartbeatErr <- s.heartbeat(ctx, done, write)
		// Unblock ReadMessage.
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case herr := <-heartbeatErr:
				if herr != nil {
					return herr
				}
			default:
			}
			if ctx.Err() != nil {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		s.touch()

		trade, err := DecodeTrade(data)
		if err != nil {
			s.logger.Debug("skipping non-trade message", "err", err)
			continue
		}
		emit(trade)
	}
}

// heartbeat pings the server and fails when pongs stop arriving. It
// returns nil when ctx or done closes.
func (s *WSSource) heartbeat(ctx context.Context, done <-chan struct{}, write func(int, []byte) error) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			if err := write(websocket.PingMessage, []byte("keepalive")); err != nil {
				s.logger.Debug("failed to send ping", "err", err)
			}

			s.mu.RLock()
			last := s.lastPong
			s.mu.RUnlock()
			if time.Since(last) > s.cfg.PingTimeout {
				return ErrStaleConnection
			}
		}
	}
}

func (s *WSSource) touch() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

func (s *WSSource) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	if v {
		s.lastPong = time.Now()
	}
	s.mu.Unlock()
}
