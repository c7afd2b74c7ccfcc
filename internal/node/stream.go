package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultReconnectDelay = 5 * time.Second

var errMissingStreamURL = errors.New("node stream url is required")

// Notification announces that a transaction is available on the node. It
// carries no content.
type Notification struct {
	GroupID string `json:"group_id"`
	TrxID   string `json:"trx_id"`
}

// StreamConfig wires the push channel.
type StreamConfig struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Stream holds a reconnecting WebSocket subscription to the node's trx feed.
type Stream struct {
	endpoint       string
	token          string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
	connected      atomic.Bool
}

func NewStream(cfg StreamConfig) (*Stream, error) {
	endpoint := websocketURL(strings.TrimSpace(cfg.URL))
	if endpoint == "" {
		return nil, errMissingStreamURL
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		endpoint:       endpoint,
		token:          strings.TrimSpace(cfg.Token),
		reconnectDelay: delay,
		dialer:         dialer,
		logger:         logger,
	}, nil
}

// StreamURL derives the trx feed endpoint from the node base URL.
func StreamURL(baseURL string) string {
	return websocketURL(strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/ws/trx")
}

// Connected reports whether the subscription is currently open.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Run connects and delivers notifications to handle until ctx is cancelled.
// Dropped connections are retried after the fixed reconnect delay, without
// limit. Run returns ctx.Err().
func (s *Stream) Run(ctx context.Context, handle func(Notification)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndStream(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("node stream disconnected, reconnecting",
			zap.String("endpoint", s.endpoint),
			zap.Duration("delay", s.reconnectDelay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) connectAndStream(ctx context.Context, handle func(Notification)) error {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("node stream connected", zap.String("endpoint", s.endpoint))

	done := make(chan struct{})
	defer func() {
		close(done)
		s.connected.Store(false)
		conn.Close()
	}()
	// ReadMessage does not observe ctx, so closing the connection unblocks it.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		var notification Notification
		if err := json.Unmarshal(message, &notification); err != nil {
			s.logger.Debug("ignoring malformed stream message", zap.Error(err))
			continue
		}
		if notification.GroupID == "" || notification.TrxID == "" {
			continue
		}
		handle(notification)
	}
}

func websocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}
