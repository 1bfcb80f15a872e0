package webassistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"depthtracker/internal/ratelimit"
)

const (
	defaultWriteTimeout = 10 * time.Second
	minReconnectWait    = time.Second
	maxReconnectWait    = 30 * time.Second
	inboundBufferSize   = 512
)

// WSAssistant manages a single WebSocket connection: dial, ping/pong
// keepalive, read/write deadlines, and exponential-backoff reconnect with
// auto-resubscribe. It delivers raw frames on a single inbound channel;
// the caller (a marketdata source or funding feed) classifies frames
// itself.
type WSAssistant struct {
	url     string
	limiter *ratelimit.Limiter
	limitID string
	logger  *slog.Logger

	messageTimeout    time.Duration
	connectionTimeout time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	inbound chan []byte

	subscribeMu  sync.Mutex
	subscribeMsg any
}

// NewWSAssistant builds a WS assistant. messageTimeout is the interval
// between pings; connectionTimeout controls the idle period
// before the connection is torn down and redialed.
func NewWSAssistant(url string, limiter *ratelimit.Limiter, limitID string, messageTimeout, connectionTimeout time.Duration, logger *slog.Logger) *WSAssistant {
	return &WSAssistant{
		url:               url,
		limiter:           limiter,
		limitID:           limitID,
		logger:            logger,
		messageTimeout:    messageTimeout,
		connectionTimeout: connectionTimeout,
		inbound:           make(chan []byte, inboundBufferSize),
	}
}

// Messages returns the channel of raw inbound frames.
func (a *WSAssistant) Messages() <-chan []byte { return a.inbound }

// SetSubscribePayload stores the payload sent on connect and resent on
// every reconnect.
func (a *WSAssistant) SetSubscribePayload(payload any) {
	a.subscribeMu.Lock()
	a.subscribeMsg = payload
	a.subscribeMu.Unlock()
}

// Send gates on the rate limiter and writes a JSON frame on the live
// connection.
func (a *WSAssistant) Send(ctx context.Context, payload any) error {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, a.limitID); err != nil {
			return err
		}
	}
	return a.writeJSON(payload)
}

// Run dials and maintains the connection until ctx is cancelled, pushing
// every inbound frame onto Messages(). On disconnect it reconnects with
// exponential backoff (1s -> 30s cap) and resends the subscribe payload.
func (a *WSAssistant) Run(ctx context.Context) error {
	backoff := minReconnectWait

	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if a.logger != nil {
			a.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the live connection, if any.
func (a *WSAssistant) Close() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

func (a *WSAssistant) connectAndRead(ctx context.Context) error {
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx, a.limitID); err != nil {
			return err
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	a.subscribeMu.Lock()
	payload := a.subscribeMsg
	a.subscribeMu.Unlock()
	if payload != nil {
		if err := a.writeJSON(payload); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	if a.logger != nil {
		a.logger.Info("websocket connected", "url", a.url)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go a.pingLoop(pingCtx, conn)

	idle := a.connectionTimeout
	if idle == 0 {
		idle = 60 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(idle))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		select {
		case a.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			if a.logger != nil {
				a.logger.Debug("dropping inbound frame, consumer not keeping up")
			}
		}
	}
}

// pingLoop sends a ping every messageTimeout while the connection is up,
// whether or not frames have arrived in between, keeping the peer from
// closing a quiet connection.
func (a *WSAssistant) pingLoop(ctx context.Context, conn *websocket.Conn) {
	interval := a.messageTimeout
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.connMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			a.connMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (a *WSAssistant) writeJSON(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("webassistant: not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return a.conn.WriteJSON(v)
}
