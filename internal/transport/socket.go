// Package transport keeps the websocket connection to the ledger peer open
// and feeds its frames to a session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/session"
)

// ErrClosed is returned by WriteJSON while no connection is open.
var ErrClosed = errors.New("transport: connection closed")

const writeWait = 10 * time.Second

// Handler receives connection state changes and inbound frames.
type Handler interface {
	SetState(session.State)
	HandleMessage(data []byte)
}

// Option configures a Socket.
type Option func(*Socket)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Socket) { s.logger = logger }
}

func WithPolicy(p ReconnectPolicy) Option {
	return func(s *Socket) { s.policy = p }
}

func WithSubprotocol(name string) Option {
	return func(s *Socket) { s.subprotocol = name }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

// Socket is a reconnecting websocket client.
type Socket struct {
	url         string
	subprotocol string
	dialer      *websocket.Dialer
	policy      ReconnectPolicy
	logger      *slog.Logger
	handler     Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// URL joins scheme and peer into a websocket URL.
func URL(scheme, peer string) string {
	if scheme == "" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s", scheme, peer)
}

// New creates a socket for url. Call SetHandler before Run.
func New(url string, opts ...Option) *Socket {
	s := &Socket{
		url:         url,
		subprotocol: protocol.Subprotocol,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		policy: Immediate{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHandler sets the receiver of states and frames.
func (s *Socket) SetHandler(h Handler) { s.handler = h }

// URL returns the dialed address.
func (s *Socket) URL() string { return s.url }

// Run dials, reads until the connection drops, and redials as the policy
// allows. It returns when ctx is done or the policy gives up.
func (s *Socket) Run(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("transport: no handler")
	}
	defer s.handler.SetState(session.Closed)

	for {
		s.handler.SetState(session.Connecting)
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.handler.SetState(session.Closed)

		delay, ok := s.policy.Next()
		if !ok {
			return fmt.Errorf("transport: giving up on %s: %w", s.url, err)
		}
		s.logger.Warn("connection lost", "url", s.url, "error", err, "retry_in", delay)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func (s *Socket) connectAndRead(ctx context.Context) error {
	d := *s.dialer
	d.Subprotocols = []string{s.subprotocol}

	conn, _, err := d.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if got := conn.Subprotocol(); got != s.subprotocol {
		s.logger.Warn("peer did not confirm subprotocol", "want", s.subprotocol, "got", got)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.policy.Reset()
	s.logger.Info("connected", "url", s.url)
	s.handler.SetState(session.Open)

	err = s.readLoop(conn)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.handler.SetState(session.Closing)
	conn.Close()
	return err
}

func (s *Socket) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			s.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		s.handler.HandleMessage(data)
	}
}

// WriteJSON sends v as one text frame. Writes are serialized.
func (s *Socket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// Close drops the current connection, if any. Run redials per its policy.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
