// Package session is the protocol client for a single ledger peer
// connection. It gates requests on the connection state, keeps the latest
// tip, premises and graph, and republishes every inbound message on the bus
// so callers can correlate responses with their requests.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/graph"
	"github.com/consequence/explorer/internal/peers"
	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/store"
)

// State is the connection state reported by the transport.
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrNotConnected is returned by every request made while the
	// connection is not open. Nothing is written.
	ErrNotConnected = errors.New("session: not connected")
	// ErrMissingKey is returned for requests that need a public key.
	ErrMissingKey = errors.New("session: missing public key")
	// ErrNoTip is returned when a request depends on the tip height and no
	// tip header has arrived yet.
	ErrNoTip = errors.New("session: tip header not yet known")
	// ErrNoPersonas is returned by PushAssertion before any persona import.
	ErrNoPersonas = errors.New("session: no personas to sign with")
)

// Conn is the write side of the peer connection.
type Conn interface {
	WriteJSON(v any) error
}

// Signer signs assertions for the selected persona.
type Signer interface {
	HasPersonas() bool
	Sign(to, memo string, tipHeight int64, passphrase string, opts ...assertion.SignOption) (*assertion.Assertion, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		c.logger = logger
	}
}

// WithExecutor sets where inbound dispatch and open hooks run. The default
// is Inline.
func WithExecutor(exec Executor) Option {
	return func(c *Client) { c.exec = exec }
}

// WithStore persists premises and the graph model. The default is in-memory.
func WithStore(s store.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithPeers records peer_addresses pushes in registry.
func WithPeers(registry *peers.Registry) Option {
	return func(c *Client) { c.peers = registry }
}

// WithSigner enables PushAssertion.
func WithSigner(s Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithBus shares an existing bus.
func WithBus(b *bus.Bus) Option {
	return func(c *Client) { c.bus = b }
}

// WithSeriesLength overrides assertion.SeriesLength for signing.
func WithSeriesLength(length int64) Option {
	return func(c *Client) { c.seriesLength = length }
}

// WithRankingFilter sets the initial graph ranking filter, in percent.
func WithRankingFilter(percent float64) Option {
	return func(c *Client) { c.rankingFilter = percent }
}

// Client talks to one ledger peer.
type Client struct {
	conn         Conn
	bus          *bus.Bus
	exec         Executor
	store        store.Store
	peers        *peers.Registry
	signer       Signer
	logger       *slog.Logger
	seriesLength int64

	state atomic.Int32

	mu            sync.RWMutex
	tip           *protocol.PremiseIDHeaderPair
	current       *protocol.Premise
	genesis       *protocol.Premise
	graph         *graph.Model
	rankingFilter float64
	watched       string
	afterOpen     []func()
}

// New creates a client writing to conn. The client starts Closed and
// restores any persisted premises and graph.
func New(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		bus:          bus.New(),
		exec:         Inline{},
		store:        store.NewMemory(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		seriesLength: assertion.SeriesLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(Closed))
	c.restore()

	c.AfterOpen(c.firstLoad)
	return c
}

// Bus returns the bus inbound messages are republished on.
func (c *Client) Bus() *bus.Bus { return c.bus }

// State returns the last state the transport reported.
func (c *Client) State() State { return State(c.state.Load()) }

// SetState records a transport state change. Entering Open runs the
// AfterOpen hooks on the executor.
func (c *Client) SetState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Debug("connection state", "from", prev, "to", s)
	if s != Open {
		return
	}

	c.mu.RLock()
	hooks := append([]func(){}, c.afterOpen...)
	c.mu.RUnlock()

	c.exec.Post(func() {
		for _, hook := range hooks {
			hook()
		}
	})
}

// AfterOpen registers fn to run each time the connection opens.
func (c *Client) AfterOpen(fn func()) {
	c.mu.Lock()
	c.afterOpen = append(c.afterOpen, fn)
	c.mu.Unlock()
}

// firstLoad asks for the peer list, the tip and the genesis premise.
func (c *Client) firstLoad() {
	if err := c.RequestPeers(); err != nil {
		c.logger.Warn("first load", "request", protocol.TypeGetPeerAddresses, "error", err)
		return
	}
	if _, err := c.RequestTipHeader(nil); err != nil {
		c.logger.Warn("first load", "request", protocol.TypeGetTipHeader, "error", err)
	}
	if _, err := c.RequestPremiseByHeight(0, nil); err != nil {
		c.logger.Warn("first load", "request", protocol.TypeGetPremiseByHeight, "error", err)
	}

	if key := c.Watched(); key != "" {
		if _, err := c.RequestGraph(key, nil); err != nil {
			c.logger.Warn("first load", "request", protocol.TypeGetGraph, "error", err)
		}
	}
}

// TipHeader returns the latest tip header.
func (c *Client) TipHeader() (protocol.PremiseIDHeaderPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tip == nil {
		return protocol.PremiseIDHeaderPair{}, false
	}
	return *c.tip, true
}

// TipHeight returns the latest tip height, or 0 when unknown.
func (c *Client) TipHeight() int64 {
	tip, ok := c.TipHeader()
	if !ok {
		return 0
	}
	return tip.Header.Height
}

// CurrentPremise returns the most recently received premise.
func (c *Client) CurrentPremise() *protocol.Premise {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// GenesisPremise returns the premise at height 0, once received.
func (c *Client) GenesisPremise() *protocol.Premise {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.genesis
}

// Graph returns the latest graph model.
func (c *Client) Graph() *graph.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.graph == nil {
		return graph.Empty()
	}
	return c.graph
}

// RankingFilter returns the graph ranking filter in percent.
func (c *Client) RankingFilter() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rankingFilter
}

// SetRankingFilter changes the filter applied to subsequent graph pushes.
func (c *Client) SetRankingFilter(percent float64) {
	c.mu.Lock()
	c.rankingFilter = percent
	c.mu.Unlock()
}

// Watched returns the key whose graph is refreshed on every new premise.
func (c *Client) Watched() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watched
}

func (c *Client) restore() {
	var current, genesis protocol.Premise
	if err := store.LoadJSON(c.store, store.KeyCurrentPremise, &current); err == nil {
		c.current = &current
	} else if !store.IsNotFound(err) {
		c.logger.Warn("failed to restore premise", "key", store.KeyCurrentPremise, "error", err)
	}
	if err := store.LoadJSON(c.store, store.KeyGenesisPremise, &genesis); err == nil {
		c.genesis = &genesis
	} else if !store.IsNotFound(err) {
		c.logger.Warn("failed to restore premise", "key", store.KeyGenesisPremise, "error", err)
	}

	var model graph.Model
	if err := store.LoadJSON(c.store, store.KeyFlowGraph, &model); err == nil {
		c.graph = &model
	} else if !store.IsNotFound(err) {
		c.logger.Warn("failed to restore graph", "error", err)
	}
}

func (c *Client) persist(key string, v any) {
	if err := store.SaveJSON(c.store, key, v); err != nil {
		c.logger.Warn("failed to persist", "key", key, "error", err)
	}
}
