// Package peertest runs an in-process ledger peer for tests. It speaks the
// explorer's subset of the peer protocol over a real websocket and keeps
// the key filter per connection, like a real peer does.
package peertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/protocol"
)

// Peer is a mock ledger peer.
type Peer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	tip       protocol.PremiseIDHeaderPair
	premises  map[int64]*protocol.Premise
	byID      map[string]*protocol.Premise
	profiles  map[string]protocol.Profile
	graphs    map[string]string
	addresses []string
	confirmed map[string]*assertion.Assertion
	mempool   []*assertion.Assertion
	received  []protocol.Envelope
	conns     map[*conn]struct{}
}

type conn struct {
	ws     *websocket.Conn
	mu     sync.Mutex
	filter map[string]bool
}

func (c *conn) send(msgType string, body any) error {
	env, err := protocol.NewEnvelope(msgType, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(env)
}

// New starts a peer on a loopback listener. Close it when done.
func New() *Peer {
	p := &Peer{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		premises:  make(map[int64]*protocol.Premise),
		byID:      make(map[string]*protocol.Premise),
		profiles:  make(map[string]protocol.Profile),
		graphs:    make(map[string]string),
		confirmed: make(map[string]*assertion.Assertion),
		conns:     make(map[*conn]struct{}),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

// Addr returns host:port of the peer.
func (p *Peer) Addr() string {
	return strings.TrimPrefix(p.server.URL, "http://")
}

// URL returns the ws:// URL of the peer.
func (p *Peer) URL() string {
	return "ws://" + p.Addr()
}

// Close stops the peer and drops every connection.
func (p *Peer) Close() {
	p.mu.Lock()
	for c := range p.conns {
		c.ws.Close()
	}
	p.mu.Unlock()
	p.server.Close()
}

// DropConnections closes every open connection without stopping the peer.
func (p *Peer) DropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.ws.Close()
	}
}

// SetTip sets the tip header served for get_tip_header.
func (p *Peer) SetTip(premiseID string, height int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tip = protocol.PremiseIDHeaderPair{
		PremiseID: premiseID,
		Header:    protocol.PremiseHeader{Height: height, Time: 1700000000 + height},
	}
}

// AddPremise makes a premise available by id and height.
func (p *Peer) AddPremise(id string, premise *protocol.Premise) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.premises[premise.Header.Height] = premise
	p.byID[id] = premise
}

// SetProfile sets the profile served for its public key.
func (p *Peer) SetProfile(profile protocol.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[profile.PublicKey] = profile
}

// SetGraph sets the DOT text served for key.
func (p *Peer) SetGraph(key, dot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphs[key] = dot
}

// SetAddresses sets the peer_addresses response.
func (p *Peer) SetAddresses(addrs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addresses = addrs
}

// Confirm stores an assertion as if it were in a premise.
func (p *Peer) Confirm(a *assertion.Assertion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed[assertion.ID(a)] = a
}

// Mempool returns the pending assertions accepted so far.
func (p *Peer) Mempool() []*assertion.Assertion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*assertion.Assertion{}, p.mempool...)
}

// Received returns every frame received, in order.
func (p *Peer) Received() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope{}, p.received...)
}

// ReceivedTypes returns the type of every frame received, in order.
func (p *Peer) ReceivedTypes() []string {
	envs := p.Received()
	types := make([]string, len(envs))
	for i, env := range envs {
		types[i] = env.Type
	}
	return types
}

// Broadcast pushes a message to every connection.
func (p *Peer) Broadcast(msgType string, body any) {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.send(msgType, body)
	}
}

// SendRaw writes a raw text frame to every connection.
func (p *Peer) SendRaw(frame string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.mu.Lock()
		_ = c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
		c.mu.Unlock()
	}
}

func (p *Peer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, filter: make(map[string]bool)}

	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.conns, c)
		p.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.received = append(p.received, env)
		p.mu.Unlock()

		p.handle(c, env)
	}
}

func (p *Peer) handle(c *conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeGetPeerAddresses:
		p.mu.Lock()
		addrs := append([]string{}, p.addresses...)
		p.mu.Unlock()
		_ = c.send(protocol.TypePeerAddresses, protocol.PeerAddressesMessage{Addresses: addrs})

	case protocol.TypeGetTipHeader:
		p.mu.Lock()
		tip := p.tip
		p.mu.Unlock()
		_ = c.send(protocol.TypeTipHeader, tip)

	case protocol.TypeGetPremiseByHeight:
		var req protocol.PremiseByHeightRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		premise := p.premises[req.Height]
		p.mu.Unlock()
		if premise != nil {
			_ = c.send(protocol.TypePremise, protocol.PremiseMessage{Premise: premise})
		}

	case protocol.TypeGetPremise:
		var req protocol.PremiseRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		premise := p.byID[req.PremiseID]
		p.mu.Unlock()
		if premise != nil {
			_ = c.send(protocol.TypePremise, protocol.PremiseMessage{PremiseID: req.PremiseID, Premise: premise})
		}

	case protocol.TypeGetProfile:
		var req protocol.PublicKeyRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		profile, ok := p.profiles[req.PublicKey]
		p.mu.Unlock()
		if !ok {
			profile = protocol.Profile{PublicKey: req.PublicKey, Error: "unknown key"}
		}
		_ = c.send(protocol.TypeProfile, profile)

	case protocol.TypeGetGraph:
		var req protocol.PublicKeyRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		dot := p.graphs[req.PublicKey]
		p.mu.Unlock()
		_ = c.send(protocol.TypeGraph, protocol.GraphMessage{PublicKey: req.PublicKey, Graph: dot})

	case protocol.TypePushAssertion:
		var req protocol.PushAssertionRequest
		if json.Unmarshal(env.Body, &req) != nil || req.Assertion == nil {
			return
		}
		result := protocol.PushResult{AssertionID: assertion.ID(req.Assertion)}
		if err := assertion.Verify(req.Assertion); err != nil {
			result.Error = err.Error()
		} else {
			p.mu.Lock()
			p.mempool = append(p.mempool, req.Assertion)
			p.mu.Unlock()
		}
		_ = c.send(protocol.TypePushAssertionResult, result)

	case protocol.TypeGetAssertion:
		var req protocol.AssertionRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		a := p.confirmed[req.AssertionID]
		p.mu.Unlock()
		_ = c.send(protocol.TypeAssertion, protocol.AssertionMessage{AssertionID: req.AssertionID, Assertion: a})

	case protocol.TypeGetPublicKeyAssertions:
		var req protocol.PublicKeyAssertionsRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		p.mu.Lock()
		var found []*assertion.Assertion
		for _, a := range p.confirmed {
			if involves(a, req.PublicKey) && len(found) < req.Limit {
				found = append(found, a)
			}
		}
		p.mu.Unlock()
		msg := protocol.PublicKeyAssertionsMessage{PublicKey: req.PublicKey}
		if len(found) > 0 {
			msg.FilterPremises = []protocol.FilterPremise{{Assertions: found}}
		}
		_ = c.send(protocol.TypePublicKeyAssertions, msg)

	case protocol.TypeFilterAdd:
		var req protocol.FilterAddRequest
		if json.Unmarshal(env.Body, &req) != nil {
			return
		}
		c.mu.Lock()
		for _, k := range req.PublicKeys {
			c.filter[k] = true
		}
		c.mu.Unlock()

	case protocol.TypeGetFilterAssertionQueue:
		c.mu.Lock()
		filter := make(map[string]bool, len(c.filter))
		for k := range c.filter {
			filter[k] = true
		}
		c.mu.Unlock()

		p.mu.Lock()
		queue := make([]*assertion.Assertion, 0)
		for _, a := range p.mempool {
			if (a.From != nil && filter[*a.From]) || filter[a.To] {
				queue = append(queue, a)
			}
		}
		p.mu.Unlock()
		_ = c.send(protocol.TypeFilterAssertionQueue, protocol.FilterAssertionQueueMessage{Assertions: queue})
	}
}

func involves(a *assertion.Assertion, key string) bool {
	return a.To == key || (a.From != nil && *a.From == key)
}
