package session

import (
	"encoding/json"

	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/graph"
	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/store"
)

// HandleMessage accepts one raw frame from the transport. Dispatch runs on
// the executor, so frames are handled in the order they are passed in.
func (c *Client) HandleMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
		return
	}
	c.exec.Post(func() { c.dispatch(env) })
}

// dispatch updates the caches for env and then republishes it. Both happen
// in the same task, so subscribers see the updated caches.
func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeInvPremise:
		if _, err := c.RequestTipHeader(nil); err != nil {
			c.logger.Debug("tip refresh skipped", "error", err)
		}
		if key := c.Watched(); key != "" {
			if _, err := c.RequestGraph(key, nil); err != nil {
				c.logger.Debug("graph refresh skipped", "error", err)
			}
		}

	case protocol.TypeTipHeader:
		var tip protocol.PremiseIDHeaderPair
		if !c.decode(env, &tip) {
			break
		}
		c.mu.Lock()
		c.tip = &tip
		c.mu.Unlock()

	case protocol.TypePremise:
		var msg protocol.PremiseMessage
		if !c.decode(env, &msg) || msg.Premise == nil {
			break
		}
		c.mu.Lock()
		if msg.Premise.IsGenesis() {
			c.genesis = msg.Premise
		}
		c.current = msg.Premise
		c.mu.Unlock()

		if msg.Premise.IsGenesis() {
			c.persist(store.KeyGenesisPremise, msg.Premise)
		}
		c.persist(store.KeyCurrentPremise, msg.Premise)

	case protocol.TypeGraph:
		var msg protocol.GraphMessage
		if !c.decode(env, &msg) {
			break
		}
		model, err := graph.Ingest(msg.Graph, msg.PublicKey, c.RankingFilter())
		if err != nil {
			c.logger.Warn("discarding graph", "public_key", msg.PublicKey, "error", err)
			break
		}
		c.mu.Lock()
		c.graph = model
		c.mu.Unlock()
		c.persist(store.KeyFlowGraph, model)

	case protocol.TypePeerAddresses:
		var msg protocol.PeerAddressesMessage
		if !c.decode(env, &msg) || c.peers == nil {
			break
		}
		added := c.peers.AddAddresses(msg.Addresses)
		c.logger.Debug("peer addresses", "reported", len(msg.Addresses), "accepted", added)
	}

	n := c.bus.Publish(bus.Message{Type: env.Type, Body: env.Body})
	c.logger.Debug("dispatched", "type", env.Type, "subscribers", n)
}

func (c *Client) decode(env protocol.Envelope, v any) bool {
	if len(env.Body) == 0 {
		c.logger.Warn("message without body", "type", env.Type)
		return false
	}
	if err := json.Unmarshal(env.Body, v); err != nil {
		c.logger.Warn("malformed body", "type", env.Type, "error", err)
		return false
	}
	return true
}
