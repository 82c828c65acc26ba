package session

import (
	"fmt"
	"strings"

	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/graph"
	"github.com/consequence/explorer/internal/protocol"
)

// Requests that take a callback subscribe before writing and return the
// subscription's Cancel. The subscription stays live until the caller
// cancels it; nothing times out. A nil callback sends without subscribing.
// Every request fails with ErrNotConnected, and writes nothing, unless the
// connection is open.

func (c *Client) send(msgType string, body any) error {
	if c.State() != Open {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(msgType, body)
	if err != nil {
		return err
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

// request subscribes with subscribe (when non-nil) and then sends.
func (c *Client) request(msgType string, body any, subscribe func() bus.Cancel) (bus.Cancel, error) {
	if c.State() != Open {
		return nil, ErrNotConnected
	}
	var cancel bus.Cancel
	if subscribe != nil {
		cancel = subscribe()
	}
	if err := c.send(msgType, body); err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	return cancel, nil
}

// RequestPeers asks for the peer's address book.
func (c *Client) RequestPeers() error {
	return c.send(protocol.TypeGetPeerAddresses, nil)
}

// RequestTipHeader asks for the tip header. fn sees every tip_header.
func (c *Client) RequestTipHeader(fn func(protocol.PremiseIDHeaderPair)) (bus.Cancel, error) {
	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypeTipHeader, nil, fn)
		}
	}
	return c.request(protocol.TypeGetTipHeader, nil, sub)
}

// RequestPremiseByID asks for a premise. fn sees every premise.
func (c *Client) RequestPremiseByID(premiseID string, fn func(*protocol.Premise)) (bus.Cancel, error) {
	return c.request(protocol.TypeGetPremise,
		protocol.PremiseRequest{PremiseID: premiseID},
		c.premiseSubscriber(fn))
}

// RequestPremiseByHeight asks for the premise at height. fn sees every premise.
func (c *Client) RequestPremiseByHeight(height int64, fn func(*protocol.Premise)) (bus.Cancel, error) {
	return c.request(protocol.TypeGetPremiseByHeight,
		protocol.PremiseByHeightRequest{Height: height},
		c.premiseSubscriber(fn))
}

func (c *Client) premiseSubscriber(fn func(*protocol.Premise)) func() bus.Cancel {
	if fn == nil {
		return nil
	}
	return func() bus.Cancel {
		return bus.SubscribeJSON(c.bus, protocol.TypePremise,
			func(m protocol.PremiseMessage) bool { return m.Premise != nil },
			func(m protocol.PremiseMessage) { fn(m.Premise) })
	}
}

// RequestProfile asks for the profile of publicKey. fn sees only profiles
// for that key.
func (c *Client) RequestProfile(publicKey string, fn func(protocol.Profile)) (bus.Cancel, error) {
	if c.State() != Open {
		return nil, ErrNotConnected
	}
	if publicKey == "" {
		return nil, ErrMissingKey
	}
	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypeProfile,
				func(p protocol.Profile) bool { return p.PublicKey == publicKey },
				fn)
		}
	}
	return c.request(protocol.TypeGetProfile, protocol.PublicKeyRequest{PublicKey: publicKey}, sub)
}

// RequestGraph asks for the graph around publicKey. The latest graph push
// replaces the cached model; fn receives each model that was ingested.
func (c *Client) RequestGraph(publicKey string, fn func(*graph.Model)) (bus.Cancel, error) {
	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypeGraph,
				func(m protocol.GraphMessage) bool { return c.Graph().CID == graph.TextCID(m.Graph) },
				func(protocol.GraphMessage) { fn(c.Graph()) })
		}
	}
	return c.request(protocol.TypeGetGraph, protocol.PublicKeyRequest{PublicKey: publicKey}, sub)
}

// WatchGraph requests the graph around publicKey now and again on every new
// premise until the returned Cancel is called.
func (c *Client) WatchGraph(publicKey string) (bus.Cancel, error) {
	if _, err := c.RequestGraph(publicKey, nil); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.watched = publicKey
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.watched == publicKey {
			c.watched = ""
		}
		c.mu.Unlock()
	}, nil
}

// PushAssertion signs an assertion from the selected persona and sends it.
// fn receives the push_assertion_result for that assertion's ID.
func (c *Client) PushAssertion(to, memo, passphrase string, fn func(protocol.PushResult)) (*assertion.Assertion, bus.Cancel, error) {
	if c.State() != Open {
		return nil, nil, ErrNotConnected
	}
	if c.signer == nil || !c.signer.HasPersonas() {
		return nil, nil, ErrNoPersonas
	}
	tip := c.TipHeight()
	if tip <= 0 {
		return nil, nil, ErrNoTip
	}

	signed, err := c.signer.Sign(to, memo, tip, passphrase, assertion.WithSeriesLength(c.seriesLength))
	if err != nil {
		return nil, nil, err
	}
	id := assertion.ID(signed)

	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypePushAssertionResult,
				func(r protocol.PushResult) bool { return r.AssertionID == id },
				fn)
		}
	}
	cancel, err := c.request(protocol.TypePushAssertion, protocol.PushAssertionRequest{Assertion: signed}, sub)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Info("assertion pushed", "assertion_id", id, "series", *signed.Series)
	return signed, cancel, nil
}

// RequestAssertion asks for an assertion by ID. fn receives only an
// assertion whose recomputed ID matches.
func (c *Client) RequestAssertion(assertionID string, fn func(*assertion.Assertion)) (bus.Cancel, error) {
	assertionID = strings.ToLower(assertionID)
	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypeAssertion,
				func(m protocol.AssertionMessage) bool {
					return m.Assertion != nil && assertion.ID(m.Assertion) == assertionID
				},
				func(m protocol.AssertionMessage) { fn(m.Assertion) })
		}
	}
	return c.request(protocol.TypeGetAssertion, protocol.AssertionRequest{AssertionID: assertionID}, sub)
}

// PublicKeyAssertionsLimit is how many recent assertions are asked for.
const PublicKeyAssertionsLimit = 10

// RequestPublicKeyAssertions asks for the latest assertions involving
// publicKey, searching back from above the tip. fn sees only responses
// for that key.
func (c *Client) RequestPublicKeyAssertions(publicKey string, fn func([]*assertion.Assertion)) (bus.Cancel, error) {
	if c.State() != Open {
		return nil, ErrNotConnected
	}
	if publicKey == "" {
		return nil, ErrMissingKey
	}
	tip := c.TipHeight()
	if tip <= 0 {
		return nil, ErrNoTip
	}

	var sub func() bus.Cancel
	if fn != nil {
		sub = func() bus.Cancel {
			return bus.SubscribeJSON(c.bus, protocol.TypePublicKeyAssertions,
				func(m protocol.PublicKeyAssertionsMessage) bool { return m.PublicKey == publicKey },
				func(m protocol.PublicKeyAssertionsMessage) { fn(m.Flatten()) })
		}
	}
	return c.request(protocol.TypeGetPublicKeyAssertions, protocol.PublicKeyAssertionsRequest{
		PublicKey:   publicKey,
		StartHeight: tip + 1,
		EndHeight:   0,
		Limit:       PublicKeyAssertionsLimit,
	}, sub)
}

// ApplyFilter sets the connection's server-side key filter. An empty list
// sends nothing.
func (c *Client) ApplyFilter(publicKeys []string) error {
	if c.State() != Open {
		return ErrNotConnected
	}
	if len(publicKeys) == 0 {
		return nil
	}
	return c.send(protocol.TypeFilterAdd, protocol.FilterAddRequest{PublicKeys: publicKeys})
}

// RequestPendingAssertions filters the connection on publicKey and then asks
// for the filtered mempool queue. The queue response is untargeted, so fn
// sees every queue response until cancelled.
func (c *Client) RequestPendingAssertions(publicKey string, fn func([]*assertion.Assertion)) (bus.Cancel, error) {
	if c.State() != Open {
		return nil, ErrNotConnected
	}
	if publicKey == "" {
		return nil, ErrMissingKey
	}

	var cancel bus.Cancel
	if fn != nil {
		cancel = bus.SubscribeJSON(c.bus, protocol.TypeFilterAssertionQueue, nil,
			func(m protocol.FilterAssertionQueueMessage) {
				if m.Assertions == nil {
					m.Assertions = []*assertion.Assertion{}
				}
				fn(m.Assertions)
			})
	}
	release := func() {
		if cancel != nil {
			cancel()
		}
	}

	if err := c.ApplyFilter([]string{publicKey}); err != nil {
		release()
		return nil, err
	}
	if err := c.send(protocol.TypeGetFilterAssertionQueue, nil); err != nil {
		release()
		return nil, err
	}
	return cancel, nil
}
