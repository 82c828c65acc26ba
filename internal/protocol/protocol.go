// Package protocol defines the JSON messages exchanged with a ledger peer.
//
// Every frame is an Envelope {type, body}. Requests flow client to peer;
// pushes and responses flow back and are routed by Type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/consequence/explorer/internal/assertion"
)

// Subprotocol is the websocket subprotocol spoken by ledger peers.
const Subprotocol = "consequence.1"

// Outbound request types.
const (
	TypeGetPeerAddresses        = "get_peer_addresses"
	TypeGetTipHeader            = "get_tip_header"
	TypeGetPremise              = "get_premise"
	TypeGetPremiseByHeight      = "get_premise_by_height"
	TypeGetProfile              = "get_profile"
	TypeGetGraph                = "get_graph"
	TypePushAssertion           = "push_assertion"
	TypeGetAssertion            = "get_assertion"
	TypeGetPublicKeyAssertions  = "get_public_key_assertions"
	TypeFilterAdd               = "filter_add"
	TypeGetFilterAssertionQueue = "get_filter_assertion_queue"
)

// Inbound message types.
const (
	TypePeerAddresses        = "peer_addresses"
	TypeInvPremise           = "inv_premise"
	TypeTipHeader            = "tip_header"
	TypeProfile              = "profile"
	TypeGraph                = "graph"
	TypePremise              = "premise"
	TypeAssertion            = "assertion"
	TypePushAssertionResult  = "push_assertion_result"
	TypePublicKeyAssertions  = "public_key_assertions"
	TypeFilterAssertionQueue = "filter_assertion_queue"
)

// Envelope is a single wire frame.
type Envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// NewEnvelope encodes body into an envelope of the given type. A nil body is omitted.
func NewEnvelope(msgType string, body any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if body == nil {
		return env, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s body: %w", msgType, err)
	}
	env.Body = raw
	return env, nil
}

// Decode parses a raw frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return env, nil
}

// PremiseHeader is the header of a premise (ledger block).
type PremiseHeader struct {
	Previous       string `json:"previous"`
	HashListRoot   string `json:"hash_list_root"`
	Time           int64  `json:"time"`
	Target         string `json:"target"`
	PointWork      string `json:"point_work"`
	Nonce          int64  `json:"nonce"`
	Height         int64  `json:"height"`
	AssertionCount int64  `json:"assertion_count"`
}

// PremiseIDHeaderPair is the body of a tip_header push.
type PremiseIDHeaderPair struct {
	PremiseID string        `json:"premise_id"`
	Header    PremiseHeader `json:"header"`
}

// Premise is a ledger block.
type Premise struct {
	Header     PremiseHeader          `json:"header"`
	Assertions []*assertion.Assertion `json:"assertions"`
}

// IsGenesis reports whether p is the first premise.
func (p *Premise) IsGenesis() bool {
	return p != nil && p.Header.Height == 0
}

// PremiseMessage is the body of a premise push.
type PremiseMessage struct {
	PremiseID string   `json:"premise_id,omitempty"`
	Premise   *Premise `json:"premise"`
}

// Profile is the peer's aggregate view of one public key.
type Profile struct {
	PublicKey string  `json:"public_key"`
	Ranking   float64 `json:"ranking"`
	Imbalance int64   `json:"imbalance"`
	Locale    string  `json:"locale,omitempty"`
	Label     string  `json:"label,omitempty"`
	Bio       string  `json:"bio,omitempty"`
	PremiseID string  `json:"premise_id,omitempty"`
	Height    int64   `json:"height,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// GraphMessage is the body of a graph push.
type GraphMessage struct {
	PublicKey string `json:"public_key"`
	Graph     string `json:"graph"`
}

// AssertionMessage is the body of an assertion response.
type AssertionMessage struct {
	AssertionID string               `json:"assertion_id"`
	Assertion   *assertion.Assertion `json:"assertion"`
}

// PushResult is the body of a push_assertion_result response.
type PushResult struct {
	AssertionID string `json:"assertion_id"`
	Error       string `json:"error,omitempty"`
}

// FilterPremise is one premise slice of a public_key_assertions response.
type FilterPremise struct {
	PremiseID  string                 `json:"premise_id,omitempty"`
	Header     *PremiseHeader         `json:"header,omitempty"`
	Assertions []*assertion.Assertion `json:"assertions"`
}

// PublicKeyAssertionsMessage is the raw body of a public_key_assertions response.
type PublicKeyAssertionsMessage struct {
	PublicKey      string          `json:"public_key"`
	FilterPremises []FilterPremise `json:"filter_premises"`
}

// Flatten joins the assertions of every filter premise in order.
func (m *PublicKeyAssertionsMessage) Flatten() []*assertion.Assertion {
	out := make([]*assertion.Assertion, 0)
	for _, fp := range m.FilterPremises {
		out = append(out, fp.Assertions...)
	}
	return out
}

// FilterAssertionQueueMessage is the body of a filter_assertion_queue response.
type FilterAssertionQueueMessage struct {
	Assertions []*assertion.Assertion `json:"assertions"`
}

// InvPremiseMessage announces new premises.
type InvPremiseMessage struct {
	PremiseIDs []string `json:"premise_ids"`
}

// PeerAddressesMessage lists peers known to the connected peer.
type PeerAddressesMessage struct {
	Addresses []string `json:"addresses"`
}

// PremiseRequest is the body of get_premise.
type PremiseRequest struct {
	PremiseID string `json:"premise_id"`
}

// PremiseByHeightRequest is the body of get_premise_by_height.
type PremiseByHeightRequest struct {
	Height int64 `json:"height"`
}

// PublicKeyRequest is the body of get_profile and get_graph.
type PublicKeyRequest struct {
	PublicKey string `json:"public_key"`
}

// PushAssertionRequest is the body of push_assertion.
type PushAssertionRequest struct {
	Assertion *assertion.Assertion `json:"assertion"`
}

// AssertionRequest is the body of get_assertion.
type AssertionRequest struct {
	AssertionID string `json:"assertion_id"`
}

// PublicKeyAssertionsRequest is the body of get_public_key_assertions.
type PublicKeyAssertionsRequest struct {
	PublicKey   string `json:"public_key"`
	StartHeight int64  `json:"start_height"`
	EndHeight   int64  `json:"end_height"`
	Limit       int    `json:"limit"`
}

// FilterAddRequest is the body of filter_add.
type FilterAddRequest struct {
	PublicKeys []string `json:"public_keys"`
}
