package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consequence/explorer/internal/agent"
	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/bus"
	"github.com/consequence/explorer/internal/graph"
	"github.com/consequence/explorer/internal/peers"
	"github.com/consequence/explorer/internal/protocol"
	"github.com/consequence/explorer/internal/store"
)

const passphrase = "correct horse battery staple orbit 1987"

type recorder struct {
	mu     sync.Mutex
	frames []protocol.Envelope
	err    error
}

func (r *recorder) WriteJSON(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, v.(protocol.Envelope))
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func (r *recorder) last(t *testing.T) protocol.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.frames)
	return r.frames[len(r.frames)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

func frame(t *testing.T, msgType string, body any) []byte {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, body)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

// openClient returns a client that has completed its first load.
func openClient(t *testing.T, opts ...Option) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c := New(rec, opts...)
	c.SetState(Open)
	rec.reset()
	return c, rec
}

func TestRequestsAreGatedUntilOpen(t *testing.T) {
	for _, state := range []State{Connecting, Closing, Closed} {
		t.Run(state.String(), func(t *testing.T) {
			rec := &recorder{}
			c := New(rec)
			c.SetState(state)

			cancels := map[string]func() (bus.Cancel, error){
				"tip":       func() (bus.Cancel, error) { return c.RequestTipHeader(func(protocol.PremiseIDHeaderPair) {}) },
				"premiseID": func() (bus.Cancel, error) { return c.RequestPremiseByID("p", func(*protocol.Premise) {}) },
				"premiseH":  func() (bus.Cancel, error) { return c.RequestPremiseByHeight(3, func(*protocol.Premise) {}) },
				"profile":   func() (bus.Cancel, error) { return c.RequestProfile("k", func(protocol.Profile) {}) },
				"graph":     func() (bus.Cancel, error) { return c.RequestGraph("k", func(*graph.Model) {}) },
				"watch":     func() (bus.Cancel, error) { return c.WatchGraph("k") },
				"assertion": func() (bus.Cancel, error) { return c.RequestAssertion("ab", func(*assertion.Assertion) {}) },
				"keyTxs":    func() (bus.Cancel, error) { return c.RequestPublicKeyAssertions("k", func([]*assertion.Assertion) {}) },
				"pending":   func() (bus.Cancel, error) { return c.RequestPendingAssertions("k", func([]*assertion.Assertion) {}) },
				"push": func() (bus.Cancel, error) {
					_, cancel, err := c.PushAssertion("to", "memo", passphrase, func(protocol.PushResult) {})
					return cancel, err
				},
			}
			for name, call := range cancels {
				cancel, err := call()
				assert.ErrorIs(t, err, ErrNotConnected, name)
				assert.Nil(t, cancel, name)
			}
			assert.ErrorIs(t, c.RequestPeers(), ErrNotConnected)
			assert.ErrorIs(t, c.ApplyFilter([]string{"k"}), ErrNotConnected)

			assert.Empty(t, rec.types())
			assert.Equal(t, 0, c.Bus().Count())
			assert.Empty(t, c.Watched())
		})
	}
}

func TestOpenRunsFirstLoad(t *testing.T) {
	rec := &recorder{}
	c := New(rec)
	assert.Equal(t, Closed, c.State())

	c.SetState(Connecting)
	assert.Empty(t, rec.types())

	c.SetState(Open)
	assert.Equal(t, []string{
		protocol.TypeGetPeerAddresses,
		protocol.TypeGetTipHeader,
		protocol.TypeGetPremiseByHeight,
	}, rec.types())
	assert.JSONEq(t, `{"height":0}`, string(rec.last(t).Body))

	// Repeating the same state does not rerun the hooks.
	c.SetState(Open)
	assert.Len(t, rec.types(), 3)

	ran := 0
	c.AfterOpen(func() { ran++ })
	c.SetState(Closed)
	c.SetState(Open)
	assert.Equal(t, 1, ran)
	assert.Len(t, rec.types(), 6)
}

func TestWriteFailureReleasesSubscription(t *testing.T) {
	c, rec := openClient(t)
	rec.err = errors.New("broken pipe")

	cancel, err := c.RequestProfile("k", func(protocol.Profile) {})
	assert.Error(t, err)
	assert.Nil(t, cancel)
	assert.Equal(t, 0, c.Bus().Count())
}

func TestTipHeaderCachedBeforePublish(t *testing.T) {
	c, _ := openClient(t)

	var seen []int64
	cancel, err := c.RequestTipHeader(func(tip protocol.PremiseIDHeaderPair) {
		cached, ok := c.TipHeader()
		require.True(t, ok)
		assert.Equal(t, tip, cached)
		seen = append(seen, tip.Header.Height)
	})
	require.NoError(t, err)
	defer cancel()

	c.HandleMessage(frame(t, protocol.TypeTipHeader, protocol.PremiseIDHeaderPair{PremiseID: "a", Header: protocol.PremiseHeader{Height: 41}}))
	c.HandleMessage(frame(t, protocol.TypeTipHeader, protocol.PremiseIDHeaderPair{PremiseID: "b", Header: protocol.PremiseHeader{Height: 42}}))

	assert.Equal(t, []int64{41, 42}, seen)
	assert.Equal(t, int64(42), c.TipHeight())
}

func TestPremiseDispatchAndPersistence(t *testing.T) {
	s := store.NewMemory()
	c, _ := openClient(t, WithStore(s))

	genesis := &protocol.Premise{Header: protocol.PremiseHeader{Height: 0, Time: 1}}
	later := &protocol.Premise{Header: protocol.PremiseHeader{Height: 9, Time: 2}}

	var got []int64
	cancel, err := c.RequestPremiseByHeight(0, func(p *protocol.Premise) { got = append(got, p.Header.Height) })
	require.NoError(t, err)
	defer cancel()

	c.HandleMessage(frame(t, protocol.TypePremise, protocol.PremiseMessage{Premise: genesis}))
	assert.Equal(t, int64(0), c.GenesisPremise().Header.Height)
	assert.Equal(t, int64(0), c.CurrentPremise().Header.Height)

	c.HandleMessage(frame(t, protocol.TypePremise, protocol.PremiseMessage{PremiseID: "x", Premise: later}))
	assert.Equal(t, int64(0), c.GenesisPremise().Header.Height)
	assert.Equal(t, int64(9), c.CurrentPremise().Header.Height)
	assert.Equal(t, []int64{0, 9}, got)

	var stored protocol.Premise
	require.NoError(t, store.LoadJSON(s, store.KeyCurrentPremise, &stored))
	assert.Equal(t, int64(9), stored.Header.Height)
	require.NoError(t, store.LoadJSON(s, store.KeyGenesisPremise, &stored))
	assert.Equal(t, int64(0), stored.Header.Height)

	restored := New(&recorder{}, WithStore(s))
	assert.Equal(t, int64(9), restored.CurrentPremise().Header.Height)
	assert.NotNil(t, restored.GenesisPremise())
}

func TestInvPremiseRefreshesTipAndRepublishes(t *testing.T) {
	c, rec := openClient(t)

	var announced []string
	cancel := bus.SubscribeJSON(c.Bus(), protocol.TypeInvPremise, nil, func(m protocol.InvPremiseMessage) {
		announced = append(announced, m.PremiseIDs...)
	})
	defer cancel()

	c.HandleMessage(frame(t, protocol.TypeInvPremise, protocol.InvPremiseMessage{PremiseIDs: []string{"p1"}}))
	assert.Equal(t, []string{protocol.TypeGetTipHeader}, rec.types())
	assert.Equal(t, []string{"p1"}, announced)
}

func TestProfileCorrelation(t *testing.T) {
	c, rec := openClient(t)

	_, err := c.RequestProfile("", func(protocol.Profile) {})
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Empty(t, rec.types())

	var got []protocol.Profile
	cancel, err := c.RequestProfile("alice", func(p protocol.Profile) { got = append(got, p) })
	require.NoError(t, err)
	assert.JSONEq(t, `{"public_key":"alice"}`, string(rec.last(t).Body))

	c.HandleMessage(frame(t, protocol.TypeProfile, protocol.Profile{PublicKey: "bob", Ranking: 0.2}))
	c.HandleMessage(frame(t, protocol.TypeProfile, protocol.Profile{PublicKey: "alice", Ranking: 0.7, Imbalance: -4}))
	require.Len(t, got, 1)
	assert.Equal(t, 0.7, got[0].Ranking)
	assert.Equal(t, int64(-4), got[0].Imbalance)

	cancel()
	c.HandleMessage(frame(t, protocol.TypeProfile, protocol.Profile{PublicKey: "alice"}))
	assert.Len(t, got, 1)
	assert.Equal(t, 0, c.Bus().Count())
}

const focalDOT = `digraph {
	0 [pubkey="F", label="focal", ranking="0.1"];
	1 [pubkey="H", label="high", ranking="0.8"];
	2 [pubkey="L", label="low", ranking="0.3"];
	1 -> 0 [weight="1", height="3", time="30"];
	2 -> 0 [weight="1", height="4", time="40"];
}`

func TestGraphDispatchAppliesRankingFilter(t *testing.T) {
	s := store.NewMemory()
	c, rec := openClient(t, WithStore(s), WithRankingFilter(50))

	var models []*graph.Model
	cancel, err := c.RequestGraph("F", func(m *graph.Model) { models = append(models, m) })
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, protocol.TypeGetGraph, rec.last(t).Type)

	c.HandleMessage(frame(t, protocol.TypeGraph, protocol.GraphMessage{PublicKey: "F", Graph: focalDOT}))
	require.Len(t, models, 1)
	m := c.Graph()
	assert.Len(t, m.Nodes, 2)
	assert.Len(t, m.Links, 1)
	assert.Equal(t, int64(0), m.FocalID)

	var stored graph.Model
	require.NoError(t, store.LoadJSON(s, store.KeyFlowGraph, &stored))
	assert.Equal(t, m.CID, stored.CID)

	c.SetRankingFilter(0)
	c.HandleMessage(frame(t, protocol.TypeGraph, protocol.GraphMessage{PublicKey: "F", Graph: focalDOT}))
	assert.Len(t, c.Graph().Nodes, 3)

	// Unparseable graphs leave the cached model alone and reach no callback.
	c.HandleMessage(frame(t, protocol.TypeGraph, protocol.GraphMessage{PublicKey: "F", Graph: "digraph {"}))
	assert.Len(t, c.Graph().Nodes, 3)
	assert.Len(t, models, 2)
}

func TestWatchGraphRefreshesOnNewPremise(t *testing.T) {
	c, rec := openClient(t)

	stop, err := c.WatchGraph("F")
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeGetGraph}, rec.types())
	assert.Equal(t, "F", c.Watched())

	rec.reset()
	c.HandleMessage(frame(t, protocol.TypeInvPremise, protocol.InvPremiseMessage{PremiseIDs: []string{"n"}}))
	assert.Equal(t, []string{protocol.TypeGetTipHeader, protocol.TypeGetGraph}, rec.types())

	stop()
	rec.reset()
	c.HandleMessage(frame(t, protocol.TypeInvPremise, protocol.InvPremiseMessage{PremiseIDs: []string{"m"}}))
	assert.Equal(t, []string{protocol.TypeGetTipHeader}, rec.types())
}

func newSigner(t *testing.T) *agent.Agent {
	t.Helper()
	a, err := agent.New(store.NewMemory())
	require.NoError(t, err)
	require.NoError(t, a.Import(passphrase))
	return a
}

func TestPushAssertionPreconditions(t *testing.T) {
	c, rec := openClient(t)
	_, _, err := c.PushAssertion("to", "memo", passphrase, nil)
	assert.ErrorIs(t, err, ErrNoPersonas)

	a := newSigner(t)
	c, rec = openClient(t, WithSigner(a))
	_, _, err = c.PushAssertion(a.Pool()[0][1], "memo", passphrase, nil)
	assert.ErrorIs(t, err, ErrNoTip)

	c.HandleMessage(frame(t, protocol.TypeTipHeader, protocol.PremiseIDHeaderPair{Header: protocol.PremiseHeader{Height: 30}}))
	_, _, err = c.PushAssertion("bad key", "memo", passphrase, nil)
	var verr *assertion.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, rec.types())
}

func TestPushAssertionCorrelatesByID(t *testing.T) {
	a := newSigner(t)
	c, rec := openClient(t, WithSigner(a), WithSeriesLength(20))
	c.HandleMessage(frame(t, protocol.TypeTipHeader, protocol.PremiseIDHeaderPair{Header: protocol.PremiseHeader{Height: 20}}))

	var results []protocol.PushResult
	signed, cancel, err := c.PushAssertion(a.Pool()[0][3], "thanks //abc123//", passphrase, func(r protocol.PushResult) {
		results = append(results, r)
	})
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, int64(2), *signed.Series)
	assert.NoError(t, assertion.Verify(signed))

	sent := rec.last(t)
	assert.Equal(t, protocol.TypePushAssertion, sent.Type)
	var req protocol.PushAssertionRequest
	require.NoError(t, json.Unmarshal(sent.Body, &req))
	assert.Equal(t, assertion.ID(signed), assertion.ID(req.Assertion))

	c.HandleMessage(frame(t, protocol.TypePushAssertionResult, protocol.PushResult{AssertionID: "ffff"}))
	assert.Empty(t, results)

	c.HandleMessage(frame(t, protocol.TypePushAssertionResult, protocol.PushResult{AssertionID: assertion.ID(signed)}))
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Error)
}

func TestRequestAssertionMatchesRecomputedID(t *testing.T) {
	c, _ := openClient(t)

	nonce := int64(5)
	wanted := &assertion.Assertion{Time: 10, Nonce: &nonce, To: "t", Memo: "wanted"}
	other := &assertion.Assertion{Time: 10, Nonce: &nonce, To: "t", Memo: "other"}
	id := assertion.ID(wanted)

	var got []*assertion.Assertion
	cancel, err := c.RequestAssertion(id, func(a *assertion.Assertion) { got = append(got, a) })
	require.NoError(t, err)
	defer cancel()

	// A response carrying the right id label but the wrong content is ignored.
	c.HandleMessage(frame(t, protocol.TypeAssertion, protocol.AssertionMessage{AssertionID: id, Assertion: other}))
	c.HandleMessage(frame(t, protocol.TypeAssertion, protocol.AssertionMessage{AssertionID: id}))
	c.HandleMessage(frame(t, protocol.TypeAssertion, protocol.AssertionMessage{AssertionID: "x", Assertion: wanted}))

	require.Len(t, got, 1)
	assert.Equal(t, "wanted", got[0].Memo)
}

func TestPublicKeyAssertionsRequest(t *testing.T) {
	c, rec := openClient(t)

	_, err := c.RequestPublicKeyAssertions("k", nil)
	assert.ErrorIs(t, err, ErrNoTip)

	c.HandleMessage(frame(t, protocol.TypeTipHeader, protocol.PremiseIDHeaderPair{Header: protocol.PremiseHeader{Height: 77}}))

	var got [][]*assertion.Assertion
	cancel, err := c.RequestPublicKeyAssertions("k", func(as []*assertion.Assertion) { got = append(got, as) })
	require.NoError(t, err)
	defer cancel()

	assert.JSONEq(t, `{"public_key":"k","start_height":78,"end_height":0,"limit":10}`, string(rec.last(t).Body))

	c.HandleMessage([]byte(`{"type":"public_key_assertions","body":{"public_key":"other","filter_premises":[{"assertions":[{"time":1,"to":"x","memo":"m"}]}]}}`))
	c.HandleMessage([]byte(`{"type":"public_key_assertions","body":{"public_key":"k","filter_premises":[{"assertions":[{"time":1,"to":"x","memo":"a"}]},{"assertions":[{"time":2,"to":"y","memo":"b"}]}]}}`))
	c.HandleMessage([]byte(`{"type":"public_key_assertions","body":{"public_key":"k"}}`))

	require.Len(t, got, 2)
	assert.Len(t, got[0], 2)
	assert.NotNil(t, got[1])
	assert.Empty(t, got[1])
}

func TestPendingAssertionsFilterThenQuery(t *testing.T) {
	c, rec := openClient(t)

	assert.NoError(t, c.ApplyFilter(nil))
	assert.Empty(t, rec.types())

	var got [][]*assertion.Assertion
	cancel, err := c.RequestPendingAssertions("k", func(as []*assertion.Assertion) { got = append(got, as) })
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, []string{protocol.TypeFilterAdd, protocol.TypeGetFilterAssertionQueue}, rec.types())
	rec.mu.Lock()
	assert.JSONEq(t, `{"public_keys":["k"]}`, string(rec.frames[0].Body))
	rec.mu.Unlock()

	c.HandleMessage([]byte(`{"type":"filter_assertion_queue","body":{}}`))
	require.Len(t, got, 1)
	assert.NotNil(t, got[0])

	_, err = c.RequestPendingAssertions("", nil)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestPeerAddressesFeedRegistry(t *testing.T) {
	registry := peers.NewRegistry()
	c, _ := openClient(t, WithPeers(registry))

	c.HandleMessage(frame(t, protocol.TypePeerAddresses, protocol.PeerAddressesMessage{
		Addresses: []string{"10.1.1.1:8832", "bogus", "10.1.1.2:8832"},
	}))
	assert.Equal(t, 2, registry.Count())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	c, _ := openClient(t)

	delivered := 0
	cancel := c.Bus().Subscribe(protocol.TypeTipHeader, nil, func(bus.Message) { delivered++ })
	defer cancel()

	c.HandleMessage([]byte(`not json`))
	c.HandleMessage([]byte(`{"body":{}}`))
	c.HandleMessage([]byte(`{"type":"tip_header","body":"nonsense"}`))

	_, ok := c.TipHeader()
	assert.False(t, ok)
	// Undecodable bodies are still republished; the cache is untouched.
	assert.Equal(t, 1, delivered)
}
