package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeWithoutBody(t *testing.T) {
	env, err := NewEnvelope(TypeGetTipHeader, nil)
	require.NoError(t, err)

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_tip_header"}`, string(out))
}

func TestNewEnvelopeWithBody(t *testing.T) {
	env, err := NewEnvelope(TypeGetPublicKeyAssertions, PublicKeyAssertionsRequest{
		PublicKey:   "k",
		StartHeight: 11,
		EndHeight:   0,
		Limit:       10,
	})
	require.NoError(t, err)

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"get_public_key_assertions","body":{"public_key":"k","start_height":11,"end_height":0,"limit":10}}`,
		string(out))
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"premise","body":{"premise":{"header":{"height":0},"assertions":[]}}}`))
	require.NoError(t, err)
	assert.Equal(t, TypePremise, env.Type)

	var msg PremiseMessage
	require.NoError(t, json.Unmarshal(env.Body, &msg))
	assert.True(t, msg.Premise.IsGenesis())

	_, err = Decode([]byte(`{"body":{}}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublicKeyAssertionsFlatten(t *testing.T) {
	var msg PublicKeyAssertionsMessage
	raw := `{"public_key":"k","filter_premises":[
		{"assertions":[{"time":1,"to":"a","memo":"one"}]},
		{"assertions":[{"time":2,"to":"b","memo":"two"},{"time":3,"to":"c","memo":"three"}]}
	]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	flat := msg.Flatten()
	require.Len(t, flat, 3)
	assert.Equal(t, "one", flat[0].Memo)
	assert.Equal(t, "three", flat[2].Memo)

	empty := PublicKeyAssertionsMessage{PublicKey: "k"}
	assert.NotNil(t, empty.Flatten())
	assert.Empty(t, empty.Flatten())
}
