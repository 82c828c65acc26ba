package assertion

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consequence/explorer/internal/crypto"
	"github.com/consequence/explorer/internal/identity"
)

const testPassphrase = "orchards remember the winter we planted them"

var testKey = strings.Repeat("B", 43) + "="

func ptr[T any](v T) *T { return &v }

func fixedClock() time.Time { return time.Unix(1700000000, 0) }

func fixedNonce() (int64, error) { return 42, nil }

func TestCanonicalFieldOrder(t *testing.T) {
	a := &Assertion{
		Time:      1,
		Nonce:     ptr[int64](2),
		From:      ptr("f"),
		To:        "t",
		Memo:      "a<b&c",
		Series:    ptr[int64](3),
		Signature: ptr("ignored"),
	}
	got, err := Canonical(a)
	require.NoError(t, err)
	assert.Equal(t, `{"time":1,"nonce":2,"from":"f","to":"t","memo":"a<b&c","series":3}`, string(got))
}

func TestCanonicalOmitsAbsentFields(t *testing.T) {
	got, err := Canonical(&Assertion{Time: 5, To: "t", Memo: "genesis"})
	require.NoError(t, err)
	assert.Equal(t, `{"time":5,"to":"t","memo":"genesis"}`, string(got))
}

func TestCanonicalKeepsLineSeparatorsRaw(t *testing.T) {
	got, err := Canonical(&Assertion{Time: 1, To: "t", Memo: "x\u2028y"})
	require.NoError(t, err)
	want := append([]byte(`{"time":1,"to":"t","memo":"x`), 0xE2, 0x80, 0xA8, 'y', '"', '}')
	assert.Equal(t, want, got)

	got, err = Canonical(&Assertion{Time: 1, To: "t", Memo: "x\u2029y"})
	require.NoError(t, err)
	assert.Equal(t, "{\"time\":1,\"to\":\"t\",\"memo\":\"x\u2029y\"}", string(got))

	// A literal backslash before the text u2028 is not a separator.
	got, err = Canonical(&Assertion{Time: 1, To: "t", Memo: `x\u2028y`})
	require.NoError(t, err)
	assert.Equal(t, `{"time":1,"to":"t","memo":"x\\u2028y"}`, string(got))

	got, err = Canonical(&Assertion{Time: 1, To: "t", Memo: "\\\u2028"})
	require.NoError(t, err)
	assert.Equal(t, "{\"time\":1,\"to\":\"t\",\"memo\":\"\\\\\u2028\"}", string(got))
}

func TestIDIgnoresSignature(t *testing.T) {
	a := &Assertion{Time: 1, To: "t", Memo: "m"}
	id := ID(a)
	a.Signature = ptr("sig")
	assert.Equal(t, id, ID(a))
	assert.Len(t, id, 64)
}

func TestIDAvalancheOnMemo(t *testing.T) {
	base := Assertion{Time: 1, Nonce: ptr[int64](7), From: ptr("f"), To: "t", Series: ptr[int64](1)}
	a, b := base, base
	a.Memo = "a"
	b.Memo = "b"
	assert.NotEqual(t, ID(&a), ID(&b))
}

func TestSeriesFor(t *testing.T) {
	assert.Equal(t, int64(1), SeriesFor(19, 20))
	assert.Equal(t, int64(2), SeriesFor(20, 20))
	assert.Equal(t, int64(1), SeriesFor(0, 20))
	assert.Equal(t, int64(1), SeriesFor(1007, 0))
	assert.Equal(t, int64(2), SeriesFor(1008, SeriesLength))
}

func TestSignProducesVerifiableAssertion(t *testing.T) {
	a, err := Sign(testKey, "hello", 19, 0, 2, testPassphrase,
		WithClock(fixedClock), WithNonce(fixedNonce), WithSeriesLength(20))
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000), a.Time)
	assert.Equal(t, int64(42), *a.Nonce)
	assert.Equal(t, int64(1), *a.Series)
	require.NotNil(t, a.Signature)

	pool, err := identity.DerivePersonas(testPassphrase, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, pool[0][2], *a.From)

	require.NoError(t, Verify(a))

	pub, err := base64.StdEncoding.DecodeString(*a.From)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(*a.Signature)
	require.NoError(t, err)

	digest, err := DigestBytes(a)
	require.NoError(t, err)
	assert.Len(t, digest, 32)
	assert.True(t, crypto.Verify(pub, digest, sig))

	// The hex text of the ID is not what gets signed.
	assert.False(t, crypto.Verify(pub, []byte(ID(a)), sig))
}

func TestSignIsDeterministicUnderFixedInputs(t *testing.T) {
	a, err := Sign(testKey, "memo", 40, 0, 0, testPassphrase, WithClock(fixedClock), WithNonce(fixedNonce))
	require.NoError(t, err)
	b, err := Sign(testKey, "memo", 40, 0, 0, testPassphrase, WithClock(fixedClock), WithNonce(fixedNonce))
	require.NoError(t, err)
	assert.Equal(t, ID(a), ID(b))
	assert.Equal(t, *a.Signature, *b.Signature)
}

func TestVerifyDetectsMutation(t *testing.T) {
	a, err := Sign(testKey, "memo", 1, 0, 0, testPassphrase)
	require.NoError(t, err)

	a.Memo = "other memo"
	assert.ErrorIs(t, Verify(a), ErrBadSignature)
}

func TestVerifyUnsigned(t *testing.T) {
	assert.ErrorIs(t, Verify(&Assertion{To: testKey, Memo: "x"}), ErrUnsigned)
	assert.ErrorIs(t, Verify(nil), ErrUnsigned)
}

func TestSignRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		to    string
		memo  string
		field string
	}{
		{"malformed key", "not-a-key", "memo", "to"},
		{"empty memo", testKey, "", "memo"},
		{"oversized memo", testKey, strings.Repeat("x", MaxMemoLength+1), "memo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sign(tt.to, tt.memo, 1, 0, 0, testPassphrase)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSignRejectsIndexOutOfRange(t *testing.T) {
	_, err := Sign(testKey, "memo", 1, 0, 300, testPassphrase)
	assert.ErrorIs(t, err, identity.ErrIndexRange)
}

func TestRandomNonceRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		n, err := randomNonce()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(0))
		assert.Less(t, n, int64(maxNonce))
	}
}

func TestEmbeddedReference(t *testing.T) {
	tests := []struct {
		memo string
		want string
	}{
		{"see //abc123// for context", "abc123"},
		{"//AAA111// and //bbb222//", "AAA111"},
		{"no reference", ""},
		{"//not-hex//", ""},
		{"////", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EmbeddedReference(tt.memo), tt.memo)
	}
}

func TestReferenceRoundTrip(t *testing.T) {
	a := &Assertion{Time: 1, To: testKey, Memo: "genesis"}
	assert.Equal(t, ID(a), EmbeddedReference("prefix "+Reference(a)))
}
