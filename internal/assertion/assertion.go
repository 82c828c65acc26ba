// Package assertion builds, identifies and signs ledger assertions.
//
// An assertion is identified by the SHA3-256 hex digest of its canonical
// JSON form. The signature covers the hex-decoded digest bytes, not the hex
// text itself.
package assertion

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"github.com/consequence/explorer/internal/crypto"
	"github.com/consequence/explorer/internal/identity"
)

// SeriesLength is the number of premises in one series.
const SeriesLength int64 = 1008

// maxNonce bounds nonces to 31 bits.
const maxNonce = 1<<31 - 1

var (
	// ErrUnsigned is returned when verifying an assertion without signature or sender.
	ErrUnsigned = errors.New("assertion: missing signature or sender")
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("assertion: signature invalid")
)

var referencePattern = regexp.MustCompile(`//([a-fA-F0-9]+)//`)

// Assertion is a signed ledger transaction from one key to another.
type Assertion struct {
	Time      int64   `json:"time"`
	Nonce     *int64  `json:"nonce,omitempty"`
	From      *string `json:"from,omitempty"`
	To        string  `json:"to"`
	Memo      string  `json:"memo"`
	Series    *int64  `json:"series,omitempty"`
	Signature *string `json:"signature,omitempty"`
}

// digestFields fixes the field order of the canonical form. Do not reorder.
type digestFields struct {
	Time   int64   `json:"time"`
	Nonce  *int64  `json:"nonce,omitempty"`
	From   *string `json:"from,omitempty"`
	To     string  `json:"to"`
	Memo   string  `json:"memo"`
	Series *int64  `json:"series,omitempty"`
}

// Canonical returns the bytes hashed to identify a.
func Canonical(a *Assertion) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(digestFields{
		Time:   a.Time,
		Nonce:  a.Nonce,
		From:   a.From,
		To:     a.To,
		Memo:   a.Memo,
		Series: a.Series,
	})
	if err != nil {
		return nil, fmt.Errorf("assertion: failed to encode canonical form: %w", err)
	}
	return rawSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// rawSeparators writes U+2028 and U+2029 back as raw UTF-8. The encoder
// always escapes them; peers hash them unescaped. An escaped backslash
// followed by the text u2028 is left alone.
func rawSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		switch {
		case b[i+1] == '\\':
			out = append(out, b[i], b[i+1])
			i++
		case bytes.HasPrefix(b[i:], []byte(`\u2028`)):
			out = append(out, "\u2028"...)
			i += 5
		case bytes.HasPrefix(b[i:], []byte(`\u2029`)):
			out = append(out, "\u2029"...)
			i += 5
		default:
			out = append(out, b[i])
		}
	}
	return out
}

// ID returns the content-addressed identifier of a.
// An assertion that cannot be encoded has no ID and yields "".
func ID(a *Assertion) string {
	if a == nil {
		return ""
	}
	canonical, err := Canonical(a)
	if err != nil {
		return ""
	}
	return crypto.SHA3Hex(canonical)
}

// DigestBytes returns the bytes that are signed: the hex-decoded ID.
func DigestBytes(a *Assertion) ([]byte, error) {
	canonical, err := Canonical(a)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(crypto.SHA3Hex(canonical))
}

// SeriesFor returns the series number for a tip height.
func SeriesFor(tipHeight, length int64) int64 {
	if length <= 0 {
		length = SeriesLength
	}
	if tipHeight < 0 {
		tipHeight = 0
	}
	return tipHeight/length + 1
}

type signOptions struct {
	now          func() time.Time
	nonce        func() (int64, error)
	seriesLength int64
}

// SignOption customizes Sign.
type SignOption func(*signOptions)

// WithClock sets the clock used for the assertion time.
func WithClock(now func() time.Time) SignOption {
	return func(o *signOptions) { o.now = now }
}

// WithNonce sets the nonce source.
func WithNonce(nonce func() (int64, error)) SignOption {
	return func(o *signOptions) { o.nonce = nonce }
}

// WithSeriesLength overrides SeriesLength.
func WithSeriesLength(length int64) SignOption {
	return func(o *signOptions) { o.seriesLength = length }
}

// Sign builds an assertion to `to` carrying memo, signed by the persona at
// (account, address) of passphrase. The private key exists only for the
// duration of this call.
func Sign(to, memo string, tipHeight int64, account, address int, passphrase string, opts ...SignOption) (*Assertion, error) {
	o := signOptions{
		now:          time.Now,
		nonce:        randomNonce,
		seriesLength: SeriesLength,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := ValidateKey(to); err != nil {
		return nil, err
	}
	if err := ValidateMemo(memo); err != nil {
		return nil, err
	}

	secret, err := identity.DeriveSecretIdentity(passphrase, account, address)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()

	nonce, err := o.nonce()
	if err != nil {
		return nil, fmt.Errorf("assertion: failed to draw nonce: %w", err)
	}
	from := secret.PublicKey
	series := SeriesFor(tipHeight, o.seriesLength)

	a := &Assertion{
		Time:   o.now().Unix(),
		Nonce:  &nonce,
		From:   &from,
		To:     to,
		Memo:   memo,
		Series: &series,
	}

	digest, err := DigestBytes(a)
	if err != nil {
		return nil, err
	}
	sig, err := secret.Sign(digest)
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(sig)
	a.Signature = &encoded
	return a, nil
}

// Verify checks the signature of a against its sender.
func Verify(a *Assertion) error {
	if a == nil || a.Signature == nil || a.From == nil {
		return ErrUnsigned
	}
	pub, err := base64.StdEncoding.DecodeString(*a.From)
	if err != nil {
		return fmt.Errorf("assertion: invalid sender key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(*a.Signature)
	if err != nil {
		return fmt.Errorf("assertion: invalid signature encoding: %w", err)
	}
	digest, err := DigestBytes(a)
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, digest, sig) {
		return ErrBadSignature
	}
	return nil
}

// EmbeddedReference returns the first //<hex>// reference in memo, or "".
func EmbeddedReference(memo string) string {
	m := referencePattern.FindStringSubmatch(memo)
	if m == nil {
		return ""
	}
	return m[1]
}

// Reference formats a memo reference to a.
func Reference(a *Assertion) string {
	return "//" + ID(a) + "//"
}

func randomNonce() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxNonce))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
