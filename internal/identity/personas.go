package identity

import (
	"errors"
	"fmt"

	"github.com/nbutton23/zxcvbn-go"

	"github.com/consequence/explorer/internal/crypto"
)

// MinStrengthScore is the lowest zxcvbn score accepted for a passphrase.
const MinStrengthScore = 3

// ErrWeakPassphrase is returned by CheckStrength for guessable passphrases.
var ErrWeakPassphrase = errors.New("identity: passphrase is too weak")

// Pool is a rectangular set of persona public keys indexed by [account][address].
type Pool [][]string

// EmptyPool is the pool held after an agent is deleted.
func EmptyPool() Pool {
	return Pool{{}}
}

// At returns the key at (account, address).
func (p Pool) At(account, address int) (string, bool) {
	if account < 0 || account >= len(p) {
		return "", false
	}
	row := p[account]
	if address < 0 || address >= len(row) {
		return "", false
	}
	return row[address], true
}

// Empty reports whether the pool holds no keys.
func (p Pool) Empty() bool {
	for _, row := range p {
		if len(row) > 0 {
			return false
		}
	}
	return true
}

// Contains reports whether key belongs to the pool.
func (p Pool) Contains(key string) bool {
	for _, row := range p {
		for _, k := range row {
			if k == key {
				return true
			}
		}
	}
	return false
}

// DerivePersonas derives numAccounts x numAddresses public keys in row-major
// order. Private seeds are discarded as soon as each public key is computed.
func DerivePersonas(passphrase string, numAccounts, numAddresses int) (Pool, error) {
	if numAccounts < 1 || numAddresses < 1 {
		return nil, fmt.Errorf("identity: pool shape must be positive, got %dx%d", numAccounts, numAddresses)
	}
	if numAccounts-1 > maxIndex || numAddresses-1 > maxIndex {
		return nil, fmt.Errorf("%w: pool shape %dx%d", ErrIndexRange, numAccounts, numAddresses)
	}

	seed := DeriveSeed(DeriveMnemonic(passphrase))
	defer crypto.Zero(seed)

	pool := make(Pool, numAccounts)
	for acct := 0; acct < numAccounts; acct++ {
		pool[acct] = make([]string, numAddresses)
		for addr := 0; addr < numAddresses; addr++ {
			id, err := deriveFromSeed(seed, acct, addr)
			if err != nil {
				return nil, err
			}
			pool[acct][addr] = id.PublicKey
		}
	}
	return pool, nil
}

// StrengthError reports the zxcvbn score of a rejected passphrase.
type StrengthError struct {
	Score int
}

func (e *StrengthError) Error() string {
	return fmt.Sprintf("%s (score %d, need %d)", ErrWeakPassphrase, e.Score, MinStrengthScore)
}

func (e *StrengthError) Unwrap() error {
	return ErrWeakPassphrase
}

// CheckStrength rejects passphrases zxcvbn scores below MinStrengthScore.
func CheckStrength(passphrase string) error {
	if passphrase == "" {
		return &StrengthError{Score: 0}
	}
	result := zxcvbn.PasswordStrength(passphrase, nil)
	if result.Score < MinStrengthScore {
		return &StrengthError{Score: result.Score}
	}
	return nil
}
