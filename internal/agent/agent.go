// Package agent holds the persona pool derived from the user's passphrase
// and the persona currently selected for signing. It never holds secrets:
// the passphrase is used once per Import or Sign and then dropped.
package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/consequence/explorer/internal/assertion"
	"github.com/consequence/explorer/internal/identity"
	"github.com/consequence/explorer/internal/store"
)

var (
	// ErrNoPersonas is returned when an operation needs an imported pool.
	ErrNoPersonas = errors.New("agent: no personas imported")
	// ErrSelection is returned by Select for an index outside the pool.
	ErrSelection = errors.New("agent: selection outside persona pool")
	// ErrPassphraseMismatch is returned by Sign when the passphrase derives a
	// different key than the selected persona.
	ErrPassphraseMismatch = errors.New("agent: passphrase does not match the selected persona")
)

// Index is the selected (account, address) pair.
type Index [2]int

func (i Index) Account() int { return i[0] }
func (i Index) Address() int { return i[1] }

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithShape overrides the default 1 account by 7 address pool shape.
func WithShape(accounts, addresses int) Option {
	return func(a *Agent) {
		a.accounts = accounts
		a.addresses = addresses
	}
}

// Agent is the persona holder.
type Agent struct {
	store     store.Store
	logger    *slog.Logger
	accounts  int
	addresses int

	mu       sync.RWMutex
	pool     identity.Pool
	selected Index
}

// New creates an agent and restores any persisted pool and selection.
func New(s store.Store, opts ...Option) (*Agent, error) {
	a := &Agent{
		store:     s,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		accounts:  identity.DefaultAccounts,
		addresses: identity.DefaultAddresses,
		pool:      identity.EmptyPool(),
	}
	for _, opt := range opts {
		opt(a)
	}

	var pool identity.Pool
	switch err := store.LoadJSON(s, store.KeyPublicKeys, &pool); {
	case err == nil && len(pool) > 0:
		a.pool = pool
	case err != nil && !store.IsNotFound(err):
		return nil, fmt.Errorf("failed to restore personas: %w", err)
	}

	var idx Index
	switch err := store.LoadJSON(s, store.KeySelectedKeyIndex, &idx); {
	case err == nil:
		if _, ok := a.pool.At(idx.Account(), idx.Address()); ok || a.pool.Empty() {
			a.selected = idx
		}
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("failed to restore selection: %w", err)
	}

	return a, nil
}

// Import derives a fresh pool from passphrase, replacing the current one.
// Weak passphrases are rejected before any derivation.
func (a *Agent) Import(passphrase string) error {
	if err := identity.CheckStrength(passphrase); err != nil {
		return err
	}

	pool, err := identity.DerivePersonas(passphrase, a.accounts, a.addresses)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pool = pool
	a.selected = Index{}
	a.mu.Unlock()

	if err := a.persist(); err != nil {
		return err
	}
	a.logger.Info("personas imported", "accounts", len(pool), "addresses", len(pool[0]))
	return nil
}

// Delete clears the pool. The selection is kept so a re-import lands on it.
func (a *Agent) Delete() error {
	a.mu.Lock()
	a.pool = identity.EmptyPool()
	a.mu.Unlock()

	if err := store.SaveJSON(a.store, store.KeyPublicKeys, identity.EmptyPool()); err != nil {
		return fmt.Errorf("failed to persist personas: %w", err)
	}
	a.logger.Info("personas deleted")
	return nil
}

// Select makes (account, address) the signing persona.
func (a *Agent) Select(account, address int) error {
	a.mu.Lock()
	if _, ok := a.pool.At(account, address); !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: m/%d/%d", ErrSelection, account, address)
	}
	a.selected = Index{account, address}
	a.mu.Unlock()

	if err := store.SaveJSON(a.store, store.KeySelectedKeyIndex, Index{account, address}); err != nil {
		return fmt.Errorf("failed to persist selection: %w", err)
	}
	return nil
}

// Selected returns the selected index.
func (a *Agent) Selected() Index {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.selected
}

// SelectedKey returns the public key of the selected persona.
func (a *Agent) SelectedKey() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool.At(a.selected.Account(), a.selected.Address())
}

// Pool returns a copy of the persona pool.
func (a *Agent) Pool() identity.Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(identity.Pool, len(a.pool))
	for i, row := range a.pool {
		out[i] = append([]string{}, row...)
	}
	return out
}

// HasPersonas reports whether a pool is imported.
func (a *Agent) HasPersonas() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.pool.Empty()
}

// Sign signs an assertion from the selected persona. The passphrase must
// derive the same key the pool holds at the selection.
func (a *Agent) Sign(to, memo string, tipHeight int64, passphrase string, opts ...assertion.SignOption) (*assertion.Assertion, error) {
	key, ok := a.SelectedKey()
	if !ok {
		return nil, ErrNoPersonas
	}
	idx := a.Selected()

	signed, err := assertion.Sign(to, memo, tipHeight, idx.Account(), idx.Address(), passphrase, opts...)
	if err != nil {
		return nil, err
	}
	if signed.From == nil || *signed.From != key {
		return nil, ErrPassphraseMismatch
	}
	return signed, nil
}

func (a *Agent) persist() error {
	a.mu.RLock()
	pool, idx := a.pool, a.selected
	a.mu.RUnlock()

	if err := store.SaveJSON(a.store, store.KeyPublicKeys, pool); err != nil {
		return fmt.Errorf("failed to persist personas: %w", err)
	}
	if err := store.SaveJSON(a.store, store.KeySelectedKeyIndex, idx); err != nil {
		return fmt.Errorf("failed to persist selection: %w", err)
	}
	return nil
}
