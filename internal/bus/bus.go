// Package bus is the process-wide correlation bus between the peer session
// and its callers. Every inbound peer message is republished here by type;
// callers subscribe with a predicate and must cancel on teardown.
package bus

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Message is an inbound peer message as republished on the bus.
type Message struct {
	Type string
	Body json.RawMessage
}

// Match decides whether a subscriber wants a message.
type Match func(Message) bool

// Handler receives matched messages.
type Handler func(Message)

// Cancel releases a subscription. Calling it more than once is harmless.
type Cancel func()

// Option configures a subscription.
type Option func(*subscription)

// Once removes the subscription after its first delivery.
func Once() Option {
	return func(s *subscription) { s.once = true }
}

type subscription struct {
	id      string
	msgType string
	match   Match
	handler Handler
	once    bool
	active  atomic.Bool
}

// Bus routes messages to subscribers keyed by message type.
// Subscriptions live until cancelled or, for Once, until they fire.
type Bus struct {
	subs map[string][]*subscription
	mu   sync.RWMutex
}

// New creates an empty bus
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
	}
}

// Subscribe registers fn for messages of msgType accepted by match.
// A nil match accepts every message of that type.
func (b *Bus) Subscribe(msgType string, match Match, fn Handler, opts ...Option) Cancel {
	sub := &subscription{
		id:      uuid.NewString(),
		msgType: msgType,
		match:   match,
		handler: fn,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[msgType] = append(b.subs[msgType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			b.remove(sub)
		})
	}
}

// Publish delivers msg to every matching subscriber in registration order and
// returns how many received it. Handlers run on the caller's goroutine.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs[msg.Type]))
	copy(subs, b.subs[msg.Type])
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		// Cancelled by an earlier handler in this same publish
		if !sub.active.Load() {
			continue
		}
		if sub.match != nil && !sub.match(msg) {
			continue
		}
		if sub.once {
			if !sub.active.CompareAndSwap(true, false) {
				continue
			}
			b.remove(sub)
		}
		sub.handler(msg)
		delivered++
	}
	return delivered
}

// Count returns the number of live subscriptions
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// CountType returns the number of live subscriptions for msgType
func (b *Bus) CountType(msgType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[msgType])
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.msgType]
	for i, s := range subs {
		if s.id == sub.id {
			b.subs[sub.msgType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	// Drop empty types
	if len(b.subs[sub.msgType]) == 0 {
		delete(b.subs, sub.msgType)
	}
}

// SubscribeJSON subscribes with a body decoded into T. Bodies that do not
// decode are treated as non-matching.
func SubscribeJSON[T any](b *Bus, msgType string, match func(T) bool, fn func(T), opts ...Option) Cancel {
	return b.Subscribe(msgType,
		func(msg Message) bool {
			v, ok := decode[T](msg.Body)
			if !ok {
				return false
			}
			return match == nil || match(v)
		},
		func(msg Message) {
			v, _ := decode[T](msg.Body)
			fn(v)
		},
		opts...)
}

func decode[T any](body json.RawMessage) (T, bool) {
	var v T
	if len(body) == 0 {
		return v, true
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, false
	}
	return v, true
}
