// Package bus carries messages between the list driver, detail workers and
// the coordinator layer. The message kinds form a closed set.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a message type.
type Kind string

const (
	KindPersistState     Kind = "persistState"
	KindRequestLoadState Kind = "requestLoadState"
	KindStartSession     Kind = "startSession"
	KindStopSession      Kind = "stopSession"
	KindOpenWorkerFor    Kind = "openWorkerFor"
	KindWorkerCompleted  Kind = "workerCompleted"
	KindRelayToOpener    Kind = "relayToOpener"
	KindShipLog          Kind = "shipLog"
)

var kinds = map[Kind]struct{}{
	KindPersistState:     {},
	KindRequestLoadState: {},
	KindStartSession:     {},
	KindStopSession:      {},
	KindOpenWorkerFor:    {},
	KindWorkerCompleted:  {},
	KindRelayToOpener:    {},
	KindShipLog:          {},
}

// Valid reports whether k belongs to the closed set of kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

var (
	// ErrNoHandler is returned by Request when nothing handles the kind.
	ErrNoHandler = errors.New("bus: no handler registered")
	// ErrUnknownKind is returned for kinds outside the closed set.
	ErrUnknownKind = errors.New("bus: unknown message kind")
)

// Envelope is one message. From and To are execution context ids; an empty
// To addresses the coordinator layer.
type Envelope struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
	Body any       `json:"body,omitempty"`
	At   time.Time `json:"at"`
}

// NewEnvelope stamps an id and timestamp.
func NewEnvelope(kind Kind, from, to string, body any) Envelope {
	return Envelope{
		ID:   uuid.NewString(),
		Kind: kind,
		From: from,
		To:   to,
		Body: body,
		At:   time.Now(),
	}
}

// Handler serves one kind. The returned value is the reply for Request and
// is discarded for Send.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Mirror receives a copy of every fire-and-forget message.
type Mirror interface {
	Publish(env Envelope) error
}

// Bus is the message bus contract.
type Bus interface {
	Handle(kind Kind, h Handler)
	Request(ctx context.Context, env Envelope) (any, error)
	Send(ctx context.Context, env Envelope) error
	Subscribe(kind Kind, to string) (<-chan Envelope, func())
}

type subKey struct {
	kind Kind
	to   string
}

// subscriberBuffer bounds undelivered messages per subscription.
const subscriberBuffer = 16

// Local is the in-process bus.
type Local struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	subs     map[subKey]map[uint64]chan Envelope
	nextID   uint64
	mirror   Mirror

	inflight sync.WaitGroup
}

// NewLocal creates an empty bus. mirror may be nil.
func NewLocal(mirror Mirror) *Local {
	return &Local{
		handlers: make(map[Kind]Handler),
		subs:     make(map[subKey]map[uint64]chan Envelope),
		mirror:   mirror,
	}
}

// Handle registers the handler for kind, replacing any previous one.
func (b *Local) Handle(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Request calls the kind's handler synchronously and returns its reply.
func (b *Local) Request(ctx context.Context, env Envelope) (any, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	b.mu.RLock()
	h, ok := b.handlers[env.Kind]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, env.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h(ctx, env)
}

// Send delivers env to matching subscribers, runs the kind's handler (if
// any) asynchronously and mirrors the message. It never blocks on slow
// consumers: a full subscription drops the message with a warning.
func (b *Local) Send(ctx context.Context, env Envelope) error {
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	b.mu.RLock()
	h, hasHandler := b.handlers[env.Kind]
	var targets []chan Envelope
	for _, ch := range b.subs[subKey{env.Kind, env.To}] {
		targets = append(targets, ch)
	}
	if env.To != "" {
		for _, ch := range b.subs[subKey{env.Kind, ""}] {
			targets = append(targets, ch)
		}
	}
	// Deliver under the read lock so a concurrent unsubscribe can't close
	// a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- env:
		default:
			slog.Warn("bus: subscriber full, dropping message", "kind", env.Kind, "to", env.To, "id", env.ID)
		}
	}
	b.mu.RUnlock()

	if hasHandler {
		b.inflight.Add(1)
		go func() {
			defer b.inflight.Done()
			if _, err := h(context.WithoutCancel(ctx), env); err != nil {
				slog.Warn("bus: handler failed", "kind", env.Kind, "from", env.From, "error", err)
			}
		}()
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(env); err != nil {
			slog.Debug("bus: mirror publish failed", "kind", env.Kind, "error", err)
		}
	}
	return nil
}

// Subscribe receives messages of kind addressed to to. An empty to
// receives every message of that kind. The returned func cancels the
// subscription and closes the channel.
func (b *Local) Subscribe(kind Kind, to string) (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)
	key := subKey{kind, to}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]chan Envelope)
	}
	b.subs[key][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[key], id)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Wait blocks until every asynchronously running handler has returned.
func (b *Local) Wait() {
	b.inflight.Wait()
}
