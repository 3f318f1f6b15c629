package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EventKind enumerates authentication state changes.
type EventKind string

const (
	EventSignedIn            EventKind = "signed_in"
	EventSignedOut           EventKind = "signed_out"
	EventPasswordChanged     EventKind = "password_changed"
	EventPasswordResetForced EventKind = "password_reset_forced"
	EventRoleChanged         EventKind = "role_changed"
)

// Event describes one authentication state change for a user.
// Origin is set by the Relay for events received from other instances.
type Event struct {
	Kind   EventKind `json:"kind"`
	UserID string    `json:"user_id"`
	Origin string    `json:"origin,omitempty"`
}

// Broker fans events out to in-process subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function removing it.
func (b *Broker) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt synchronously to every subscriber.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// EventsChannel is the Redis pub/sub channel used by Relay.
const EventsChannel = "identity.events"

// Relay mirrors broker events across server instances through Redis pub/sub.
type Relay struct {
	client *redis.Client
	broker *Broker
	origin string
	logger *slog.Logger
}

// NewRelay constructs a Relay. origin identifies this instance.
func NewRelay(client *redis.Client, broker *Broker, origin string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, broker: broker, origin: origin, logger: logger}
}

// Run publishes local events to Redis and re-publishes remote events
// locally until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	unsubscribe := r.broker.Subscribe(func(evt Event) {
		if evt.Origin != "" {
			return
		}
		evt.Origin = r.origin
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		if err := r.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
			r.logger.Warn("identity relay publish", slog.Any("error", err))
		}
	})
	defer unsubscribe()

	pubsub := r.client.Subscribe(ctx, EventsChannel)
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.Warn("identity relay decode", slog.Any("error", err))
				continue
			}
			if evt.Origin == r.origin || evt.Origin == "" {
				continue
			}
			r.broker.Publish(evt)
		}
	}
}
