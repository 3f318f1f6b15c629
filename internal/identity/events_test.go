package identity_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/identity"
)

func TestBrokerSubscribeAndUnsubscribe(t *testing.T) {
	broker := identity.NewBroker()
	var hits int32
	stop := broker.Subscribe(func(evt identity.Event) { atomic.AddInt32(&hits, 1) })

	broker.Publish(identity.Event{Kind: identity.EventSignedIn, UserID: "u1"})
	stop()
	stop()
	broker.Publish(identity.Event{Kind: identity.EventSignedOut, UserID: "u1"})

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNilBrokerPublishIsNoop(t *testing.T) {
	var broker *identity.Broker
	broker.Publish(identity.Event{Kind: identity.EventSignedIn})
}

func TestRelayFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokerA, brokerB := identity.NewBroker(), identity.NewBroker()
	go func() { _ = identity.NewRelay(newClient(), brokerA, "a", nil).Run(ctx) }()
	go func() { _ = identity.NewRelay(newClient(), brokerB, "b", nil).Run(ctx) }()

	var onB, onA int32
	brokerB.Subscribe(func(evt identity.Event) {
		if evt.Kind == identity.EventRoleChanged && evt.UserID == "u1" && evt.Origin == "a" {
			atomic.AddInt32(&onB, 1)
		}
	})
	brokerA.Subscribe(func(evt identity.Event) {
		if evt.Origin != "" {
			atomic.AddInt32(&onA, 1)
		}
	})

	require.Eventually(t, func() bool {
		brokerA.Publish(identity.Event{Kind: identity.EventRoleChanged, UserID: "u1"})
		return atomic.LoadInt32(&onB) > 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&onA))
}
