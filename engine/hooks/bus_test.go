package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/hooks"
)

func TestBusFanOut(t *testing.T) {
	bus := hooks.NewBus()
	var got []hooks.EventType
	sub, err := bus.Register(hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		got = append(got, e.Type)
		return nil
	}))
	require.NoError(t, err)
	defer sub.Close()

	evt := hooks.Event{Type: hooks.EventPublished, Published: &hooks.PublishedEvent{VariantID: uuid.New()}}
	require.NoError(t, bus.Publish(context.Background(), evt))
	require.Equal(t, []hooks.EventType{hooks.EventPublished}, got)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := hooks.NewBus()
	boom := errors.New("boom")
	_, err := bus.Register(hooks.SubscriberFunc(func(context.Context, hooks.Event) error { return boom }))
	require.NoError(t, err)
	err = bus.Publish(context.Background(), hooks.Event{Type: hooks.EventPublished})
	require.ErrorIs(t, err, boom)
}

func TestBusUnregister(t *testing.T) {
	bus := hooks.NewBus()
	calls := 0
	sub, err := bus.Register(hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		calls++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), hooks.Event{Type: hooks.EventPublished}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
	require.NoError(t, bus.Publish(context.Background(), hooks.Event{Type: hooks.EventPublished}))
	require.Equal(t, 1, calls)
}

func TestBusRejectsNilSubscriber(t *testing.T) {
	bus := hooks.NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}
