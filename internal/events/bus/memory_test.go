package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romancircus/jinyang/internal/common/logger"
)

func TestPublishReachesMatchingSubscriber(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var received []*Event
	_, err := b.Subscribe(SubjectSessionCompleted, func(_ context.Context, event *Event) error {
		received = append(received, event)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(SubjectSessionCompleted, "test", map[string]any{"issue_id": "ROM-1"})
	require.NoError(t, b.Publish(context.Background(), SubjectSessionCompleted, event))

	require.Len(t, received, 1)
	assert.Equal(t, "ROM-1", received[0].Data["issue_id"])
	assert.NotEmpty(t, received[0].ID)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var all, sessionsOnly int
	_, err := b.Subscribe(SubjectAll, func(context.Context, *Event) error {
		all++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("jinyang.session.*", func(context.Context, *Event) error {
		sessionsOnly++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectSessionStarted, NewEvent(SubjectSessionStarted, "test", nil)))
	require.NoError(t, b.Publish(ctx, SubjectProviderBreaker, NewEvent(SubjectProviderBreaker, "test", nil)))

	assert.Equal(t, 2, all)
	assert.Equal(t, 1, sessionsOnly)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	count := 0
	sub, err := b.Subscribe(SubjectSessionStarted, func(context.Context, *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectSessionStarted, NewEvent(SubjectSessionStarted, "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(ctx, SubjectSessionStarted, NewEvent(SubjectSessionStarted, "test", nil)))

	assert.Equal(t, 1, count)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()
	err := b.Publish(context.Background(), SubjectSessionStarted, NewEvent(SubjectSessionStarted, "test", nil))
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}
