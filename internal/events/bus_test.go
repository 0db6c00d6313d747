package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTopicFilter(t *testing.T) {
	b := NewBus()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	opened, unsubOpened := b.Subscribe(4, TopicPositionOpened)
	defer unsubOpened()

	b.Publish(TopicRunStarted, "run-1", nil)
	b.Publish(TopicPositionOpened, "run-1", map[string]string{"symbol": "BTCUSDT"})

	require.Len(t, all, 2)
	require.Len(t, opened, 1)
	e := <-opened
	assert.Equal(t, TopicPositionOpened, e.Topic)
	assert.Equal(t, "run-1", e.RunID)
	assert.False(t, e.At.IsZero())
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(TopicRunTick, "r", nil)
	b.Publish(TopicRunTick, "r", nil)
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	assert.Equal(t, 1, b.Subscribers())
	unsub()
	unsub()
	assert.Equal(t, 0, b.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := b.Subscribe(1)
	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	ch3, _ := b.Subscribe(1)
	_, ok = <-ch3
	assert.False(t, ok)
	b.Publish(TopicRunTick, "r", nil)
}
