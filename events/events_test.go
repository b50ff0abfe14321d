package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutAndUnsubscribe(t *testing.T) {
	b := NewBus()
	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	assert.Equal(t, 2, b.Len())

	b.PublishMessage("hello")

	e1 := <-ch1
	e2 := <-ch2
	assert.Equal(t, TypeMessage, e1.Type)
	assert.Equal(t, "hello", e2.Data)
	assert.False(t, e1.Timestamp.IsZero())

	unsub1()
	assert.Equal(t, 1, b.Len())
	_, open := <-ch1
	assert.False(t, open)
}

func TestSlowConsumerDoesNotStallPublish(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe()
	defer unsub()

	// Overfill the subscriber buffer; Publish must never block.
	for i := 0; i < 200; i++ {
		b.PublishNodeUpdate(i)
	}

	// The consumer still sees the first buffered events in order.
	e := <-ch
	require.Equal(t, TypeNodeUpdate, e.Type)
	assert.Equal(t, 0, e.Data)
}
