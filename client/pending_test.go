package client

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcommons/meshradio/wire"
)

func TestAckLeavesRequestRegistered(t *testing.T) {
	c := newCorrelator()
	var got *wire.MeshPacket
	c.register(7, func(p *wire.MeshPacket, err error) {
		require.NoError(t, err)
		got = p
	})

	// A clean routing ack confirms delivery but is not the answer.
	c.onRoutingReply(7, wire.RoutingErrorNone)
	assert.Nil(t, got)
	assert.Equal(t, 1, c.pendingCount())

	// The real response resolves it.
	resp := &wire.MeshPacket{ID: 100}
	c.resolve(7, resp)
	assert.Equal(t, resp, got)
	assert.Equal(t, 0, c.pendingCount())
}

func TestRoutingErrorEndsRequest(t *testing.T) {
	c := newCorrelator()
	var gotErr error
	c.register(7, func(p *wire.MeshPacket, err error) { gotErr = err })

	c.onRoutingReply(7, wire.RoutingError(5))
	require.Error(t, gotErr)
	var rf *RoutingFailure
	require.ErrorAs(t, gotErr, &rf)
	assert.Equal(t, wire.RoutingError(5), rf.Reason)
	assert.Equal(t, 0, c.pendingCount())
}

func TestResolveUnknownIDIsNoOp(t *testing.T) {
	c := newCorrelator()
	// Duplicate and unsolicited responses are routine on a mesh.
	c.resolve(12345, &wire.MeshPacket{})
	c.onRoutingReply(9, wire.RoutingError(3))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	c := newCorrelator()
	c.register(1, func(*wire.MeshPacket, error) {})
	assert.Panics(t, func() {
		c.register(1, func(*wire.MeshPacket, error) {})
	})
}

func TestFailAllDrainsEverything(t *testing.T) {
	c := newCorrelator()
	boom := errors.New("boom")
	var errs []error
	for id := uint32(1); id <= 3; id++ {
		c.register(id, func(p *wire.MeshPacket, err error) { errs = append(errs, err) })
	}

	c.failAll(boom)
	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, c.pendingCount())
}
