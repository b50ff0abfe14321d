package client

import (
	"fmt"
	"sync"

	"github.com/meshcommons/meshradio/wire"
)

// RoutingFailure reports a delivery error the mesh returned for a
// tracked packet.
type RoutingFailure struct {
	Reason wire.RoutingError
}

func (e *RoutingFailure) Error() string {
	return fmt.Sprintf("client: routing error %d", e.Reason)
}

// replyHandler receives the packet that answered a tracked request, or
// the error that ended it.
type replyHandler func(*wire.MeshPacket, error)

// correlator matches response packets to the requests that asked for
// them, keyed by packet id.
type correlator struct {
	mu       sync.Mutex
	handlers map[uint32]replyHandler
}

func newCorrelator() *correlator {
	return &correlator{handlers: make(map[uint32]replyHandler)}
}

// register tracks a request id. Re-registering a live id is a
// programming error, not a runtime condition.
func (c *correlator) register(id uint32, h replyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[id]; exists {
		panic(fmt.Sprintf("client: packet id %d already registered", id))
	}
	c.handlers[id] = h
}

// resolve delivers the response for id. Responses nobody is waiting for
// are dropped silently; duplicate replies are normal on a mesh.
func (c *correlator) resolve(id uint32, p *wire.MeshPacket) {
	c.mu.Lock()
	h, ok := c.handlers[id]
	delete(c.handlers, id)
	c.mu.Unlock()
	if ok {
		h(p, nil)
	}
}

// fail ends a tracked request with an error.
func (c *correlator) fail(id uint32, err error) {
	c.mu.Lock()
	h, ok := c.handlers[id]
	delete(c.handlers, id)
	c.mu.Unlock()
	if ok {
		h(nil, err)
	}
}

// onRoutingReply applies the mesh's delivery report for id. A clean ack
// only confirms transport, so the handler stays registered waiting for
// the real response; an error reason ends the request.
func (c *correlator) onRoutingReply(id uint32, reason wire.RoutingError) {
	if reason == wire.RoutingErrorNone {
		return
	}
	c.fail(id, &RoutingFailure{Reason: reason})
}

// failAll ends every tracked request, used on link loss and re-handshake.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	handlers := c.handlers
	c.handlers = make(map[uint32]replyHandler)
	c.mu.Unlock()
	for _, h := range handlers {
		h(nil, err)
	}
}

// pendingCount is used by tests.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}
