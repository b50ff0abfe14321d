package client

import (
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

// The handshake: ask the device to replay its configuration under a
// random nonce, collect identity, nodes and config sections as they
// stream in, then walk the channel table over admin requests once the
// device says the replay is complete.

// startConfig begins (or restarts) the handshake. Safe to call on a
// live session: a device reboot re-enters here without touching the
// transport.
func (c *Client) startConfig() {
	c.stopHeartbeat()
	c.pending.failAll(ErrLinkLost)
	c.store.Reset()

	c.mu.Lock()
	// A waiter from an unfinished attempt carries over; only a finished
	// handshake (reboot mid-session) needs a fresh one.
	if c.hs.finished() {
		c.hs = &handshakeWait{ch: make(chan struct{})}
	}
	c.configID = rand.Uint32() | 1 // nonzero, zero means absent on the wire
	c.chanRetries = 0
	configID := c.configID
	c.mu.Unlock()

	c.state.Store(int32(StateConfigRequested))
	c.bus.PublishConnection(map[string]string{"state": "config_requested"})
	c.log.Info("client: requesting config", zap.Uint32("config_id", configID))

	if err := c.writeToRadio(&wire.ToRadio{WantConfigID: configID}); err != nil {
		c.log.Error("client: want_config write failed", zap.Error(err))
		c.finishHandshake(fmt.Errorf("client: request config: %w", err))
	}
}

func (c *Client) finishHandshake(err error) {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()
	if hs != nil {
		hs.finish(err)
	}
}

// walkNonce is the session the channel walk belongs to. A reboot mints
// a new configID, so walk callbacks tagged with the old one go stale.
func (c *Client) walkNonce() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configID
}

// onConfigComplete gates on the nonce so a stale replay from a previous
// attempt cannot complete the current one.
func (c *Client) onConfigComplete(id uint32) {
	c.mu.Lock()
	want := c.configID
	c.mu.Unlock()
	if id != want {
		c.log.Debug("client: stale config_complete",
			zap.Uint32("got", id), zap.Uint32("want", want))
		return
	}
	mi := c.store.MyInfo()
	if mi == nil {
		c.finishHandshake(fmt.Errorf("client: config replay ended without device identity"))
		return
	}
	c.state.Store(int32(StateFetchingChannels))
	c.requestChannel(0, want)
}

// requestChannel fetches one channel slot. The wire field is index+1 so
// that slot zero is distinguishable from an absent field. Every step of
// the walk carries the session nonce: a reboot mid-walk restarts the
// handshake, and answers to requests from before the reboot must not
// advance the new walk.
func (c *Client) requestChannel(index, nonce uint32) {
	_, err := c.sendAdmin(&wire.AdminMessage{GetChannelRequest: index + 1}, true,
		func(p *wire.MeshPacket, err error) {
			if c.walkNonce() != nonce {
				c.log.Debug("client: dropping stale channel answer",
					zap.Uint32("index", index))
				return
			}
			if err != nil {
				// ErrLinkLost means a restart already swept this walk;
				// the new handshake starts its own.
				if errors.Is(err, ErrLinkLost) {
					return
				}
				c.retryChannel(index, nonce, err)
				return
			}
			resp, derr := wire.UnmarshalAdminMessage(p.Decoded.Payload)
			if derr != nil || resp.GetChannelResponse == nil {
				c.retryChannel(index, nonce, fmt.Errorf("client: bad channel response: %v", derr))
				return
			}
			c.onChannel(resp.GetChannelResponse, nonce)
		})
	if err != nil {
		c.finishHandshake(fmt.Errorf("client: request channel %d: %w", index, err))
	}
}

// retryChannel re-requests the same slot after a routing error. The
// mesh drops admin packets under load; a few retries are routine.
func (c *Client) retryChannel(index, nonce uint32, cause error) {
	c.mu.Lock()
	c.chanRetries++
	retries := c.chanRetries
	c.mu.Unlock()
	if retries > maxChannelRetries {
		c.finishHandshake(fmt.Errorf("client: channel %d unreadable: %w", index, cause))
		return
	}
	c.log.Warn("client: retrying channel fetch",
		zap.Uint32("index", index), zap.Int("attempt", retries), zap.Error(cause))
	c.requestChannel(index, nonce)
}

// onChannel records one slot and advances the walk. The first disabled
// slot ends the walk early: the device packs enabled channels at the
// bottom of the table, so everything past it is disabled too.
func (c *Client) onChannel(ch *wire.Channel, nonce uint32) {
	c.store.SetChannel(ch)
	if c.State() != StateFetchingChannels || c.walkNonce() != nonce {
		return
	}

	c.mu.Lock()
	c.chanRetries = 0
	maxChannels := c.maxChannels
	c.mu.Unlock()
	if maxChannels == 0 {
		maxChannels = 8
	}

	if ch.Role == wire.RoleDisabled || ch.Index+1 >= maxChannels {
		c.connected(maxChannels)
		return
	}
	c.requestChannel(ch.Index+1, nonce)
}

func (c *Client) connected(maxChannels uint32) {
	c.store.FinalizeChannels(maxChannels)
	if !c.state.CompareAndSwap(int32(StateFetchingChannels), int32(StateConnected)) {
		return
	}
	c.startHeartbeat()
	c.finishHandshake(nil)
	c.bus.PublishConnection(map[string]string{"state": "connected"})

	mi := c.store.MyInfo()
	c.log.Info("client: connected",
		zap.String("node", wire.NodeID(mi.MyNodeNum)),
		zap.Int("nodes", c.store.NodeCount()),
		zap.Uint32("channels", maxChannels))
}
