// Package client implements a session with a mesh radio device: the
// configuration handshake, packet send and receive, node and channel
// bookkeeping, admin operations and file transfer.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/events"
	"github.com/meshcommons/meshradio/store"
	"github.com/meshcommons/meshradio/transport"
	"github.com/meshcommons/meshradio/wire"
	"github.com/meshcommons/meshradio/xmodem"
)

// State is the session's position in the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConfigRequested
	StateFetchingNodes
	StateFetchingConfig
	StateFetchingChannels
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConfigRequested:
		return "config_requested"
	case StateFetchingNodes:
		return "fetching_nodes"
	case StateFetchingConfig:
		return "fetching_config"
	case StateFetchingChannels:
		return "fetching_channels"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	// ErrNotConnected is returned by send operations before the config
	// handshake has completed.
	ErrNotConnected = errors.New("client: not connected")

	// ErrTimeout is returned when a tracked request gets no answer.
	ErrTimeout = errors.New("client: request timed out")

	// ErrClientTooOld means the device firmware demands a newer
	// protocol version than this library speaks. Not recoverable by
	// reconnecting.
	ErrClientTooOld = errors.New("client: device requires a newer protocol version")

	// ErrLinkLost ends tracked requests when the link drops mid-flight.
	ErrLinkLost = errors.New("client: link lost")

	// ErrRemoteNodeUnsupported rejects filesystem operations aimed at
	// any node other than the locally attached device.
	ErrRemoteNodeUnsupported = errors.New("client: filesystem operations on a remote node are not supported")
)

const (
	defaultAdminTimeout = 30 * time.Second
	maxChannelRetries   = 3

	// writeSettleDelay gives the device time to commit one config write
	// before the next arrives.
	writeSettleDelay = 300 * time.Millisecond
)

// handshakeWait lets callers block on one handshake attempt.
type handshakeWait struct {
	ch   chan struct{}
	err  error
	once sync.Once
}

func (h *handshakeWait) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.ch)
	})
}

func (h *handshakeWait) finished() bool {
	select {
	case <-h.ch:
		return true
	default:
		return false
	}
}

// Message is a received text message, published on the event bus.
type Message struct {
	PacketID uint32 `json:"packet_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Channel  uint32 `json:"channel"`
	Text     string `json:"text"`
}

// Client is a session over one Link. All exported methods are safe for
// concurrent use.
type Client struct {
	link  transport.Link
	store *store.Store
	bus   *events.Bus
	db    *store.DB // optional, persists text messages
	log   *zap.Logger

	state    atomic.Int32
	packetID atomic.Uint32

	pending *correlator
	xfers   *xmodem.Manager

	mu          sync.Mutex
	hs          *handshakeWait
	configID    uint32
	maxChannels uint32
	chanRetries int
	hbCancel    context.CancelFunc

	filesMu sync.Mutex
	files   map[string]uint32

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires a Client over link and starts its receive loop. The config
// handshake begins as soon as the link reports up; use WaitForConfig to
// block until the session is usable.
func New(link transport.Link, st *store.Store, bus *events.Bus, db *store.DB, log *zap.Logger) *Client {
	c := &Client{
		link:  link,
		store: st,
		bus:   bus,
		db:    db,
		log:   log.Named("client"),
		files: make(map[string]uint32),
		hs:    &handshakeWait{ch: make(chan struct{})},
	}
	c.pending = newCorrelator()
	c.xfers = xmodem.NewManager(c.sendXModem, c.log)
	c.packetID.Store(rand.Uint32())

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
	return c
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// WaitForConfig blocks until the current handshake attempt finishes or
// timeout elapses.
func (c *Client) WaitForConfig(timeout time.Duration) error {
	c.mu.Lock()
	hs := c.hs
	c.mu.Unlock()

	select {
	case <-hs.ch:
		return hs.err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// Close ends the session: tells the device the API client is leaving,
// stops the receive loop and closes the link. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.State() == StateConnected {
			if err := c.writeToRadio(&wire.ToRadio{Disconnect: true}); err != nil {
				c.log.Debug("client: disconnect notify", zap.Error(err))
			}
		}
		c.cancel()
		c.stopHeartbeat()
		c.link.Close()
		c.wg.Wait()
		c.pending.failAll(ErrLinkLost)
		c.state.Store(int32(StateDisconnected))
	})
	return nil
}

// ── Receive loop ──────────────────────────────────────────────────────────

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-c.link.States():
			if !ok {
				return
			}
			if st == transport.LinkUp {
				c.startConfig()
			} else {
				c.onLinkDown()
			}
		case frame, ok := <-c.link.Frames():
			if !ok {
				c.onLinkDown()
				return
			}
			c.handleFrame(frame)
		}
	}
}

func (c *Client) onLinkDown() {
	c.state.Store(int32(StateDisconnected))
	c.stopHeartbeat()
	c.pending.failAll(ErrLinkLost)
	c.bus.PublishConnection(map[string]string{"state": "disconnected"})
	c.log.Warn("client: link down")
}

func (c *Client) handleFrame(payload []byte) {
	fr, err := wire.UnmarshalFromRadio(payload)
	if err != nil {
		c.log.Warn("client: undecodable frame",
			zap.Int("len", len(payload)), zap.Error(err))
		return
	}

	switch {
	case fr.MyInfo != nil:
		c.onMyInfo(fr.MyInfo)
	case fr.NodeInfo != nil:
		c.state.CompareAndSwap(int32(StateConfigRequested), int32(StateFetchingNodes))
		n := c.store.UpsertNodeInfo(fr.NodeInfo)
		c.bus.PublishNodeUpdate(n)
	case fr.Config != nil:
		c.state.Store(int32(StateFetchingConfig))
		c.store.SetConfig(fr.Config.Kind, fr.Config.Raw)
	case fr.ModuleConfig != nil:
		c.store.SetModuleConfig(fr.ModuleConfig.Kind, fr.ModuleConfig.Raw)
	case fr.Channel != nil:
		// Some firmware streams the channel table; feed the same walk.
		c.onChannel(fr.Channel, c.walkNonce())
	case fr.ConfigComplete:
		c.onConfigComplete(fr.ConfigCompleteID)
	case fr.Rebooted:
		c.log.Warn("client: device rebooted, restarting handshake")
		c.startConfig()
	case fr.QueueStatus != nil:
		c.bus.Publish(events.Event{Type: events.TypeQueue, Data: fr.QueueStatus})
	case fr.XModem != nil:
		c.xfers.Handle(fr.XModem)
	case fr.FileInfo != nil:
		c.recordFileInfo(fr.FileInfo)
	case fr.Packet != nil:
		c.handlePacket(fr.Packet)
	}
}

func (c *Client) onMyInfo(mi *wire.MyNodeInfo) {
	if mi.MinAppVersion > wire.CurrentAppVersion {
		c.log.Error("client: firmware requires newer protocol",
			zap.Uint32("min_app_version", mi.MinAppVersion),
			zap.Uint32("have", wire.CurrentAppVersion))
		c.finishHandshake(ErrClientTooOld)
		// The session is unusable; tear it down off the receive loop.
		go c.Close()
		return
	}
	c.store.SetMyInfo(mi)
	c.mu.Lock()
	c.maxChannels = mi.MaxChannels
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateConfigRequested), int32(StateFetchingNodes))
	c.log.Info("client: device identity",
		zap.String("node", wire.NodeID(mi.MyNodeNum)),
		zap.String("firmware", mi.FirmwareVersion))
}

func (c *Client) handlePacket(p *wire.MeshPacket) {
	if p.From != 0 {
		c.store.Heard(p.From, p.RxSnr)
	}
	if p.Decoded == nil {
		// Encrypted for someone else; nothing to do with it.
		return
	}
	d := p.Decoded
	switch d.Port {
	case wire.PortRouting:
		r, err := wire.UnmarshalRouting(d.Payload)
		if err != nil {
			c.log.Warn("client: bad routing payload", zap.Error(err))
			return
		}
		if d.RequestID != 0 {
			c.pending.onRoutingReply(d.RequestID, r.ErrorReason)
		}
	case wire.PortAdmin:
		if d.RequestID != 0 {
			c.pending.resolve(d.RequestID, p)
		}
	case wire.PortTextMessage:
		c.onTextMessage(p)
	case wire.PortPosition:
		pos, err := wire.UnmarshalPosition(d.Payload)
		if err != nil {
			c.log.Warn("client: bad position payload", zap.Error(err))
			return
		}
		c.store.UpdatePosition(p.From, pos)
		c.bus.Publish(events.Event{Type: events.TypePosition, Data: map[string]interface{}{
			"from": wire.NodeID(p.From), "position": pos,
		}})
	case wire.PortNodeInfo:
		u, err := wire.UnmarshalUser(d.Payload)
		if err != nil {
			c.log.Warn("client: bad nodeinfo payload", zap.Error(err))
			return
		}
		n := c.store.UpdateUser(p.From, u)
		c.bus.PublishNodeUpdate(n)
	case wire.PortTelemetry:
		tel, err := wire.UnmarshalTelemetry(d.Payload)
		if err != nil {
			c.log.Warn("client: bad telemetry payload", zap.Error(err))
			return
		}
		if tel.DeviceMetrics != nil {
			c.store.UpdateTelemetry(p.From, tel.DeviceMetrics)
		}
		c.bus.Publish(events.Event{Type: events.TypeTelemetry, Data: map[string]interface{}{
			"from": wire.NodeID(p.From), "telemetry": tel,
		}})
	default:
		c.bus.PublishMessage(map[string]interface{}{
			"from": wire.NodeID(p.From), "port": d.Port, "payload": d.Payload,
		})
	}
}

func (c *Client) onTextMessage(p *wire.MeshPacket) {
	msg := &Message{
		PacketID: p.ID,
		From:     wire.NodeID(p.From),
		To:       wire.NodeID(p.To),
		Channel:  p.Channel,
		Text:     string(p.Decoded.Payload),
	}
	if p.To == wire.BroadcastNum {
		msg.To = "broadcast"
	}
	c.bus.PublishMessage(msg)
	if c.db != nil {
		if _, err := c.db.InsertMessage(&store.Message{
			PacketID:   msg.PacketID,
			FromNode:   msg.From,
			ToNode:     msg.To,
			Channel:    msg.Channel,
			Text:       msg.Text,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			c.log.Warn("client: persist message", zap.Error(err))
		}
	}
}

// ── Sending ───────────────────────────────────────────────────────────────

// nextPacketID increments the packet id counter, skipping zero on
// wraparound because zero means "unset" on the wire.
func (c *Client) nextPacketID() uint32 {
	for {
		old := c.packetID.Load()
		next := old + 1
		if next == 0 {
			next = 1
		}
		if c.packetID.CompareAndSwap(old, next) {
			return next
		}
	}
}

// resolveDest turns a destination id into a node number. The empty
// string broadcasts.
func (c *Client) resolveDest(dest string) (uint32, error) {
	switch dest {
	case "", wire.BroadcastAddr:
		return wire.BroadcastNum, nil
	case wire.LocalAddr:
		mi := c.store.MyInfo()
		if mi == nil {
			return 0, ErrNotConnected
		}
		return mi.MyNodeNum, nil
	}
	if n, ok := c.store.GetNodeByID(dest); ok {
		return n.Num, nil
	}
	return wire.ParseNodeID(dest)
}

func (c *Client) writeToRadio(m *wire.ToRadio) error {
	return c.link.WriteFrame(m.Marshal())
}

func (c *Client) sendXModem(x *wire.XModem) error {
	return c.writeToRadio(&wire.ToRadio{XModem: x})
}

// isLocal reports whether num is the device itself.
func (c *Client) isLocal(num uint32) bool {
	mi := c.store.MyInfo()
	return mi != nil && mi.MyNodeNum == num
}

// sendPacket builds, validates and writes a mesh packet, returning its
// id. onReply, when non-nil, is registered against the id before the
// packet leaves so the response cannot race the registration.
func (c *Client) sendPacket(to uint32, channel uint32, d *wire.Data, wantAck bool, onReply replyHandler) (uint32, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	// Sends gate on the handshake, except traffic addressed to the
	// device itself, which the handshake needs.
	if c.State() != StateConnected && !c.isLocal(to) {
		return 0, ErrNotConnected
	}

	id := c.nextPacketID()
	p := &wire.MeshPacket{
		To:      to,
		Channel: channel,
		ID:      id,
		Decoded: d,
		WantAck: wantAck,
	}
	if onReply != nil {
		c.pending.register(id, onReply)
	}
	if err := c.writeToRadio(&wire.ToRadio{Packet: p}); err != nil {
		if onReply != nil {
			c.pending.fail(id, err)
		}
		return 0, err
	}
	return id, nil
}

// SendText sends a text message. dest may be empty or "^all" for
// broadcast, "^local" for the device itself, a "!hex" id or a decimal
// node number.
func (c *Client) SendText(text, dest string, channel uint32, wantAck bool) (uint32, error) {
	return c.SendData([]byte(text), wire.PortTextMessage, dest, channel, wantAck, false)
}

// SendData sends an arbitrary application payload.
func (c *Client) SendData(payload []byte, port wire.PortNum, dest string, channel uint32, wantAck, wantResponse bool) (uint32, error) {
	to, err := c.resolveDest(dest)
	if err != nil {
		return 0, err
	}
	return c.sendPacket(to, channel, &wire.Data{
		Port:         port,
		Payload:      payload,
		WantResponse: wantResponse,
	}, wantAck, nil)
}

// SendPosition reports a position, broadcast by default.
func (c *Client) SendPosition(lat, lon float64, alt int32, dest string) (uint32, error) {
	pos := &wire.Position{
		LatitudeI:  int32(lat * 1e7),
		LongitudeI: int32(lon * 1e7),
		Altitude:   alt,
		Time:       uint32(time.Now().Unix()),
	}
	to, err := c.resolveDest(dest)
	if err != nil {
		return 0, err
	}
	return c.sendPacket(to, 0, &wire.Data{
		Port:    wire.PortPosition,
		Payload: pos.Marshal(),
	}, false, nil)
}

// SendTelemetry reports device metrics, broadcast by default.
func (c *Client) SendTelemetry(m *wire.DeviceMetrics, dest string) (uint32, error) {
	tel := &wire.Telemetry{
		Time:          uint32(time.Now().Unix()),
		DeviceMetrics: m,
	}
	to, err := c.resolveDest(dest)
	if err != nil {
		return 0, err
	}
	return c.sendPacket(to, 0, &wire.Data{
		Port:    wire.PortTelemetry,
		Payload: tel.Marshal(),
	}, false, nil)
}

// ── Admin operations ──────────────────────────────────────────────────────

// adminChannel is the channel index admin traffic uses: a secondary
// channel named "admin" when one exists, the primary otherwise.
func (c *Client) adminChannel() uint32 {
	if ch, ok := c.store.ChannelByName("admin"); ok {
		return ch.Index
	}
	return 0
}

// sendAdmin sends an admin request to the device itself.
func (c *Client) sendAdmin(a *wire.AdminMessage, wantResponse bool, onReply replyHandler) (uint32, error) {
	mi := c.store.MyInfo()
	if mi == nil {
		return 0, ErrNotConnected
	}
	return c.sendPacket(mi.MyNodeNum, c.adminChannel(), &wire.Data{
		Port:         wire.PortAdmin,
		Payload:      a.Marshal(),
		WantResponse: wantResponse,
	}, true, onReply)
}

// adminRoundTrip sends an admin request and blocks for its response.
func (c *Client) adminRoundTrip(a *wire.AdminMessage, timeout time.Duration) (*wire.AdminMessage, error) {
	type result struct {
		admin *wire.AdminMessage
		err   error
	}
	ch := make(chan result, 1)
	_, err := c.sendAdmin(a, true, func(p *wire.MeshPacket, err error) {
		if err != nil {
			ch <- result{err: err}
			return
		}
		resp, derr := wire.UnmarshalAdminMessage(p.Decoded.Payload)
		ch <- result{admin: resp, err: derr}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.admin, r.err
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// SetOwner updates the device owner names. An empty shortName is
// derived from the long name's initials.
func (c *Client) SetOwner(longName, shortName string) error {
	if shortName == "" {
		shortName = deriveShortName(longName)
	}
	_, err := c.sendAdmin(&wire.AdminMessage{
		SetOwner: &wire.User{LongName: longName, ShortName: shortName},
	}, false, nil)
	if err == nil {
		time.Sleep(writeSettleDelay)
	}
	return err
}

// deriveShortName squeezes a long name into the four characters the
// device display has room for.
func deriveShortName(longName string) string {
	var initials []rune
	for _, word := range strings.Fields(longName) {
		for _, r := range word {
			initials = append(initials, r)
			break
		}
	}
	if len(initials) < 2 {
		initials = initials[:0]
		for _, r := range longName {
			initials = append(initials, r)
		}
	}
	if len(initials) > 4 {
		initials = initials[:4]
	}
	return string(initials)
}

// WriteChannel replaces one channel slot on the device.
func (c *Client) WriteChannel(ch *wire.Channel) error {
	_, err := c.sendAdmin(&wire.AdminMessage{SetChannel: ch}, false, nil)
	if err == nil {
		c.store.SetChannel(ch)
		time.Sleep(writeSettleDelay)
	}
	return err
}

// ReadConfig fetches a config section from the device, bypassing the
// handshake snapshot.
func (c *Client) ReadConfig(kind wire.ConfigKind) ([]byte, error) {
	resp, err := c.adminRoundTrip(&wire.AdminMessage{GetConfigRequest: kind}, defaultAdminTimeout)
	if err != nil {
		return nil, err
	}
	if resp.GetConfigResponse == nil {
		return nil, fmt.Errorf("client: device returned no %s config", kind)
	}
	c.store.SetConfig(resp.GetConfigResponse.Kind, resp.GetConfigResponse.Raw)
	return resp.GetConfigResponse.Raw, nil
}

// WriteConfig replaces a config section on the device.
func (c *Client) WriteConfig(kind wire.ConfigKind, raw []byte) error {
	_, err := c.sendAdmin(&wire.AdminMessage{
		SetConfig: &wire.ConfigSection{Kind: kind, Raw: raw},
	}, false, nil)
	if err == nil {
		c.store.SetConfig(kind, raw)
		time.Sleep(writeSettleDelay)
	}
	return err
}

// ReadModuleConfig fetches a module config section from the device.
func (c *Client) ReadModuleConfig(kind wire.ModuleKind) ([]byte, error) {
	resp, err := c.adminRoundTrip(&wire.AdminMessage{GetModuleConfigRequest: kind}, defaultAdminTimeout)
	if err != nil {
		return nil, err
	}
	if resp.GetModuleConfigResponse == nil {
		return nil, fmt.Errorf("client: device returned no %s module config", kind)
	}
	c.store.SetModuleConfig(resp.GetModuleConfigResponse.Kind, resp.GetModuleConfigResponse.Raw)
	return resp.GetModuleConfigResponse.Raw, nil
}

// WriteModuleConfig replaces a module config section on the device.
func (c *Client) WriteModuleConfig(kind wire.ModuleKind, raw []byte) error {
	_, err := c.sendAdmin(&wire.AdminMessage{
		SetModuleConfig: &wire.ModuleSection{Kind: kind, Raw: raw},
	}, false, nil)
	if err == nil {
		c.store.SetModuleConfig(kind, raw)
		time.Sleep(writeSettleDelay)
	}
	return err
}

// RefreshConfig re-reads every config and module config section from
// the device, one request at a time in the fixed section order.
func (c *Client) RefreshConfig() error {
	for _, k := range wire.ConfigKinds {
		if _, err := c.ReadConfig(k); err != nil {
			return fmt.Errorf("client: refresh %s config: %w", k, err)
		}
	}
	for _, k := range wire.ModuleKinds {
		if _, err := c.ReadModuleConfig(k); err != nil {
			return fmt.Errorf("client: refresh %s module config: %w", k, err)
		}
	}
	return nil
}

// Reboot asks the device to reboot after the given delay. Fire and
// forget: the device goes away before it could answer.
func (c *Client) Reboot(seconds int32) error {
	if seconds <= 0 {
		seconds = 5
	}
	_, err := c.sendAdmin(&wire.AdminMessage{RebootSeconds: seconds}, false, nil)
	return err
}

// ── Views ─────────────────────────────────────────────────────────────────

// MyInfo returns the device identity, nil before the handshake.
func (c *Client) MyInfo() *wire.MyNodeInfo { return c.store.MyInfo() }

// Nodes returns a snapshot of the node registry.
func (c *Client) Nodes() []*store.Node { return c.store.ListNodes() }

// GetNode looks a node up by number.
func (c *Client) GetNode(num uint32) (*store.Node, bool) { return c.store.GetNode(num) }

// Channels returns the device channel table.
func (c *Client) Channels() []*wire.Channel { return c.store.Channels() }

// LongName returns the device owner's long name, empty before the node
// database holds the local node.
func (c *Client) LongName() string {
	if mi := c.store.MyInfo(); mi != nil {
		if n, ok := c.store.GetNode(mi.MyNodeNum); ok {
			return n.LongName
		}
	}
	return ""
}

// ShortName returns the device owner's short name.
func (c *Client) ShortName() string {
	if mi := c.store.MyInfo(); mi != nil {
		if n, ok := c.store.GetNode(mi.MyNodeNum); ok {
			return n.ShortName
		}
	}
	return ""
}

// ── Heartbeat ─────────────────────────────────────────────────────────────

// startHeartbeat keeps serial links from idling out. The firmware
// sleeps after ls_secs without traffic, so we ping at half that. A
// device with ls_secs unset gets no heartbeat.
func (c *Client) startHeartbeat() {
	raw, ok := c.store.Config(wire.KindPower)
	if !ok {
		return
	}
	power, err := wire.ParsePower(raw)
	if err != nil || power.LsSecs == 0 {
		return
	}
	interval := time.Duration(power.LsSecs) * time.Second / 2

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
	}
	c.hbCancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.writeToRadio(&wire.ToRadio{Heartbeat: true}); err != nil {
					c.log.Debug("client: heartbeat", zap.Error(err))
				}
			}
		}
	}()
	c.log.Debug("client: heartbeat started", zap.Duration("interval", interval))
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
	c.mu.Unlock()
}
