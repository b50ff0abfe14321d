package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshcommons/meshradio/events"
	"github.com/meshcommons/meshradio/store"
	"github.com/meshcommons/meshradio/transport"
	"github.com/meshcommons/meshradio/wire"
)

const testNodeNum uint32 = 0xAA55AA55

// fakeLink is a scriptable Link: the test plays the device.
type fakeLink struct {
	frames  chan []byte
	states  chan transport.LinkState
	written chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		frames:  make(chan []byte, 64),
		states:  make(chan transport.LinkState, 8),
		written: make(chan []byte, 64),
	}
}

func (l *fakeLink) WriteFrame(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return transport.ErrLinkDown
	}
	l.written <- payload
	return nil
}

func (l *fakeLink) Frames() <-chan []byte              { return l.frames }
func (l *fakeLink) States() <-chan transport.LinkState { return l.states }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.frames)
		close(l.states)
	}
	return nil
}

// nextWrite pops the next outbound envelope the client produced.
func (l *fakeLink) nextWrite(t *testing.T) *wire.ToRadio {
	t.Helper()
	select {
	case payload := <-l.written:
		m, err := wire.UnmarshalToRadio(payload)
		require.NoError(t, err)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client write")
		return nil
	}
}

// ── FromRadio builders ────────────────────────────────────────────────────

func frField(num protowire.Number, body []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func frMyInfo(minAppVersion uint32) []byte {
	var mi []byte
	mi = protowire.AppendTag(mi, 1, protowire.VarintType)
	mi = protowire.AppendVarint(mi, uint64(testNodeNum))
	mi = protowire.AppendTag(mi, 2, protowire.VarintType)
	mi = protowire.AppendVarint(mi, 3) // max_channels
	mi = protowire.AppendTag(mi, 3, protowire.VarintType)
	mi = protowire.AppendVarint(mi, uint64(minAppVersion))
	return frField(3, mi)
}

func frNodeInfo(num uint32, longName string) []byte {
	u := (&wire.User{ID: wire.NodeID(num), LongName: longName}).Marshal()
	var ni []byte
	ni = protowire.AppendTag(ni, 1, protowire.VarintType)
	ni = protowire.AppendVarint(ni, uint64(num))
	ni = protowire.AppendTag(ni, 2, protowire.BytesType)
	ni = protowire.AppendBytes(ni, u)
	return frField(4, ni)
}

func frPowerConfig(lsSecs uint32) []byte {
	var body []byte
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(lsSecs))
	sec := (&wire.ConfigSection{Kind: wire.KindPower, Raw: body}).Marshal()
	return frField(5, sec)
}

func frConfigComplete(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func frRebooted() []byte {
	var b []byte
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func frPacket(p *wire.MeshPacket) []byte {
	return frField(2, p.Marshal())
}

func adminChannelResponse(ch *wire.Channel) []byte {
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, ch.Marshal())
}

// ── Harness ───────────────────────────────────────────────────────────────

type harness struct {
	link *fakeLink
	bus  *events.Bus
	c    *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.New(nil, zap.NewNop())
	require.NoError(t, err)
	link := newFakeLink()
	bus := events.NewBus()
	c := New(link, st, bus, nil, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	link.states <- transport.LinkUp
	return &harness{link: link, bus: bus, c: c}
}

// answerChannelWalk serves admin channel requests until the session
// reaches Connected. It runs inline so it cannot swallow writes a test
// makes afterwards. channels maps slot index to the role the fake
// device reports.
func (h *harness) answerChannelWalk(t *testing.T, channels map[uint32]wire.ChannelRole) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("channel walk stalled")
		}
		select {
		case payload := <-h.link.written:
			m, err := wire.UnmarshalToRadio(payload)
			require.NoError(t, err)
			if m.Packet == nil || m.Packet.Decoded == nil ||
				m.Packet.Decoded.Port != wire.PortAdmin {
				continue
			}
			// get_channel_request carries index+1.
			req, err := decodeGetChannelRequest(m.Packet.Decoded.Payload)
			require.NoError(t, err)
			index := req - 1
			role, ok := channels[index]
			if !ok {
				role = wire.RoleDisabled
			}
			ch := &wire.Channel{Index: index, Role: role}
			if role != wire.RoleDisabled {
				ch.Settings = &wire.ChannelSettings{Name: "ch"}
			}
			h.link.frames <- frPacket(&wire.MeshPacket{
				From: testNodeNum,
				To:   testNodeNum,
				Decoded: &wire.Data{
					Port:      wire.PortAdmin,
					Payload:   adminChannelResponse(ch),
					RequestID: m.Packet.ID,
				},
			})
		case <-time.After(10 * time.Millisecond):
			// Poll the state again.
		}
	}
}

func decodeGetChannelRequest(payload []byte) (uint32, error) {
	var out uint32
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			out = uint32(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return out, nil
}

// connect drives the whole handshake with two enabled channels and
// returns the session's config nonce.
func (h *harness) connect(t *testing.T) uint32 {
	t.Helper()
	want := h.link.nextWrite(t)
	require.NotZero(t, want.WantConfigID)

	h.link.frames <- frMyInfo(0)
	h.link.frames <- frNodeInfo(testNodeNum, "me")
	h.link.frames <- frNodeInfo(0xB0B, "bob")
	h.link.frames <- frPowerConfig(0)
	h.link.frames <- frConfigComplete(want.WantConfigID)

	h.answerChannelWalk(t, map[uint32]wire.ChannelRole{
		0: wire.RolePrimary,
		1: wire.RoleSecondary,
	})
	require.NoError(t, h.c.WaitForConfig(5*time.Second))
	return want.WantConfigID
}

// ── Tests ─────────────────────────────────────────────────────────────────

func TestHandshakeCompletes(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	assert.Equal(t, StateConnected, h.c.State())
	mi := h.c.MyInfo()
	require.NotNil(t, mi)
	assert.Equal(t, testNodeNum, mi.MyNodeNum)

	// max_channels=3: two enabled slots plus a disabled placeholder.
	chans := h.c.Channels()
	require.Len(t, chans, 3)
	assert.Equal(t, wire.RolePrimary, chans[0].Role)
	assert.Equal(t, wire.RoleSecondary, chans[1].Role)
	assert.Equal(t, wire.RoleDisabled, chans[2].Role)

	assert.Equal(t, 2, len(h.c.Nodes()))
}

func TestStaleConfigCompleteIgnored(t *testing.T) {
	h := newHarness(t)
	want := h.link.nextWrite(t)
	h.link.frames <- frMyInfo(0)
	h.link.frames <- frConfigComplete(want.WantConfigID + 1)

	assert.ErrorIs(t, h.c.WaitForConfig(100*time.Millisecond), ErrTimeout)
	assert.NotEqual(t, StateConnected, h.c.State())

	// The right nonce still completes the same session.
	h.link.frames <- frConfigComplete(want.WantConfigID)
	h.answerChannelWalk(t, map[uint32]wire.ChannelRole{0: wire.RolePrimary})
	require.NoError(t, h.c.WaitForConfig(5*time.Second))
	assert.Equal(t, StateConnected, h.c.State())
}

func TestFirmwareTooNewIsFatal(t *testing.T) {
	h := newHarness(t)
	h.link.nextWrite(t)
	h.link.frames <- frMyInfo(wire.CurrentAppVersion + 1)

	assert.ErrorIs(t, h.c.WaitForConfig(2*time.Second), ErrClientTooOld)
}

func TestSendGatedUntilConnected(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.SendText("too early", "", 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)

	h.connect(t)
	id, err := h.c.SendText("hello mesh", "", 0, true)
	require.NoError(t, err)
	require.NotZero(t, id)

	m := h.link.nextWrite(t)
	require.NotNil(t, m.Packet)
	assert.Equal(t, wire.BroadcastNum, m.Packet.To)
	assert.True(t, m.Packet.WantAck)
	assert.Equal(t, []byte("hello mesh"), m.Packet.Decoded.Payload)
}

func TestSendRejectsOversizePayload(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	_, err := h.c.SendData(make([]byte, wire.MaxDataPayload+1),
		wire.PortPrivate, "", 0, false, false)
	assert.ErrorIs(t, err, wire.ErrPayloadTooBig)
}

func TestPacketIDSkipsZeroOnWraparound(t *testing.T) {
	h := newHarness(t)
	h.c.packetID.Store(0xFFFFFFFF)
	assert.Equal(t, uint32(1), h.c.nextPacketID())
	assert.Equal(t, uint32(2), h.c.nextPacketID())
}

func TestRebootRestartsHandshakeWithoutTeardown(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t)

	h.link.frames <- frRebooted()
	// The client asks for config again with a fresh nonce.
	want := h.link.nextWrite(t)
	require.NotZero(t, want.WantConfigID)
	assert.NotEqual(t, first, want.WantConfigID)
	assert.NotEqual(t, StateConnected, h.c.State())

	// The rebooted device replays everything, so the registry restarts
	// empty and refills from the new replay.
	assert.Empty(t, h.c.Nodes())

	h.link.frames <- frMyInfo(0)
	h.link.frames <- frNodeInfo(testNodeNum, "me")
	h.link.frames <- frConfigComplete(want.WantConfigID)
	h.answerChannelWalk(t, map[uint32]wire.ChannelRole{0: wire.RolePrimary})
	require.NoError(t, h.c.WaitForConfig(5*time.Second))
	assert.Equal(t, StateConnected, h.c.State())
	assert.Len(t, h.c.Nodes(), 1)
}

func TestRebootMidChannelWalkDiscardsStaleWalk(t *testing.T) {
	h := newHarness(t)
	want := h.link.nextWrite(t)
	h.link.frames <- frMyInfo(0)
	h.link.frames <- frConfigComplete(want.WantConfigID)

	// The walk opens with a request for slot zero. Leave it unanswered.
	staleReq := h.link.nextWrite(t)
	require.NotNil(t, staleReq.Packet)
	require.Equal(t, wire.PortAdmin, staleReq.Packet.Decoded.Port)

	h.link.frames <- frRebooted()

	// The restart must not retry the abandoned walk: the first thing on
	// the wire afterwards is the fresh config request.
	next := h.link.nextWrite(t)
	require.Nil(t, next.Packet)
	require.NotZero(t, next.WantConfigID)
	assert.NotEqual(t, want.WantConfigID, next.WantConfigID)

	// A late answer to the pre-reboot request must not touch the new
	// session, even one that would have ended the walk.
	h.link.frames <- frPacket(&wire.MeshPacket{
		From: testNodeNum,
		To:   testNodeNum,
		Decoded: &wire.Data{
			Port:      wire.PortAdmin,
			Payload:   adminChannelResponse(&wire.Channel{Index: 0, Role: wire.RoleDisabled}),
			RequestID: staleReq.Packet.ID,
		},
	})

	h.link.frames <- frMyInfo(0)
	h.link.frames <- frConfigComplete(next.WantConfigID)
	h.answerChannelWalk(t, map[uint32]wire.ChannelRole{
		0: wire.RolePrimary,
		1: wire.RoleSecondary,
	})
	require.NoError(t, h.c.WaitForConfig(5*time.Second))

	chans := h.c.Channels()
	require.Len(t, chans, 3)
	assert.Equal(t, wire.RolePrimary, chans[0].Role)
	assert.Equal(t, wire.RoleSecondary, chans[1].Role)
}

func TestInboundTextMessagePublished(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	ch, unsub := h.bus.Subscribe()
	defer unsub()

	h.link.frames <- frPacket(&wire.MeshPacket{
		From:  0xB0B,
		To:    wire.BroadcastNum,
		ID:    99,
		RxSnr: 4.5,
		Decoded: &wire.Data{
			Port:    wire.PortTextMessage,
			Payload: []byte("checking in"),
		},
	})

	for {
		select {
		case e := <-ch:
			if e.Type != events.TypeMessage {
				continue
			}
			msg := e.Data.(*Message)
			assert.Equal(t, "checking in", msg.Text)
			assert.Equal(t, "broadcast", msg.To)
			assert.Equal(t, wire.NodeID(0xB0B), msg.From)
			return
		case <-time.After(2 * time.Second):
			t.Fatal("no message event")
		}
	}
}

func TestResolveDestByNameAndNumber(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	num, err := h.c.resolveDest("!00000b0b")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xB0B), num)

	num, err = h.c.resolveDest("^local")
	require.NoError(t, err)
	assert.Equal(t, testNodeNum, num)

	num, err = h.c.resolveDest("2827")
	require.NoError(t, err)
	assert.Equal(t, uint32(2827), num)
}

func TestCloseIsIdempotentAndNotifiesDevice(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())
	assert.Equal(t, StateDisconnected, h.c.State())
}

func TestDeriveShortName(t *testing.T) {
	assert.Equal(t, "RG", deriveShortName("River Gauge"))
	assert.Equal(t, "BMRS", deriveShortName("Base Mesh Relay Station East"))
	assert.Equal(t, "solo", deriveShortName("solo"))
	assert.Equal(t, "long", deriveShortName("longname"))
}
