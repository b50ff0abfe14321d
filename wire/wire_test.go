package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestConfigCompleteZeroIDStillPresent(t *testing.T) {
	// config_complete_id is a legal zero value, so presence must be
	// tracked separately from the number itself.
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	b = protowire.AppendVarint(b, 0)

	m, err := UnmarshalFromRadio(b)
	require.NoError(t, err)
	assert.True(t, m.ConfigComplete)
	assert.Equal(t, uint32(0), m.ConfigCompleteID)
}

func TestMeshPacketRoundTrip(t *testing.T) {
	in := &MeshPacket{
		From:    0xDEADBEEF,
		To:      BroadcastNum,
		ID:      42,
		RxSnr:   -7.25,
		WantAck: true,
		Decoded: &Data{
			Port:      PortTextMessage,
			Payload:   []byte("ahoy"),
			RequestID: 7,
		},
	}
	out, err := UnmarshalMeshPacket(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnknownFieldsSkipped(t *testing.T) {
	p := &MeshPacket{From: 1, To: 2, ID: 3}
	b := p.Marshal()
	// A field number this decoder has never heard of.
	b = protowire.AppendTag(b, 200, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte{1, 2, 3})

	out, err := UnmarshalMeshPacket(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), out.From)
	assert.Equal(t, uint32(3), out.ID)
}

func TestPositionNegativeCoordinates(t *testing.T) {
	in := &Position{LatitudeI: -337740000, LongitudeI: 1511000000, Altitude: -12}
	out, err := UnmarshalPosition(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDataValidate(t *testing.T) {
	d := &Data{Payload: []byte("x")}
	assert.ErrorIs(t, d.Validate(), ErrUnknownPort)

	d = &Data{Port: PortTextMessage, Payload: make([]byte, MaxDataPayload+1)}
	assert.ErrorIs(t, d.Validate(), ErrPayloadTooBig)

	d = &Data{Port: PortTextMessage, Payload: make([]byte, MaxDataPayload)}
	assert.NoError(t, d.Validate())
}

func TestParseNodeID(t *testing.T) {
	n, err := ParseNodeID("^all")
	require.NoError(t, err)
	assert.Equal(t, BroadcastNum, n)

	n, err = ParseNodeID("!deadbeef")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), n)

	n, err = ParseNodeID("1234")
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), n)

	_, err = ParseNodeID("!nothex")
	assert.Error(t, err)

	assert.Equal(t, "!00000042", NodeID(0x42))
}

func TestConfigSectionOneof(t *testing.T) {
	// A power section with ls_secs=300 nested inside the Config oneof.
	var body []byte
	body = protowire.AppendTag(body, 3, protowire.VarintType)
	body = protowire.AppendVarint(body, 300)

	sec := &ConfigSection{Kind: KindPower, Raw: body}
	var env []byte
	env = protowire.AppendTag(env, 5, protowire.BytesType)
	env = protowire.AppendBytes(env, sec.Marshal())

	m, err := UnmarshalFromRadio(env)
	require.NoError(t, err)
	require.NotNil(t, m.Config)
	assert.Equal(t, KindPower, m.Config.Kind)

	p, err := ParsePower(m.Config.Raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), p.LsSecs)
}

func TestAdminChannelResponse(t *testing.T) {
	ch := &Channel{
		Index:    2,
		Role:     RoleSecondary,
		Settings: &ChannelSettings{Name: "ops", Psk: []byte{1}},
	}
	var b []byte
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, ch.Marshal())

	a, err := UnmarshalAdminMessage(b)
	require.NoError(t, err)
	require.NotNil(t, a.GetChannelResponse)
	assert.Equal(t, ch, a.GetChannelResponse)
}

func TestRoutingAckVersusError(t *testing.T) {
	ack, err := UnmarshalRouting((&Routing{}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, RoutingErrorNone, ack.ErrorReason)

	nak, err := UnmarshalRouting((&Routing{ErrorReason: 5}).Marshal())
	require.NoError(t, err)
	assert.Equal(t, RoutingError(5), nak.ErrorReason)
}

func TestHeartbeatEnvelope(t *testing.T) {
	b := (&ToRadio{Heartbeat: true}).Marshal()
	require.NotEmpty(t, b)
	out, err := UnmarshalToRadio(b)
	require.NoError(t, err)
	assert.True(t, out.Heartbeat)
}

func TestTruncatedInputRejected(t *testing.T) {
	b := (&MeshPacket{From: 1, Decoded: &Data{Port: PortTextMessage, Payload: []byte("hello")}}).Marshal()
	_, err := UnmarshalMeshPacket(b[:len(b)-2])
	assert.Error(t, err)
}

func TestPskClassification(t *testing.T) {
	assert.Equal(t, "unencrypted", PskString(nil))
	assert.Equal(t, "unencrypted", PskString([]byte{0}))
	assert.Equal(t, "default", PskString([]byte{1}))
	assert.Equal(t, "simple1", PskString([]byte{2}))
	assert.Equal(t, "simple9", PskString([]byte{10}))
	assert.Equal(t, "secret", PskString(bytes.Repeat([]byte{0xAB}, 32)))
}
