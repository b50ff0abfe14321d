package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNodeIndexesStayInSync(t *testing.T) {
	s := newStore(t)

	s.UpsertNodeInfo(&wire.NodeInfo{
		Num:  0xDEADBEEF,
		User: &wire.User{ID: "!deadbeef", LongName: "Base Camp", ShortName: "BC"},
	})

	byNum, ok := s.GetNode(0xDEADBEEF)
	require.True(t, ok)
	byID, ok := s.GetNodeByID("!deadbeef")
	require.True(t, ok)
	assert.Equal(t, byNum.Num, byID.Num)
	assert.Equal(t, "Base Camp", byID.LongName)

	// A later telemetry update must be visible through both indexes.
	s.UpdateTelemetry(0xDEADBEEF, &wire.DeviceMetrics{BatteryLevel: 87})
	byID, _ = s.GetNodeByID("!deadbeef")
	assert.Equal(t, uint32(87), byID.BatteryLevel)
}

func TestSnapshotsDoNotAliasRegistry(t *testing.T) {
	s := newStore(t)
	s.UpsertNodeInfo(&wire.NodeInfo{Num: 7, User: &wire.User{ID: "!00000007", LongName: "n7"}})

	snap, _ := s.GetNode(7)
	snap.LongName = "mutated"

	fresh, _ := s.GetNode(7)
	assert.Equal(t, "n7", fresh.LongName)
}

func TestHeardCreatesPlaceholderNode(t *testing.T) {
	s := newStore(t)
	s.Heard(42, -3.5)

	n, ok := s.GetNode(42)
	require.True(t, ok)
	assert.Equal(t, "!0000002a", n.ID)
	assert.InDelta(t, -3.5, n.Snr, 0.01)
	assert.WithinDuration(t, time.Now(), n.LastHeard, 5*time.Second)
}

func TestListNodesOrdered(t *testing.T) {
	s := newStore(t)
	for _, num := range []uint32{30, 10, 20} {
		s.Heard(num, 0)
	}
	nodes := s.ListNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, uint32(10), nodes[0].Num)
	assert.Equal(t, uint32(30), nodes[2].Num)
}

func TestChannelFinalizeFillsDisabledSlots(t *testing.T) {
	s := newStore(t)
	s.SetChannel(&wire.Channel{Index: 0, Role: wire.RolePrimary,
		Settings: &wire.ChannelSettings{Name: "LongFast"}})
	s.SetChannel(&wire.Channel{Index: 2, Role: wire.RoleSecondary,
		Settings: &wire.ChannelSettings{Name: "admin"}})

	s.FinalizeChannels(8)
	chans := s.Channels()
	require.Len(t, chans, 8)
	assert.Equal(t, wire.RolePrimary, chans[0].Role)
	assert.Equal(t, wire.RoleDisabled, chans[1].Role)
	assert.Equal(t, uint32(1), chans[1].Index)
	assert.Equal(t, wire.RoleDisabled, chans[7].Role)

	ch, ok := s.ChannelByName("admin")
	require.True(t, ok)
	assert.Equal(t, uint32(2), ch.Index)

	_, ok = s.ChannelByName("nope")
	assert.False(t, ok)
}

func TestResetDropsEverything(t *testing.T) {
	s := newStore(t)
	s.SetMyInfo(&wire.MyNodeInfo{MyNodeNum: 1, MaxChannels: 8})
	s.SetConfig(wire.KindPower, []byte{1, 2})
	s.SetChannel(&wire.Channel{Index: 0, Role: wire.RolePrimary})
	s.Heard(99, 0)

	s.Reset()

	assert.Nil(t, s.MyInfo())
	_, ok := s.Config(wire.KindPower)
	assert.False(t, ok)
	assert.Empty(t, s.Channels())
	assert.Equal(t, 0, s.NodeCount())
}

func TestSQLitePersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	s, err := New(db, zap.NewNop())
	require.NoError(t, err)
	s.UpsertNodeInfo(&wire.NodeInfo{
		Num:       11,
		User:      &wire.User{ID: "!0000000b", LongName: "river gauge"},
		Position:  &wire.Position{LatitudeI: 451234567, LongitudeI: -1223456789},
		LastHeard: 1700000000,
	})

	// A second store over the same file hydrates from disk.
	s2, err := New(db, zap.NewNop())
	require.NoError(t, err)
	n, ok := s2.GetNode(11)
	require.True(t, ok)
	assert.Equal(t, "river gauge", n.LongName)
	assert.InDelta(t, 45.1234567, n.Lat, 1e-6)

	_, err = db.InsertMessage(&Message{
		PacketID: 5, FromNode: "!0000000b", ToNode: "broadcast",
		Text: "water rising", ReceivedAt: time.Now(),
	})
	require.NoError(t, err)
	msgs, err := db.ListMessages(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "water rising", msgs[0].Text)
}

func TestChangedNodeIDDropsOldAlias(t *testing.T) {
	s := newStore(t)
	s.UpsertNodeInfo(&wire.NodeInfo{
		Num:  42,
		User: &wire.User{ID: "!0000002a", LongName: "before"},
	})

	s.UpdateUser(42, &wire.User{ID: "!renamed42", LongName: "after"})

	n, ok := s.GetNodeByID("!renamed42")
	require.True(t, ok)
	assert.Equal(t, "after", n.LongName)
	_, ok = s.GetNodeByID("!0000002a")
	assert.False(t, ok)
	assert.Equal(t, 1, s.NodeCount())
}
