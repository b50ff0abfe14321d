// Package store keeps the client's view of the device and its mesh: the
// node registry, the channel table and the configuration sections. It
// keeps a hot in-memory index and optionally persists nodes and text
// messages through the DB type.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

// Node is a known mesh participant, merged from node-info, position and
// telemetry traffic.
type Node struct {
	Num       uint32
	ID        string // e.g. "!deadbeef"
	LongName  string
	ShortName string
	HwModel   uint32
	Snr       float32
	LastHeard time.Time
	HopsAway  uint32
	// Latest position
	Lat float64
	Lon float64
	Alt int32
	// Latest telemetry
	BatteryLevel uint32
	Voltage      float32
	ChannelUtil  float32
	AirUtilTx    float32
}

// Store holds the device state assembled during and after the config
// handshake. All exported methods are safe for concurrent use.
type Store struct {
	db  *DB // optional; nil disables persistence
	log *zap.Logger

	mu       sync.RWMutex
	myInfo   *wire.MyNodeInfo
	byNum    map[uint32]*Node // owning index
	byID     map[string]*Node // secondary index, same pointers
	channels []*wire.Channel  // dense, finalized after the channel walk
	configs  map[wire.ConfigKind][]byte
	modules  map[wire.ModuleKind][]byte
}

// New creates a Store. db may be nil; when set, the node cache is
// hydrated from it so the mesh view survives restarts.
func New(db *DB, log *zap.Logger) (*Store, error) {
	s := &Store{db: db, log: log}
	s.reset()
	if db != nil {
		nodes, err := db.LoadNodes()
		if err != nil {
			return nil, fmt.Errorf("store: hydrate nodes: %w", err)
		}
		for _, n := range nodes {
			s.byNum[n.Num] = n
			s.byID[n.ID] = n
		}
	}
	return s, nil
}

// Reset returns the store to its pre-handshake state: identity,
// channels, config sections and the node registry are all dropped. The
// device replays everything during the config walk; SQLite persistence,
// when enabled, is only consulted at construction.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.myInfo = nil
	s.channels = nil
	s.byNum = make(map[uint32]*Node)
	s.byID = make(map[string]*Node)
	s.configs = make(map[wire.ConfigKind][]byte)
	s.modules = make(map[wire.ModuleKind][]byte)
}

func (s *Store) reset() {
	s.byNum = make(map[uint32]*Node)
	s.byID = make(map[string]*Node)
	s.configs = make(map[wire.ConfigKind][]byte)
	s.modules = make(map[wire.ModuleKind][]byte)
}

// ── Device identity ───────────────────────────────────────────────────────

func (s *Store) SetMyInfo(mi *wire.MyNodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.myInfo = mi
}

// MyInfo returns the device identity record, nil before the handshake
// delivers it.
func (s *Store) MyInfo() *wire.MyNodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.myInfo == nil {
		return nil
	}
	mi := *s.myInfo
	return &mi
}

// ── Node registry ─────────────────────────────────────────────────────────

// UpsertNodeInfo merges a device-reported node record into the registry.
func (s *Store) UpsertNodeInfo(ni *wire.NodeInfo) *Node {
	s.mu.Lock()
	n := s.nodeLocked(ni.Num)
	if ni.User != nil {
		s.reindexLocked(n, ni.User.ID)
		n.LongName = ni.User.LongName
		n.ShortName = ni.User.ShortName
		n.HwModel = ni.User.HwModel
	}
	if ni.Position != nil {
		applyPosition(n, ni.Position)
	}
	if ni.DeviceMetrics != nil {
		applyMetrics(n, ni.DeviceMetrics)
	}
	if ni.Snr != 0 {
		n.Snr = ni.Snr
	}
	if ni.LastHeard != 0 {
		n.LastHeard = time.Unix(int64(ni.LastHeard), 0).UTC()
	}
	n.HopsAway = ni.HopsAway
	snapshot := *n
	s.mu.Unlock()

	s.persist(&snapshot)
	return &snapshot
}

// UpdateUser refreshes a node's identity block from NODEINFO traffic.
func (s *Store) UpdateUser(num uint32, u *wire.User) *Node {
	s.mu.Lock()
	n := s.nodeLocked(num)
	s.reindexLocked(n, u.ID)
	n.LongName = u.LongName
	n.ShortName = u.ShortName
	n.HwModel = u.HwModel
	n.LastHeard = time.Now().UTC()
	snapshot := *n
	s.mu.Unlock()

	s.persist(&snapshot)
	return &snapshot
}

// UpdatePosition refreshes a node's coordinates from POSITION traffic.
func (s *Store) UpdatePosition(num uint32, p *wire.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodeLocked(num)
	applyPosition(n, p)
	n.LastHeard = time.Now().UTC()
}

// UpdateTelemetry refreshes a node's metrics from TELEMETRY traffic.
func (s *Store) UpdateTelemetry(num uint32, m *wire.DeviceMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodeLocked(num)
	applyMetrics(n, m)
	n.LastHeard = time.Now().UTC()
}

// Heard bumps a node's last-heard timestamp and signal figure from any
// received packet.
func (s *Store) Heard(num uint32, snr float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodeLocked(num)
	if snr != 0 {
		n.Snr = snr
	}
	n.LastHeard = time.Now().UTC()
}

// GetNode retrieves a node snapshot by number.
func (s *Store) GetNode(num uint32) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byNum[num]
	if !ok {
		return nil, false
	}
	snapshot := *n
	return &snapshot, true
}

// GetNodeByID retrieves a node snapshot by its "!hex" id.
func (s *Store) GetNodeByID(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	snapshot := *n
	return &snapshot, true
}

// ListNodes returns a snapshot of the registry ordered by node number.
func (s *Store) ListNodes() []*Node {
	s.mu.RLock()
	out := make([]*Node, 0, len(s.byNum))
	for _, n := range s.byNum {
		snapshot := *n
		out = append(out, &snapshot)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNum)
}

// ── Channel table ─────────────────────────────────────────────────────────

// SetChannel records one slot of the channel table.
func (s *Store) SetChannel(ch *wire.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(ch.Index)
	for len(s.channels) <= idx {
		s.channels = append(s.channels, nil)
	}
	s.channels[idx] = ch
}

// FinalizeChannels pads the table out to the device's slot count with
// disabled placeholders so every index is addressable.
func (s *Store) FinalizeChannels(maxChannels uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.channels) < int(maxChannels) {
		s.channels = append(s.channels, nil)
	}
	for i, ch := range s.channels {
		if ch == nil {
			s.channels[i] = &wire.Channel{Index: uint32(i), Role: wire.RoleDisabled}
		}
	}
}

// Channels returns the finalized channel table.
func (s *Store) Channels() []*wire.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*wire.Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// ChannelByName finds an enabled channel with the given settings name.
func (s *Store) ChannelByName(name string) (*wire.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.channels {
		if ch != nil && ch.Role != wire.RoleDisabled &&
			ch.Settings != nil && ch.Settings.Name == name {
			return ch, true
		}
	}
	return nil, false
}

// ── Configuration sections ────────────────────────────────────────────────

func (s *Store) SetConfig(kind wire.ConfigKind, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[kind] = raw
}

func (s *Store) Config(kind wire.ConfigKind) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.configs[kind]
	return raw, ok
}

func (s *Store) SetModuleConfig(kind wire.ModuleKind, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[kind] = raw
}

func (s *Store) ModuleConfig(kind wire.ModuleKind) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.modules[kind]
	return raw, ok
}

// ── internal ──────────────────────────────────────────────────────────────

// nodeLocked returns the owned entry for num, creating it on first
// sight. Callers hold s.mu.
func (s *Store) nodeLocked(num uint32) *Node {
	if n, ok := s.byNum[num]; ok {
		return n
	}
	n := &Node{Num: num, ID: wire.NodeID(num)}
	s.byNum[num] = n
	s.byID[n.ID] = n
	return n
}

// reindexLocked moves a node to a new string id, dropping the old
// alias so the secondary index never holds two keys for one record.
// Callers hold s.mu.
func (s *Store) reindexLocked(n *Node, id string) {
	if id == "" || id == n.ID {
		return
	}
	delete(s.byID, n.ID)
	n.ID = id
	s.byID[id] = n
}

func (s *Store) persist(n *Node) {
	if s.db == nil {
		return
	}
	if err := s.db.UpsertNode(n); err != nil {
		s.log.Warn("store: persist node",
			zap.String("node", n.ID), zap.Error(err))
	}
}

func applyPosition(n *Node, p *wire.Position) {
	n.Lat = float64(p.LatitudeI) * 1e-7
	n.Lon = float64(p.LongitudeI) * 1e-7
	n.Alt = p.Altitude
}

func applyMetrics(n *Node, m *wire.DeviceMetrics) {
	n.BatteryLevel = m.BatteryLevel
	n.Voltage = m.Voltage
	n.ChannelUtil = m.ChannelUtilization
	n.AirUtilTx = m.AirUtilTx
}
