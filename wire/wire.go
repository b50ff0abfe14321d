// Package wire models the radio's protobuf message schema as typed Go
// structs with deterministic encoding and forward-compatible decoding.
// The schema is an externally fixed, versioned contract; field numbers
// here mirror the device firmware's .proto definitions and must not be
// renumbered.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PortNum identifies the application a data payload is addressed to.
type PortNum uint32

const (
	PortUnknown     PortNum = 0
	PortTextMessage PortNum = 1
	PortPosition    PortNum = 3
	PortNodeInfo    PortNum = 4
	PortRouting     PortNum = 5
	PortAdmin       PortNum = 6
	PortTelemetry   PortNum = 67
	PortPrivate     PortNum = 256
)

const (
	// MaxDataPayload is the device's declared data payload capacity.
	MaxDataPayload = 237

	// BroadcastNum is the node number meaning "everyone".
	BroadcastNum uint32 = 0xFFFFFFFF

	// BroadcastAddr and LocalAddr are the symbolic destination ids.
	BroadcastAddr = "^all"
	LocalAddr     = "^local"

	// CurrentAppVersion is the protocol version this library implements.
	// A device whose MyNodeInfo.MinAppVersion exceeds it cannot be
	// spoken to.
	CurrentAppVersion = 30200
)

var (
	// ErrPayloadTooBig is returned when a data payload exceeds
	// MaxDataPayload.
	ErrPayloadTooBig = errors.New("wire: data payload exceeds device capacity")

	// ErrUnknownPort is returned when an outbound data packet carries
	// the zero port tag.
	ErrUnknownPort = errors.New("wire: a non-zero port number must be specified")
)

// NodeID renders a node number in the canonical "!hex" form.
func NodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID resolves a destination string to a node number. It
// accepts the broadcast id, a "!hex" id, or a bare decimal number.
// The local id must be resolved by the caller, which knows its own
// node number.
func ParseNodeID(id string) (uint32, error) {
	switch {
	case id == BroadcastAddr:
		return BroadcastNum, nil
	case strings.HasPrefix(id, "!"):
		v, err := strconv.ParseUint(id[1:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("wire: bad node id %q: %w", id, err)
		}
		return uint32(v), nil
	default:
		v, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("wire: bad node id %q: %w", id, err)
		}
		return uint32(v), nil
	}
}

// ToRadio is the outbound envelope. Exactly one variant must be set.
type ToRadio struct {
	Packet       *MeshPacket // field 1
	WantConfigID uint32      // field 3, nonzero when set
	Disconnect   bool        // field 4
	XModem       *XModem     // field 5
	Heartbeat    bool        // field 7
}

// FromRadio is the inbound envelope. Exactly one variant is populated
// per message; ConfigComplete marks presence of the zero-capable
// config_complete_id field.
type FromRadio struct {
	Packet           *MeshPacket    // field 2
	MyInfo           *MyNodeInfo    // field 3
	NodeInfo         *NodeInfo      // field 4
	Config           *ConfigSection // field 5
	ConfigCompleteID uint32         // field 7
	ConfigComplete   bool
	Rebooted         bool           // field 8
	ModuleConfig     *ModuleSection // field 9
	Channel          *Channel       // field 10
	QueueStatus      *QueueStatus   // field 11
	XModem           *XModem        // field 12
	Metadata         []byte         // field 13, raw DeviceMetadata bytes
	FileInfo         *FileInfo      // field 15
}

// MeshPacket is a routed packet, sent or received.
type MeshPacket struct {
	From      uint32  // field 1
	To        uint32  // field 2
	Channel   uint32  // field 3
	Decoded   *Data   // field 4
	Encrypted []byte  // field 5
	ID        uint32  // field 6
	RxTime    uint32  // field 7
	RxSnr     float32 // field 8
	HopLimit  uint32  // field 9
	WantAck   bool    // field 10
	Priority  uint32  // field 11
	RxRssi    int32   // field 12
}

// Data is the application payload of a MeshPacket.
type Data struct {
	Port         PortNum // field 1
	Payload      []byte  // field 2
	WantResponse bool    // field 3
	Dest         uint32  // field 4
	Source       uint32  // field 5
	RequestID    uint32  // field 6
	ReplyID      uint32  // field 7
}

// RoutingError is the device's delivery result code. Zero means the
// packet was acknowledged with no error.
type RoutingError uint32

const RoutingErrorNone RoutingError = 0

// Routing is the ROUTING_APP payload carried in reply to a tracked
// request.
type Routing struct {
	ErrorReason RoutingError // field 3
}

// XModemControl is the file-transfer control byte, using the classic
// XMODEM ASCII values.
type XModemControl uint32

const (
	XModemNUL   XModemControl = 0
	XModemSOH   XModemControl = 1
	XModemSTX   XModemControl = 2
	XModemEOT   XModemControl = 4
	XModemACK   XModemControl = 6
	XModemNAK   XModemControl = 21
	XModemCAN   XModemControl = 24
	XModemCtrlZ XModemControl = 26
)

// XModem is one file-transfer packet, multiplexed over the same frame
// channel as everything else.
type XModem struct {
	Control XModemControl // field 1
	Seq     uint32        // field 2
	CRC16   uint32        // field 3
	Buffer  []byte        // field 4
}

// MyNodeInfo is the device's own identity record.
type MyNodeInfo struct {
	MyNodeNum       uint32 // field 1
	MaxChannels     uint32 // field 2
	MinAppVersion   uint32 // field 3
	RebootCount     uint32 // field 8
	FirmwareVersion string // field 9
}

// NodeInfo is one mesh participant as reported by the device.
type NodeInfo struct {
	Num           uint32         // field 1
	User          *User          // field 2
	Position      *Position      // field 3
	Snr           float32        // field 4
	LastHeard     uint32         // field 5
	DeviceMetrics *DeviceMetrics // field 6
	Channel       uint32         // field 7
	HopsAway      uint32         // field 9
}

// User is the identity block of a node.
type User struct {
	ID        string // field 1, e.g. "!deadbeef"
	LongName  string // field 2
	ShortName string // field 3
	HwModel   uint32 // field 5
}

// Position holds fixed-point coordinates: degrees times 1e7.
type Position struct {
	LatitudeI  int32  // field 1, sfixed32
	LongitudeI int32  // field 2, sfixed32
	Altitude   int32  // field 3, metres
	Time       uint32 // field 4, unix seconds
}

// DeviceMetrics carries battery and airtime telemetry.
type DeviceMetrics struct {
	BatteryLevel       uint32  // field 1
	Voltage            float32 // field 2
	ChannelUtilization float32 // field 3
	AirUtilTx          float32 // field 4
}

// Telemetry is the TELEMETRY_APP payload.
type Telemetry struct {
	Time          uint32         // field 1
	DeviceMetrics *DeviceMetrics // field 2
}

// ChannelRole describes how a channel slot is used.
type ChannelRole uint32

const (
	RoleDisabled  ChannelRole = 0
	RolePrimary   ChannelRole = 1
	RoleSecondary ChannelRole = 2
)

func (r ChannelRole) String() string {
	switch r {
	case RolePrimary:
		return "PRIMARY"
	case RoleSecondary:
		return "SECONDARY"
	default:
		return "DISABLED"
	}
}

// Channel is one communication lane slot on the device.
type Channel struct {
	Index    uint32           // field 1
	Settings *ChannelSettings // field 2
	Role     ChannelRole      // field 3
}

// ChannelSettings holds the shared secret and name of a channel. A
// zero-length or single-zero-byte PSK means unencrypted.
type ChannelSettings struct {
	Psk  []byte // field 2
	Name string // field 3
}

// PskString classifies a channel PSK the way device tooling displays
// it. Single-byte values 1..10 select the firmware's built-in keys.
func PskString(psk []byte) string {
	allZero := true
	for _, b := range psk {
		if b != 0 {
			allZero = false
			break
		}
	}
	if len(psk) == 0 || allZero {
		return "unencrypted"
	}
	if len(psk) == 1 {
		if psk[0] == 1 {
			return "default"
		}
		if psk[0] >= 2 && psk[0] <= 10 {
			return fmt.Sprintf("simple%d", psk[0]-1)
		}
	}
	return "secret"
}

// ConfigKind selects a local configuration section. The values are the
// oneof field numbers of the device's Config message.
type ConfigKind uint32

const (
	KindDevice    ConfigKind = 1
	KindPosition  ConfigKind = 2
	KindPower     ConfigKind = 3
	KindNetwork   ConfigKind = 4
	KindDisplay   ConfigKind = 5
	KindLoRa      ConfigKind = 6
	KindBluetooth ConfigKind = 7
)

// ConfigKinds is the fixed serial order sections are requested in.
var ConfigKinds = []ConfigKind{
	KindDevice, KindPosition, KindPower, KindNetwork,
	KindDisplay, KindLoRa, KindBluetooth,
}

func (k ConfigKind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindPosition:
		return "position"
	case KindPower:
		return "power"
	case KindNetwork:
		return "network"
	case KindDisplay:
		return "display"
	case KindLoRa:
		return "lora"
	case KindBluetooth:
		return "bluetooth"
	}
	return "unknown"
}

// ModuleKind selects a module configuration section.
type ModuleKind uint32

const (
	ModuleMQTT                 ModuleKind = 1
	ModuleSerial               ModuleKind = 2
	ModuleExternalNotification ModuleKind = 3
	ModuleStoreForward         ModuleKind = 4
	ModuleRangeTest            ModuleKind = 5
	ModuleTelemetry            ModuleKind = 6
	ModuleCannedMessage        ModuleKind = 7
)

// ModuleKinds is the fixed serial order module sections are requested in.
var ModuleKinds = []ModuleKind{
	ModuleMQTT, ModuleSerial, ModuleExternalNotification,
	ModuleStoreForward, ModuleRangeTest, ModuleTelemetry,
	ModuleCannedMessage,
}

func (k ModuleKind) String() string {
	switch k {
	case ModuleMQTT:
		return "mqtt"
	case ModuleSerial:
		return "serial"
	case ModuleExternalNotification:
		return "external_notification"
	case ModuleStoreForward:
		return "store_forward"
	case ModuleRangeTest:
		return "range_test"
	case ModuleTelemetry:
		return "telemetry"
	case ModuleCannedMessage:
		return "canned_message"
	}
	return "unknown"
}

// ConfigSection is one local configuration section. The section body is
// kept as opaque schema bytes so sections can be read back and written
// independently; the few fields this library itself consumes are
// extracted with ParsePower and ParseLoRa.
type ConfigSection struct {
	Kind ConfigKind
	Raw  []byte
}

// ModuleSection is one module configuration section, body kept opaque.
type ModuleSection struct {
	Kind ModuleKind
	Raw  []byte
}

// PowerConfig is the subset of the power section the client consumes.
type PowerConfig struct {
	LsSecs uint32 // field 3, light-sleep seconds; heartbeat runs at half
}

// LoRaConfig is the subset of the lora section the client consumes.
type LoRaConfig struct {
	HopLimit uint32 // field 8
}

// QueueStatus reports the device transmit queue occupancy.
type QueueStatus struct {
	Res          int32  // field 1
	Free         uint32 // field 2
	Maxlen       uint32 // field 3
	MeshPacketID uint32 // field 4
}

// FileInfo is one filesystem entry reported by the device.
type FileInfo struct {
	FileName  string // field 1
	SizeBytes uint32 // field 2
}

// AdminMessage is the ADMIN_APP payload. At most one field is set.
type AdminMessage struct {
	GetChannelRequest       uint32 // field 1, index+1, nonzero when set
	GetChannelResponse      *Channel
	GetConfigRequest        ConfigKind // field 5, nonzero when set
	GetConfigResponse       *ConfigSection
	GetModuleConfigRequest  ModuleKind // field 7, nonzero when set
	GetModuleConfigResponse *ModuleSection
	SetOwner                *User          // field 32
	SetChannel              *Channel       // field 33
	SetConfig               *ConfigSection // field 34
	SetModuleConfig         *ModuleSection // field 35
	RebootSeconds           int32          // field 96
	DeleteFileRequest       string         // field 105
}
