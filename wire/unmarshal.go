package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decoding skips fields it does not know so newer firmware can add
// fields without breaking older clients.

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) next() (protowire.Number, protowire.Type, bool) {
	if d.err != nil || len(d.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0, 0, false
	}
	d.b = d.b[n:]
	return num, typ, true
}

func (d *decoder) varint() uint64 {
	v, n := protowire.ConsumeVarint(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) fixed32() uint32 {
	v, n := protowire.ConsumeFixed32(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) float32() float32 {
	return math.Float32frombits(d.fixed32())
}

// bytes copies the field body so decoded messages do not alias the
// transport's frame buffer.
func (d *decoder) bytes() []byte {
	v, n := protowire.ConsumeBytes(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return nil
	}
	d.b = d.b[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (d *decoder) string() string {
	v, n := protowire.ConsumeString(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return ""
	}
	d.b = d.b[n:]
	return v
}

func (d *decoder) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return
	}
	d.b = d.b[n:]
}

// UnmarshalFromRadio decodes one inbound envelope.
func UnmarshalFromRadio(b []byte) (*FromRadio, error) {
	m := &FromRadio{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 2 && typ == protowire.BytesType:
			p, err := UnmarshalMeshPacket(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Packet = p
		case num == 3 && typ == protowire.BytesType:
			mi, err := unmarshalMyNodeInfo(d.bytes())
			if err != nil {
				return nil, err
			}
			m.MyInfo = mi
		case num == 4 && typ == protowire.BytesType:
			ni, err := UnmarshalNodeInfo(d.bytes())
			if err != nil {
				return nil, err
			}
			m.NodeInfo = ni
		case num == 5 && typ == protowire.BytesType:
			cs, err := unmarshalConfigSection(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Config = cs
		case num == 7 && typ == protowire.VarintType:
			m.ConfigCompleteID = uint32(d.varint())
			m.ConfigComplete = true
		case num == 8 && typ == protowire.VarintType:
			m.Rebooted = d.varint() != 0
		case num == 9 && typ == protowire.BytesType:
			ms, err := unmarshalModuleSection(d.bytes())
			if err != nil {
				return nil, err
			}
			m.ModuleConfig = ms
		case num == 10 && typ == protowire.BytesType:
			ch, err := unmarshalChannel(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Channel = ch
		case num == 11 && typ == protowire.BytesType:
			qs, err := unmarshalQueueStatus(d.bytes())
			if err != nil {
				return nil, err
			}
			m.QueueStatus = qs
		case num == 12 && typ == protowire.BytesType:
			x, err := UnmarshalXModem(d.bytes())
			if err != nil {
				return nil, err
			}
			m.XModem = x
		case num == 13 && typ == protowire.BytesType:
			m.Metadata = d.bytes()
		case num == 15 && typ == protowire.BytesType:
			fi, err := unmarshalFileInfo(d.bytes())
			if err != nil {
				return nil, err
			}
			m.FileInfo = fi
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode FromRadio: %w", d.err)
	}
	return m, nil
}

// UnmarshalToRadio decodes an outbound envelope. Used by tests and by
// tooling that inspects traffic; the client itself only encodes it.
func UnmarshalToRadio(b []byte) (*ToRadio, error) {
	m := &ToRadio{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			p, err := UnmarshalMeshPacket(d.bytes())
			if err != nil {
				return nil, err
			}
			m.Packet = p
		case num == 3 && typ == protowire.VarintType:
			m.WantConfigID = uint32(d.varint())
		case num == 4 && typ == protowire.VarintType:
			m.Disconnect = d.varint() != 0
		case num == 5 && typ == protowire.BytesType:
			x, err := UnmarshalXModem(d.bytes())
			if err != nil {
				return nil, err
			}
			m.XModem = x
		case num == 7 && typ == protowire.BytesType:
			d.bytes()
			m.Heartbeat = true
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode ToRadio: %w", d.err)
	}
	return m, nil
}

func UnmarshalMeshPacket(b []byte) (*MeshPacket, error) {
	p := &MeshPacket{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			p.From = uint32(d.varint())
		case num == 2 && typ == protowire.VarintType:
			p.To = uint32(d.varint())
		case num == 3 && typ == protowire.VarintType:
			p.Channel = uint32(d.varint())
		case num == 4 && typ == protowire.BytesType:
			data, err := UnmarshalData(d.bytes())
			if err != nil {
				return nil, err
			}
			p.Decoded = data
		case num == 5 && typ == protowire.BytesType:
			p.Encrypted = d.bytes()
		case num == 6 && typ == protowire.VarintType:
			p.ID = uint32(d.varint())
		case num == 7 && typ == protowire.VarintType:
			p.RxTime = uint32(d.varint())
		case num == 8 && typ == protowire.Fixed32Type:
			p.RxSnr = d.float32()
		case num == 9 && typ == protowire.VarintType:
			p.HopLimit = uint32(d.varint())
		case num == 10 && typ == protowire.VarintType:
			p.WantAck = d.varint() != 0
		case num == 11 && typ == protowire.VarintType:
			p.Priority = uint32(d.varint())
		case num == 12 && typ == protowire.VarintType:
			p.RxRssi = int32(uint32(d.varint()))
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode MeshPacket: %w", d.err)
	}
	return p, nil
}

func UnmarshalData(b []byte) (*Data, error) {
	m := &Data{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.Port = PortNum(d.varint())
		case num == 2 && typ == protowire.BytesType:
			m.Payload = d.bytes()
		case num == 3 && typ == protowire.VarintType:
			m.WantResponse = d.varint() != 0
		case num == 4 && typ == protowire.VarintType:
			m.Dest = uint32(d.varint())
		case num == 5 && typ == protowire.VarintType:
			m.Source = uint32(d.varint())
		case num == 6 && typ == protowire.VarintType:
			m.RequestID = uint32(d.varint())
		case num == 7 && typ == protowire.VarintType:
			m.ReplyID = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Data: %w", d.err)
	}
	return m, nil
}

func UnmarshalRouting(b []byte) (*Routing, error) {
	r := &Routing{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		if num == 3 && typ == protowire.VarintType {
			r.ErrorReason = RoutingError(d.varint())
		} else {
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Routing: %w", d.err)
	}
	return r, nil
}

func UnmarshalXModem(b []byte) (*XModem, error) {
	x := &XModem{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			x.Control = XModemControl(d.varint())
		case num == 2 && typ == protowire.VarintType:
			x.Seq = uint32(d.varint())
		case num == 3 && typ == protowire.VarintType:
			x.CRC16 = uint32(d.varint())
		case num == 4 && typ == protowire.BytesType:
			x.Buffer = d.bytes()
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode XModem: %w", d.err)
	}
	return x, nil
}

func unmarshalMyNodeInfo(b []byte) (*MyNodeInfo, error) {
	m := &MyNodeInfo{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.MyNodeNum = uint32(d.varint())
		case num == 2 && typ == protowire.VarintType:
			m.MaxChannels = uint32(d.varint())
		case num == 3 && typ == protowire.VarintType:
			m.MinAppVersion = uint32(d.varint())
		case num == 8 && typ == protowire.VarintType:
			m.RebootCount = uint32(d.varint())
		case num == 9 && typ == protowire.BytesType:
			m.FirmwareVersion = d.string()
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode MyNodeInfo: %w", d.err)
	}
	return m, nil
}

func UnmarshalNodeInfo(b []byte) (*NodeInfo, error) {
	ni := &NodeInfo{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			ni.Num = uint32(d.varint())
		case num == 2 && typ == protowire.BytesType:
			u, err := UnmarshalUser(d.bytes())
			if err != nil {
				return nil, err
			}
			ni.User = u
		case num == 3 && typ == protowire.BytesType:
			p, err := UnmarshalPosition(d.bytes())
			if err != nil {
				return nil, err
			}
			ni.Position = p
		case num == 4 && typ == protowire.Fixed32Type:
			ni.Snr = d.float32()
		case num == 5 && typ == protowire.VarintType:
			ni.LastHeard = uint32(d.varint())
		case num == 6 && typ == protowire.BytesType:
			dm, err := UnmarshalDeviceMetrics(d.bytes())
			if err != nil {
				return nil, err
			}
			ni.DeviceMetrics = dm
		case num == 7 && typ == protowire.VarintType:
			ni.Channel = uint32(d.varint())
		case num == 9 && typ == protowire.VarintType:
			ni.HopsAway = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode NodeInfo: %w", d.err)
	}
	return ni, nil
}

func UnmarshalUser(b []byte) (*User, error) {
	u := &User{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			u.ID = d.string()
		case num == 2 && typ == protowire.BytesType:
			u.LongName = d.string()
		case num == 3 && typ == protowire.BytesType:
			u.ShortName = d.string()
		case num == 5 && typ == protowire.VarintType:
			u.HwModel = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode User: %w", d.err)
	}
	return u, nil
}

func UnmarshalPosition(b []byte) (*Position, error) {
	p := &Position{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			p.LatitudeI = int32(d.fixed32())
		case num == 2 && typ == protowire.Fixed32Type:
			p.LongitudeI = int32(d.fixed32())
		case num == 3 && typ == protowire.VarintType:
			p.Altitude = int32(uint32(d.varint()))
		case num == 4 && typ == protowire.VarintType:
			p.Time = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Position: %w", d.err)
	}
	return p, nil
}

func UnmarshalDeviceMetrics(b []byte) (*DeviceMetrics, error) {
	m := &DeviceMetrics{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.BatteryLevel = uint32(d.varint())
		case num == 2 && typ == protowire.Fixed32Type:
			m.Voltage = d.float32()
		case num == 3 && typ == protowire.Fixed32Type:
			m.ChannelUtilization = d.float32()
		case num == 4 && typ == protowire.Fixed32Type:
			m.AirUtilTx = d.float32()
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode DeviceMetrics: %w", d.err)
	}
	return m, nil
}

func UnmarshalTelemetry(b []byte) (*Telemetry, error) {
	t := &Telemetry{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			t.Time = uint32(d.varint())
		case num == 2 && typ == protowire.BytesType:
			dm, err := UnmarshalDeviceMetrics(d.bytes())
			if err != nil {
				return nil, err
			}
			t.DeviceMetrics = dm
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Telemetry: %w", d.err)
	}
	return t, nil
}

func unmarshalChannelSettings(b []byte) (*ChannelSettings, error) {
	s := &ChannelSettings{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 2 && typ == protowire.BytesType:
			s.Psk = d.bytes()
		case num == 3 && typ == protowire.BytesType:
			s.Name = d.string()
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode ChannelSettings: %w", d.err)
	}
	return s, nil
}

func unmarshalChannel(b []byte) (*Channel, error) {
	c := &Channel{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			c.Index = uint32(d.varint())
		case num == 2 && typ == protowire.BytesType:
			s, err := unmarshalChannelSettings(d.bytes())
			if err != nil {
				return nil, err
			}
			c.Settings = s
		case num == 3 && typ == protowire.VarintType:
			c.Role = ChannelRole(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Channel: %w", d.err)
	}
	return c, nil
}

// unmarshalConfigSection reads the Config oneof: whichever field is
// present names the section kind, its body stays raw.
func unmarshalConfigSection(b []byte) (*ConfigSection, error) {
	cs := &ConfigSection{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		if typ == protowire.BytesType && num >= 1 && num <= protowire.Number(KindBluetooth) {
			cs.Kind = ConfigKind(num)
			cs.Raw = d.bytes()
		} else {
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode Config: %w", d.err)
	}
	return cs, nil
}

func unmarshalModuleSection(b []byte) (*ModuleSection, error) {
	ms := &ModuleSection{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		if typ == protowire.BytesType && num >= 1 && num <= protowire.Number(ModuleCannedMessage) {
			ms.Kind = ModuleKind(num)
			ms.Raw = d.bytes()
		} else {
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode ModuleConfig: %w", d.err)
	}
	return ms, nil
}

// ParsePower extracts the fields the client consumes from a raw power
// section body.
func ParsePower(raw []byte) (*PowerConfig, error) {
	p := &PowerConfig{}
	d := &decoder{b: raw}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		if num == 3 && typ == protowire.VarintType {
			p.LsSecs = uint32(d.varint())
		} else {
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode PowerConfig: %w", d.err)
	}
	return p, nil
}

// ParseLoRa extracts the fields the client consumes from a raw lora
// section body.
func ParseLoRa(raw []byte) (*LoRaConfig, error) {
	l := &LoRaConfig{}
	d := &decoder{b: raw}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		if num == 8 && typ == protowire.VarintType {
			l.HopLimit = uint32(d.varint())
		} else {
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode LoRaConfig: %w", d.err)
	}
	return l, nil
}

func unmarshalQueueStatus(b []byte) (*QueueStatus, error) {
	q := &QueueStatus{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			q.Res = int32(uint32(d.varint()))
		case num == 2 && typ == protowire.VarintType:
			q.Free = uint32(d.varint())
		case num == 3 && typ == protowire.VarintType:
			q.Maxlen = uint32(d.varint())
		case num == 4 && typ == protowire.VarintType:
			q.MeshPacketID = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode QueueStatus: %w", d.err)
	}
	return q, nil
}

func unmarshalFileInfo(b []byte) (*FileInfo, error) {
	fi := &FileInfo{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			fi.FileName = d.string()
		case num == 2 && typ == protowire.VarintType:
			fi.SizeBytes = uint32(d.varint())
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode FileInfo: %w", d.err)
	}
	return fi, nil
}

// UnmarshalAdminMessage decodes the admin payload. Only response
// variants are populated; requests are encode-only.
func UnmarshalAdminMessage(b []byte) (*AdminMessage, error) {
	a := &AdminMessage{}
	d := &decoder{b: b}
	for {
		num, typ, ok := d.next()
		if !ok {
			break
		}
		switch {
		case num == 2 && typ == protowire.BytesType:
			ch, err := unmarshalChannel(d.bytes())
			if err != nil {
				return nil, err
			}
			a.GetChannelResponse = ch
		case num == 6 && typ == protowire.BytesType:
			cs, err := unmarshalConfigSection(d.bytes())
			if err != nil {
				return nil, err
			}
			a.GetConfigResponse = cs
		case num == 8 && typ == protowire.BytesType:
			ms, err := unmarshalModuleSection(d.bytes())
			if err != nil {
				return nil, err
			}
			a.GetModuleConfigResponse = ms
		default:
			d.skip(num, typ)
		}
	}
	if d.err != nil {
		return nil, fmt.Errorf("wire: decode AdminMessage: %w", d.err)
	}
	return a, nil
}
