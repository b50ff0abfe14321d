package wire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshalling appends fields in ascending field-number order so the
// same message always produces the same bytes.

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number) []byte {
	return appendVarintField(b, num, 1)
}

func appendFloatField(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendSfixed32Field(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, uint32(v))
}

// Validate rejects payloads the device would refuse, before any bytes
// reach a transport.
func (d *Data) Validate() error {
	if d.Port == PortUnknown {
		return ErrUnknownPort
	}
	if len(d.Payload) > MaxDataPayload {
		return ErrPayloadTooBig
	}
	return nil
}

// Marshal encodes the envelope. A zero ToRadio encodes to nil, which
// the caller should treat as a bug.
func (m *ToRadio) Marshal() []byte {
	var b []byte
	if m.Packet != nil {
		b = appendBytesField(b, 1, m.Packet.Marshal())
	}
	if m.WantConfigID != 0 {
		b = appendVarintField(b, 3, uint64(m.WantConfigID))
	}
	if m.Disconnect {
		b = appendBoolField(b, 4)
	}
	if m.XModem != nil {
		b = appendBytesField(b, 5, m.XModem.Marshal())
	}
	if m.Heartbeat {
		// Heartbeat is an empty nested message; presence is the signal.
		b = appendBytesField(b, 7, nil)
	}
	return b
}

func (p *MeshPacket) Marshal() []byte {
	var b []byte
	if p.From != 0 {
		b = appendVarintField(b, 1, uint64(p.From))
	}
	if p.To != 0 {
		b = appendVarintField(b, 2, uint64(p.To))
	}
	if p.Channel != 0 {
		b = appendVarintField(b, 3, uint64(p.Channel))
	}
	if p.Decoded != nil {
		b = appendBytesField(b, 4, p.Decoded.Marshal())
	}
	if len(p.Encrypted) > 0 {
		b = appendBytesField(b, 5, p.Encrypted)
	}
	if p.ID != 0 {
		b = appendVarintField(b, 6, uint64(p.ID))
	}
	if p.RxTime != 0 {
		b = appendVarintField(b, 7, uint64(p.RxTime))
	}
	if p.RxSnr != 0 {
		b = appendFloatField(b, 8, p.RxSnr)
	}
	if p.HopLimit != 0 {
		b = appendVarintField(b, 9, uint64(p.HopLimit))
	}
	if p.WantAck {
		b = appendBoolField(b, 10)
	}
	if p.Priority != 0 {
		b = appendVarintField(b, 11, uint64(p.Priority))
	}
	if p.RxRssi != 0 {
		b = appendVarintField(b, 12, uint64(uint32(p.RxRssi)))
	}
	return b
}

func (d *Data) Marshal() []byte {
	var b []byte
	if d.Port != 0 {
		b = appendVarintField(b, 1, uint64(d.Port))
	}
	if len(d.Payload) > 0 {
		b = appendBytesField(b, 2, d.Payload)
	}
	if d.WantResponse {
		b = appendBoolField(b, 3)
	}
	if d.Dest != 0 {
		b = appendVarintField(b, 4, uint64(d.Dest))
	}
	if d.Source != 0 {
		b = appendVarintField(b, 5, uint64(d.Source))
	}
	if d.RequestID != 0 {
		b = appendVarintField(b, 6, uint64(d.RequestID))
	}
	if d.ReplyID != 0 {
		b = appendVarintField(b, 7, uint64(d.ReplyID))
	}
	return b
}

func (r *Routing) Marshal() []byte {
	var b []byte
	if r.ErrorReason != 0 {
		b = appendVarintField(b, 3, uint64(r.ErrorReason))
	}
	return b
}

func (x *XModem) Marshal() []byte {
	var b []byte
	if x.Control != 0 {
		b = appendVarintField(b, 1, uint64(x.Control))
	}
	if x.Seq != 0 {
		b = appendVarintField(b, 2, uint64(x.Seq))
	}
	if x.CRC16 != 0 {
		b = appendVarintField(b, 3, uint64(x.CRC16))
	}
	if len(x.Buffer) > 0 {
		b = appendBytesField(b, 4, x.Buffer)
	}
	return b
}

func (u *User) Marshal() []byte {
	var b []byte
	if u.ID != "" {
		b = appendStringField(b, 1, u.ID)
	}
	if u.LongName != "" {
		b = appendStringField(b, 2, u.LongName)
	}
	if u.ShortName != "" {
		b = appendStringField(b, 3, u.ShortName)
	}
	if u.HwModel != 0 {
		b = appendVarintField(b, 5, uint64(u.HwModel))
	}
	return b
}

func (p *Position) Marshal() []byte {
	var b []byte
	if p.LatitudeI != 0 {
		b = appendSfixed32Field(b, 1, p.LatitudeI)
	}
	if p.LongitudeI != 0 {
		b = appendSfixed32Field(b, 2, p.LongitudeI)
	}
	if p.Altitude != 0 {
		b = appendVarintField(b, 3, uint64(uint32(p.Altitude)))
	}
	if p.Time != 0 {
		b = appendVarintField(b, 4, uint64(p.Time))
	}
	return b
}

func (m *DeviceMetrics) Marshal() []byte {
	var b []byte
	if m.BatteryLevel != 0 {
		b = appendVarintField(b, 1, uint64(m.BatteryLevel))
	}
	if m.Voltage != 0 {
		b = appendFloatField(b, 2, m.Voltage)
	}
	if m.ChannelUtilization != 0 {
		b = appendFloatField(b, 3, m.ChannelUtilization)
	}
	if m.AirUtilTx != 0 {
		b = appendFloatField(b, 4, m.AirUtilTx)
	}
	return b
}

func (t *Telemetry) Marshal() []byte {
	var b []byte
	if t.Time != 0 {
		b = appendVarintField(b, 1, uint64(t.Time))
	}
	if t.DeviceMetrics != nil {
		b = appendBytesField(b, 2, t.DeviceMetrics.Marshal())
	}
	return b
}

func (s *ChannelSettings) Marshal() []byte {
	var b []byte
	if len(s.Psk) > 0 {
		b = appendBytesField(b, 2, s.Psk)
	}
	if s.Name != "" {
		b = appendStringField(b, 3, s.Name)
	}
	return b
}

func (c *Channel) Marshal() []byte {
	var b []byte
	if c.Index != 0 {
		b = appendVarintField(b, 1, uint64(c.Index))
	}
	if c.Settings != nil {
		b = appendBytesField(b, 2, c.Settings.Marshal())
	}
	if c.Role != 0 {
		b = appendVarintField(b, 3, uint64(c.Role))
	}
	return b
}

// Marshal encodes a config section as the device's Config oneof: the
// section's kind is the field number, the raw section body the value.
func (c *ConfigSection) Marshal() []byte {
	return appendBytesField(nil, protowire.Number(c.Kind), c.Raw)
}

func (m *ModuleSection) Marshal() []byte {
	return appendBytesField(nil, protowire.Number(m.Kind), m.Raw)
}

func (a *AdminMessage) Marshal() []byte {
	var b []byte
	if a.GetChannelRequest != 0 {
		b = appendVarintField(b, 1, uint64(a.GetChannelRequest))
	}
	if a.GetConfigRequest != 0 {
		b = appendVarintField(b, 5, uint64(a.GetConfigRequest))
	}
	if a.GetModuleConfigRequest != 0 {
		b = appendVarintField(b, 7, uint64(a.GetModuleConfigRequest))
	}
	if a.SetOwner != nil {
		b = appendBytesField(b, 32, a.SetOwner.Marshal())
	}
	if a.SetChannel != nil {
		b = appendBytesField(b, 33, a.SetChannel.Marshal())
	}
	if a.SetConfig != nil {
		b = appendBytesField(b, 34, a.SetConfig.Marshal())
	}
	if a.SetModuleConfig != nil {
		b = appendBytesField(b, 35, a.SetModuleConfig.Marshal())
	}
	if a.RebootSeconds != 0 {
		b = appendVarintField(b, 96, uint64(uint32(a.RebootSeconds)))
	}
	if a.DeleteFileRequest != "" {
		b = appendStringField(b, 105, a.DeleteFileRequest)
	}
	return b
}
