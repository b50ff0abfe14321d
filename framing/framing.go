// Package framing implements the stream framing used by Meshtastic-class
// radios: a two byte magic preamble, a big-endian 16-bit payload length,
// then the payload. Anything on the wire that is not part of a frame is
// device boot/debug text and is forwarded to an optional sideband sink
// instead of being dropped.
package framing

import "fmt"

const (
	// Start1 and Start2 form the frame preamble.
	Start1 = 0x94
	Start2 = 0xC3

	// HeaderLen is preamble plus the 16-bit length field.
	HeaderLen = 4

	// MaxPayload is the largest ToRadio/FromRadio payload the device
	// generation accepts. A declared length above this means we are
	// mid-garbage and must resync.
	MaxPayload = 512
)

// Encode wraps payload in a frame ready to write to the wire.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("framing: payload %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	frame := make([]byte, HeaderLen+len(payload))
	frame[0] = Start1
	frame[1] = Start2
	frame[2] = byte(len(payload) >> 8)
	frame[3] = byte(len(payload))
	copy(frame[HeaderLen:], payload)
	return frame, nil
}

type decodeState int

const (
	stateHunt1 decodeState = iota // scanning for Start1
	stateHunt2                    // saw Start1, need Start2
	stateLenHi
	stateLenLo
	stateBody
)

// Decoder extracts frame payloads from a byte stream fed in arbitrary
// chunks. It is push-based and carries no I/O: feed it whatever the
// transport read, collect completed payloads, repeat. Not safe for
// concurrent use; the single reader loop owns it.
type Decoder struct {
	state   decodeState
	length  int
	body    []byte
	debug   func(line string)
	curLine []byte
}

// NewDecoder returns a Decoder. debug receives one completed line of
// out-of-band device text per call; pass nil to discard it.
func NewDecoder(debug func(line string)) *Decoder {
	return &Decoder{debug: debug}
}

// Push consumes p and returns all payloads completed by it. Feeding one
// byte at a time or the whole stream at once yields identical results.
func (d *Decoder) Push(p []byte) [][]byte {
	var out [][]byte
	for _, c := range p {
		switch d.state {
		case stateHunt1:
			if c == Start1 {
				d.state = stateHunt2
			} else {
				d.pushLogByte(c)
			}
		case stateHunt2:
			if c == Start2 {
				d.state = stateLenHi
			} else {
				// Not a frame after all. The Start1 byte and this one
				// are dropped, matching the device protocol's resync
				// behavior.
				d.state = stateHunt1
			}
		case stateLenHi:
			d.length = int(c) << 8
			d.state = stateLenLo
		case stateLenLo:
			d.length |= int(c)
			if d.length > MaxPayload {
				d.state = stateHunt1
				continue
			}
			if d.length == 0 {
				out = append(out, []byte{})
				d.state = stateHunt1
				continue
			}
			d.body = make([]byte, 0, d.length)
			d.state = stateBody
		case stateBody:
			d.body = append(d.body, c)
			if len(d.body) == d.length {
				out = append(out, d.body)
				d.body = nil
				d.state = stateHunt1
			}
		}
	}
	return out
}

// Pending reports whether a partial frame is buffered.
func (d *Decoder) Pending() bool {
	return d.state != stateHunt1
}

func (d *Decoder) pushLogByte(c byte) {
	if d.debug == nil {
		return
	}
	switch c {
	case '\r':
		// ignore
	case '\n':
		d.debug(string(d.curLine))
		d.curLine = d.curLine[:0]
	default:
		d.curLine = append(d.curLine, c)
	}
}
