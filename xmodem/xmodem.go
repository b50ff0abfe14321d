// Package xmodem implements the device's file-transfer sub-protocol.
// Transfer packets ride the ordinary frame channel as a ToRadio /
// FromRadio variant; the classic serial-line timing rules do not apply,
// only the block sequencing, CRC and retry behavior.
package xmodem

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

const (
	// ChunkSize is the upload block size.
	ChunkSize = 256

	// MaxRetries is the NAK ceiling; one more cancels the transfer.
	MaxRetries = 5
)

var (
	// ErrTransferBusy is returned when a transfer is already running.
	ErrTransferBusy = errors.New("xmodem: another transfer is already in progress")

	// ErrTimeout is returned by Wait when the device goes quiet.
	ErrTimeout = errors.New("xmodem: timed out waiting for transfer")
)

// Mode distinguishes the two transfer directions.
type Mode int

const (
	ModeDownload Mode = iota
	ModeUpload
)

func (m Mode) String() string {
	if m == ModeUpload {
		return "upload"
	}
	return "download"
}

type phase int

const (
	phaseStart phase = iota
	phaseData
	phaseEOT
)

// SendFunc delivers one transfer packet to the device.
type SendFunc func(*wire.XModem) error

// Outcome summarises a finished transfer for compensating cleanup.
type Outcome struct {
	Success bool
	Err     error
	// RemoveLocal is set after a failed download: the partial local
	// file should be removed.
	RemoveLocal bool
	// DeleteRemote is set after a failed upload: the partial remote
	// file should be deleted, fire and forget.
	DeleteRemote bool
}

// Session is one transfer in flight. It is driven entirely by inbound
// packets via Handle; Wait blocks the caller until the device finishes
// or the deadline passes.
type Session struct {
	mode Mode
	path string
	send SendFunc
	log  *zap.Logger

	mu          sync.Mutex
	dst         io.Writer // download target
	src         io.Reader // upload source
	closer      io.Closer // closed exactly once at completion
	expectedSeq uint32
	awaiting    phase
	retries     int
	pendingSeq  uint32
	pendingData []byte
	done        bool
	closed      bool
	outcome     Outcome

	doneCh chan struct{}
}

// Done reports whether the session has finished.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Outcome returns the transfer result. Valid once Done.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Wait blocks until the transfer finishes or timeout elapses. On
// timeout a best-effort cancel is sent to the device and the session is
// marked failed. A transfer that completed right at the deadline wins
// the race and gets no cancel.
func (s *Session) Wait(timeout time.Duration) Outcome {
	select {
	case <-s.doneCh:
	case <-time.After(timeout):
		s.mu.Lock()
		timedOut := !s.done
		if timedOut {
			s.completeLocked(false, ErrTimeout)
		}
		s.mu.Unlock()
		if timedOut {
			if err := s.send(&wire.XModem{Control: wire.XModemCAN}); err != nil {
				s.log.Debug("xmodem: cancel send failed", zap.Error(err))
			}
		}
	}
	return s.Outcome()
}

// Handle processes one inbound transfer packet. Replies are sent after
// the state transition so a send failure cannot wedge the session lock.
func (s *Session) Handle(x *wire.XModem) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	var reply *wire.XModem
	if s.mode == ModeDownload {
		reply = s.handleDownloadLocked(x)
	} else {
		reply = s.handleUploadLocked(x)
	}
	s.mu.Unlock()

	if reply != nil {
		if err := s.send(reply); err != nil {
			s.log.Error("xmodem: send reply",
				zap.Uint32("control", uint32(reply.Control)), zap.Error(err))
		}
	}
}

func (s *Session) handleDownloadLocked(x *wire.XModem) *wire.XModem {
	switch x.Control {
	case wire.XModemSOH, wire.XModemSTX:
		if x.Seq != s.expectedSeq {
			s.log.Warn("xmodem: unexpected sequence",
				zap.Uint32("expected", s.expectedSeq), zap.Uint32("got", x.Seq))
			return &wire.XModem{Control: wire.XModemNAK, Seq: x.Seq}
		}
		if crc := CRC16(x.Buffer); uint32(crc) != x.CRC16 {
			s.log.Warn("xmodem: crc mismatch",
				zap.String("path", s.path),
				zap.Uint32("expected", x.CRC16), zap.Uint16("got", crc))
			return &wire.XModem{Control: wire.XModemNAK, Seq: x.Seq}
		}
		if _, err := s.dst.Write(x.Buffer); err != nil {
			s.completeLocked(false, fmt.Errorf("xmodem: write %s: %w", s.path, err))
			return &wire.XModem{Control: wire.XModemCAN}
		}
		s.expectedSeq++
		return &wire.XModem{Control: wire.XModemACK, Seq: x.Seq}

	case wire.XModemEOT:
		s.completeLocked(true, nil)
		return &wire.XModem{Control: wire.XModemACK}

	case wire.XModemNAK:
		s.completeLocked(false, fmt.Errorf("xmodem: device reported NAK sending %s", s.path))
		return nil

	case wire.XModemCAN:
		s.completeLocked(false, fmt.Errorf("xmodem: device cancelled transfer of %s", s.path))
		return nil

	case wire.XModemACK:
		// The device echoes our own control flow; nothing to do.
		return nil

	default:
		s.completeLocked(false, fmt.Errorf("xmodem: unsupported control %d", x.Control))
		return &wire.XModem{Control: wire.XModemCAN}
	}
}

func (s *Session) handleUploadLocked(x *wire.XModem) *wire.XModem {
	switch x.Control {
	case wire.XModemACK:
		switch s.awaiting {
		case phaseStart, phaseData:
			return s.nextChunkLocked()
		case phaseEOT:
			s.completeLocked(true, nil)
		}
		return nil

	case wire.XModemNAK:
		switch s.awaiting {
		case phaseStart:
			s.completeLocked(false, errors.New(
				"xmodem: device rejected destination path"))
			return &wire.XModem{Control: wire.XModemCAN}
		case phaseData:
			s.retries++
			if s.retries > MaxRetries {
				s.completeLocked(false, errors.New("xmodem: too many NAKs during upload"))
				return &wire.XModem{Control: wire.XModemCAN}
			}
			// Retransmit the cached block, byte for byte.
			return &wire.XModem{
				Control: wire.XModemSOH,
				Seq:     s.pendingSeq,
				CRC16:   uint32(CRC16(s.pendingData)),
				Buffer:  s.pendingData,
			}
		case phaseEOT:
			s.retries++
			if s.retries > MaxRetries {
				s.completeLocked(false, errors.New("xmodem: timeout while finalizing upload"))
				return &wire.XModem{Control: wire.XModemCAN}
			}
			return &wire.XModem{Control: wire.XModemEOT, Seq: s.expectedSeq}
		}
		return nil

	case wire.XModemCAN:
		s.completeLocked(false, fmt.Errorf("xmodem: device cancelled upload of %s", s.path))
		return nil

	default:
		s.log.Debug("xmodem: ignoring control during upload",
			zap.Uint32("control", uint32(x.Control)))
		return nil
	}
}

func (s *Session) nextChunkLocked() *wire.XModem {
	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(s.src, buf)
	if n > 0 {
		chunk := buf[:n]
		seq := s.expectedSeq
		s.expectedSeq++
		s.pendingSeq = seq
		s.pendingData = chunk
		s.awaiting = phaseData
		s.retries = 0
		return &wire.XModem{
			Control: wire.XModemSOH,
			Seq:     seq,
			CRC16:   uint32(CRC16(chunk)),
			Buffer:  chunk,
		}
	}
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		s.completeLocked(false, fmt.Errorf("xmodem: read %s: %w", s.path, err))
		return &wire.XModem{Control: wire.XModemCAN}
	}
	s.awaiting = phaseEOT
	s.retries = 0
	return &wire.XModem{Control: wire.XModemEOT, Seq: s.expectedSeq}
}

// completeLocked finishes the session exactly once. The file handle is
// closed here so a second completion path cannot double-close it.
func (s *Session) completeLocked(success bool, err error) {
	if s.done {
		return
	}
	if s.closer != nil && !s.closed {
		if cerr := s.closer.Close(); cerr != nil {
			s.log.Debug("xmodem: close transfer file", zap.Error(cerr))
		}
		s.closed = true
	}
	s.done = true
	s.outcome = Outcome{
		Success:      success,
		Err:          err,
		RemoveLocal:  s.mode == ModeDownload && !success,
		DeleteRemote: s.mode == ModeUpload && !success,
	}
	close(s.doneCh)
}

// Manager enforces the one-transfer-at-a-time rule and routes inbound
// packets to the live session.
type Manager struct {
	send SendFunc
	log  *zap.Logger

	mu     sync.Mutex
	active *Session
}

func NewManager(send SendFunc, log *zap.Logger) *Manager {
	return &Manager{send: send, log: log}
}

// Busy reports whether a transfer is currently running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && !m.active.Done()
}

// StartDownload asks the device for remotePath and streams the blocks
// into dst. dst is closed when the transfer finishes either way.
func (m *Manager) StartDownload(remotePath string, dst io.WriteCloser) (*Session, error) {
	s := &Session{
		mode:        ModeDownload,
		path:        remotePath,
		send:        m.send,
		log:         m.log,
		dst:         dst,
		closer:      dst,
		expectedSeq: 1,
		doneCh:      make(chan struct{}),
	}
	if err := m.install(s); err != nil {
		dst.Close()
		return nil, err
	}
	if err := m.send(&wire.XModem{
		Control: wire.XModemSTX,
		Buffer:  []byte(remotePath),
	}); err != nil {
		m.abort(s, fmt.Errorf("xmodem: start download: %w", err))
		return nil, err
	}
	return s, nil
}

// StartUpload offers remotePath to the device and streams src up in
// ChunkSize blocks once the device accepts.
func (m *Manager) StartUpload(remotePath string, src io.Reader) (*Session, error) {
	s := &Session{
		mode:        ModeUpload,
		path:        remotePath,
		send:        m.send,
		log:         m.log,
		src:         src,
		expectedSeq: 1,
		awaiting:    phaseStart,
		doneCh:      make(chan struct{}),
	}
	if c, ok := src.(io.Closer); ok {
		s.closer = c
	}
	if err := m.install(s); err != nil {
		if s.closer != nil {
			s.closer.Close()
		}
		return nil, err
	}
	if err := m.send(&wire.XModem{
		Control: wire.XModemSOH,
		Buffer:  []byte(remotePath),
	}); err != nil {
		m.abort(s, fmt.Errorf("xmodem: start upload: %w", err))
		return nil, err
	}
	return s, nil
}

// Handle routes one inbound transfer packet to the live session.
// Packets with no session to claim them are dropped.
func (m *Manager) Handle(x *wire.XModem) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		m.log.Debug("xmodem: packet with no active transfer",
			zap.Uint32("control", uint32(x.Control)))
		return
	}
	s.Handle(x)
}

func (m *Manager) install(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && !m.active.Done() {
		return ErrTransferBusy
	}
	m.active = s
	return nil
}

func (m *Manager) abort(s *Session, err error) {
	s.mu.Lock()
	s.completeLocked(false, err)
	s.mu.Unlock()
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}
