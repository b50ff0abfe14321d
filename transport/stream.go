package transport

import (
	"bytes"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/framing"
)

const (
	streamInitialBackoff = 2 * time.Second
	streamMaxBackoff     = 60 * time.Second
	streamReadBufSize    = 4096
	frameChanSize        = 256
	stateChanSize        = 16
)

// wakePreamble nudges a device that may be asleep before the first
// framed write. The bytes are framing filler the decoder on the other
// end discards.
var wakePreamble = bytes.Repeat([]byte{framing.Start2}, 32)

// StreamLink runs the start-byte framing protocol over a byte-stream
// Conn. It owns a dial loop: when the stream drops and reconnection is
// enabled it redials with exponential backoff, emitting a LinkState
// transition at each edge.
type StreamLink struct {
	dial      Dialer
	log       *zap.Logger
	reconnect bool

	frames chan []byte
	states chan LinkState

	mu   sync.Mutex
	conn Conn

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStreamLink starts the dial loop immediately.
func NewStreamLink(dial Dialer, reconnect bool, log *zap.Logger) *StreamLink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamLink{
		dial:      dial,
		log:       log,
		reconnect: reconnect,
		frames:    make(chan []byte, frameChanSize),
		states:    make(chan LinkState, stateChanSize),
		cancel:    cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *StreamLink) Frames() <-chan []byte    { return s.frames }
func (s *StreamLink) States() <-chan LinkState { return s.states }

func (s *StreamLink) WriteFrame(payload []byte) error {
	frame, err := framing.Encode(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrLinkDown
	}
	if _, err := conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// Close stops the dial loop, closes any live Conn and, once the reader
// has drained, closes the frame channel.
func (s *StreamLink) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		close(s.frames)
		close(s.states)
	})
	return nil
}

func (s *StreamLink) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := streamInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx)
		if err != nil {
			if !s.reconnect || ctx.Err() != nil {
				s.emit(LinkDown)
				return
			}
			s.log.Warn("stream: dial failed",
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, streamMaxBackoff)
				continue
			}
		}
		backoff = streamInitialBackoff

		if _, err := conn.Write(wakePreamble); err != nil {
			s.log.Warn("stream: wake write failed", zap.Error(err))
			conn.Close()
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.emit(LinkUp)
		s.log.Info("stream: link up")

		s.readFrames(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		s.emit(LinkDown)

		if ctx.Err() != nil || !s.reconnect {
			return
		}
		s.log.Info("stream: link lost, reconnecting",
			zap.Duration("backoff", backoff))
	}
}

func (s *StreamLink) readFrames(ctx context.Context, conn Conn) {
	dec := framing.NewDecoder(func(line string) {
		s.log.Debug("radio", zap.String("line", line))
	})
	buf := make([]byte, streamReadBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("stream: read", zap.Error(err))
			}
			return
		}
		if n == 0 {
			// Poll timeout; give cancellation a chance.
			if ctx.Err() != nil {
				return
			}
			continue
		}
		for _, payload := range dec.Push(buf[:n]) {
			select {
			case s.frames <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// emit never blocks; a reader that has fallen this far behind on state
// edges is already broken.
func (s *StreamLink) emit(st LinkState) {
	select {
	case s.states <- st:
	default:
		s.log.Warn("stream: state channel full, dropping edge",
			zap.Stringer("state", st))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
