package xmodem

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshradio/wire"
)

type sendRecorder struct {
	mu   sync.Mutex
	sent []*wire.XModem
}

func (r *sendRecorder) send(x *wire.XModem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, x)
	return nil
}

func (r *sendRecorder) last() *wire.XModem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type bufCloser struct {
	bytes.Buffer
	closed int
}

func (b *bufCloser) Close() error {
	b.closed++
	return nil
}

func TestCRC16KnownVectors(t *testing.T) {
	assert.Equal(t, uint16(0), CRC16(nil))
	assert.Equal(t, uint16(0x31C3), CRC16([]byte("123456789")))
}

func block(seq uint32, data []byte) *wire.XModem {
	return &wire.XModem{
		Control: wire.XModemSOH,
		Seq:     seq,
		CRC16:   uint32(CRC16(data)),
		Buffer:  data,
	}
}

func TestDownloadHappyPath(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())
	dst := &bufCloser{}

	s, err := m.StartDownload("/logs/boot.txt", dst)
	require.NoError(t, err)
	// The request names the remote file.
	assert.Equal(t, wire.XModemSTX, rec.last().Control)
	assert.Equal(t, []byte("/logs/boot.txt"), rec.last().Buffer)

	m.Handle(block(1, []byte("hello ")))
	assert.Equal(t, wire.XModemACK, rec.last().Control)
	m.Handle(block(2, []byte("world")))
	assert.Equal(t, wire.XModemACK, rec.last().Control)

	m.Handle(&wire.XModem{Control: wire.XModemEOT})
	assert.Equal(t, wire.XModemACK, rec.last().Control)

	out := s.Wait(time.Second)
	assert.True(t, out.Success)
	assert.Equal(t, "hello world", dst.String())
	assert.Equal(t, 1, dst.closed)
	assert.False(t, out.RemoveLocal)
}

func TestDownloadBadCRCGetsNAKWithoutAdvancing(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())
	dst := &bufCloser{}

	_, err := m.StartDownload("/f", dst)
	require.NoError(t, err)

	corrupt := block(1, []byte("data"))
	corrupt.CRC16 = corrupt.CRC16 ^ 0xFFFF
	m.Handle(corrupt)
	assert.Equal(t, wire.XModemNAK, rec.last().Control)
	assert.Zero(t, dst.Len())

	// The retransmitted block with the same sequence is accepted.
	m.Handle(block(1, []byte("data")))
	assert.Equal(t, wire.XModemACK, rec.last().Control)
	assert.Equal(t, "data", dst.String())
}

func TestDownloadSequenceMismatchGetsNAK(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	_, err := m.StartDownload("/f", &bufCloser{})
	require.NoError(t, err)

	m.Handle(block(3, []byte("out of order")))
	assert.Equal(t, wire.XModemNAK, rec.last().Control)
}

func TestDownloadDeviceCancelFailsWithoutRetry(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())
	dst := &bufCloser{}

	s, err := m.StartDownload("/f", dst)
	require.NoError(t, err)

	m.Handle(&wire.XModem{Control: wire.XModemCAN})
	out := s.Wait(time.Second)
	assert.False(t, out.Success)
	assert.Error(t, out.Err)
	assert.True(t, out.RemoveLocal)
	assert.Equal(t, 1, dst.closed)
}

func TestUploadStreamsChunksAndFinishesWithEOT(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())
	payload := bytes.Repeat([]byte{0xAB}, ChunkSize+40)

	s, err := m.StartUpload("/static/map.bin", bytes.NewReader(payload))
	require.NoError(t, err)
	// The offer names the destination path.
	assert.Equal(t, wire.XModemSOH, rec.last().Control)
	assert.Equal(t, []byte("/static/map.bin"), rec.last().Buffer)

	m.Handle(&wire.XModem{Control: wire.XModemACK}) // destination accepted
	first := rec.last()
	assert.Equal(t, wire.XModemSOH, first.Control)
	assert.Equal(t, uint32(1), first.Seq)
	assert.Len(t, first.Buffer, ChunkSize)
	assert.Equal(t, uint32(CRC16(first.Buffer)), first.CRC16)

	m.Handle(&wire.XModem{Control: wire.XModemACK})
	second := rec.last()
	assert.Equal(t, uint32(2), second.Seq)
	assert.Len(t, second.Buffer, 40)

	m.Handle(&wire.XModem{Control: wire.XModemACK})
	assert.Equal(t, wire.XModemEOT, rec.last().Control)

	m.Handle(&wire.XModem{Control: wire.XModemACK})
	out := s.Wait(time.Second)
	assert.True(t, out.Success)
	assert.False(t, out.DeleteRemote)
}

func TestUploadRetransmitsIdenticalBlockOnNAK(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	_, err := m.StartUpload("/f", bytes.NewReader([]byte("retransmit me")))
	require.NoError(t, err)

	m.Handle(&wire.XModem{Control: wire.XModemACK})
	original := rec.last()

	m.Handle(&wire.XModem{Control: wire.XModemNAK})
	retry := rec.last()
	assert.Equal(t, original.Seq, retry.Seq)
	assert.Equal(t, original.Buffer, retry.Buffer)
	assert.Equal(t, original.CRC16, retry.CRC16)
}

func TestUploadNAKCeilingCancels(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	s, err := m.StartUpload("/f", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	m.Handle(&wire.XModem{Control: wire.XModemACK})

	for i := 0; i <= MaxRetries; i++ {
		m.Handle(&wire.XModem{Control: wire.XModemNAK})
	}
	assert.Equal(t, wire.XModemCAN, rec.last().Control)

	out := s.Wait(time.Second)
	assert.False(t, out.Success)
	assert.True(t, out.DeleteRemote)
}

func TestUploadRejectedDestination(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	s, err := m.StartUpload("/no/such/dir/f", bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	// NAK before any block means the device refused the path.
	m.Handle(&wire.XModem{Control: wire.XModemNAK})
	assert.Equal(t, wire.XModemCAN, rec.last().Control)

	out := s.Wait(time.Second)
	assert.False(t, out.Success)
	assert.Contains(t, out.Err.Error(), "rejected destination")
}

func TestSingleTransferAtATime(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	s, err := m.StartDownload("/a", &bufCloser{})
	require.NoError(t, err)
	assert.True(t, m.Busy())

	_, err = m.StartDownload("/b", &bufCloser{})
	assert.ErrorIs(t, err, ErrTransferBusy)
	_, err = m.StartUpload("/c", bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrTransferBusy)

	// Once the first finishes, a new transfer may start.
	m.Handle(&wire.XModem{Control: wire.XModemEOT})
	s.Wait(time.Second)
	assert.False(t, m.Busy())
	_, err = m.StartDownload("/b", &bufCloser{})
	assert.NoError(t, err)
}

func TestWaitTimeoutSendsCancel(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	s, err := m.StartDownload("/slow", &bufCloser{})
	require.NoError(t, err)
	before := rec.count()

	out := s.Wait(20 * time.Millisecond)
	assert.ErrorIs(t, out.Err, ErrTimeout)
	assert.True(t, out.RemoveLocal)
	assert.Greater(t, rec.count(), before)
	assert.Equal(t, wire.XModemCAN, rec.last().Control)
}

func TestWaitAfterCompletionDoesNotCancel(t *testing.T) {
	rec := &sendRecorder{}
	m := NewManager(rec.send, zap.NewNop())

	s, err := m.StartDownload("/f", &bufCloser{})
	require.NoError(t, err)
	m.Handle(&wire.XModem{Control: wire.XModemEOT})

	// Even with an already-expired deadline the finished session keeps
	// its outcome and no cancel goes out.
	before := rec.count()
	out := s.Wait(time.Nanosecond)
	assert.True(t, out.Success)
	assert.NoError(t, out.Err)
	assert.Equal(t, before, rec.count())
}
