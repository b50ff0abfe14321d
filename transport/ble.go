package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"go.uber.org/zap"
)

// GATT identifiers of the device's radio service.
var (
	bleServiceUUID   = ble.MustParse("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	bleToRadioUUID   = ble.MustParse("f75c76d2-129e-4dad-a1dd-7866124401e7")
	bleFromRadioUUID = ble.MustParse("2c55e69e-4993-11ed-b878-0242ac120002")
	bleFromNumUUID   = ble.MustParse("ed9da18c-a800-4f66-a670-aa7547e34453")
)

const (
	bleConnectTimeout = 30 * time.Second
	blePollInterval   = 2 * time.Second
)

// BLELink talks GATT instead of a byte stream: every read of the
// FROMRADIO characteristic yields one whole payload, so no start-byte
// framing is involved. The FROMNUM characteristic notifies when the
// device has something to read; reads are level-triggered off that
// signal and drain the characteristic until it comes back empty.
type BLELink struct {
	log    *zap.Logger
	client ble.Client

	toRadio   *ble.Characteristic
	fromRadio *ble.Characteristic

	frames chan []byte
	states chan LinkState
	notify chan struct{}

	wmu sync.Mutex

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBLE scans for and connects to the device with the given MAC
// address (or device name prefix) and wires up the radio service
// characteristics.
func NewBLE(addr string, log *zap.Logger) (*BLELink, error) {
	log = log.Named("ble")

	dev, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("ble: open hci device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	ctx := ble.WithSigHandler(context.WithTimeout(context.Background(), bleConnectTimeout))
	client, err := ble.Connect(ctx, func(a ble.Advertisement) bool {
		if strings.EqualFold(a.Addr().String(), addr) {
			return true
		}
		return a.LocalName() != "" && strings.HasPrefix(a.LocalName(), addr)
	})
	if err != nil {
		return nil, fmt.Errorf("ble: connect %s: %w", addr, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("ble: discover profile: %w", err)
	}

	l := &BLELink{
		log:    log,
		client: client,
		frames: make(chan []byte, frameChanSize),
		states: make(chan LinkState, stateChanSize),
		notify: make(chan struct{}, 1),
	}

	var fromNum *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(bleServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(bleToRadioUUID):
				l.toRadio = c
			case c.UUID.Equal(bleFromRadioUUID):
				l.fromRadio = c
			case c.UUID.Equal(bleFromNumUUID):
				fromNum = c
			}
		}
	}
	if l.toRadio == nil || l.fromRadio == nil || fromNum == nil {
		client.CancelConnection()
		return nil, fmt.Errorf("ble: device %s does not expose the radio service", addr)
	}

	if err := client.Subscribe(fromNum, false, func([]byte) {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}); err != nil {
		client.CancelConnection()
		return nil, fmt.Errorf("ble: subscribe fromnum: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go l.run(runCtx)

	l.states <- LinkUp
	log.Info("ble: connected", zap.String("addr", addr))
	return l, nil
}

func (l *BLELink) Frames() <-chan []byte    { return l.frames }
func (l *BLELink) States() <-chan LinkState { return l.states }

func (l *BLELink) WriteFrame(payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := l.client.WriteCharacteristic(l.toRadio, payload, false); err != nil {
		return fmt.Errorf("ble: write toradio: %w", err)
	}
	// The device may answer without touching FROMNUM; poll once.
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *BLELink) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.client.CancelConnection()
		l.wg.Wait()
		close(l.frames)
		close(l.states)
	})
	return nil
}

func (l *BLELink) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(blePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.client.Disconnected():
			l.log.Warn("ble: device disconnected")
			select {
			case l.states <- LinkDown:
			default:
			}
			return
		case <-l.notify:
		case <-ticker.C:
		}
		if !l.drain(ctx) {
			return
		}
	}
}

// drain reads FROMRADIO until it comes back empty.
func (l *BLELink) drain(ctx context.Context) bool {
	for {
		payload, err := l.client.ReadCharacteristic(l.fromRadio)
		if err != nil {
			if ctx.Err() == nil {
				l.log.Debug("ble: read fromradio", zap.Error(err))
			}
			return ctx.Err() == nil
		}
		if len(payload) == 0 {
			return true
		}
		select {
		case l.frames <- payload:
		case <-ctx.Done():
			return false
		}
	}
}
