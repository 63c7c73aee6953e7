package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// Nordic UART service as exposed by MeshCore companion firmware. RX is the
// device's receive characteristic (we write commands to it), TX notifies us
// with response and push frames. Frames arrive whole per notification, so the
// serial `<`/`>` framing is not used on this link.
var (
	nordicUARTServiceUUID = mustUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	nordicUARTRxCharUUID  = mustUUID("6E400002-B5A3-F393-E0A9-E50E24DCCA9E")
	nordicUARTTxCharUUID  = mustUUID("6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
)

const (
	bleFrameQueueSize  = 128
	bleSubscribeWait   = 8 * time.Second
	bleWriteChunkSize  = 20
	bleInterChunkDelay = 5 * time.Millisecond
)

type bleConnState struct {
	device  bluetooth.Device
	rxChar  bluetooth.DeviceCharacteristic
	txChar  bluetooth.DeviceCharacteristic
	frameCh chan []byte
	closed  chan struct{}

	closeOnce sync.Once
}

type BLETransport struct {
	address string
	// pin is surfaced to the operator for the OS pairing prompt; the BLE
	// stack itself has no pairing-agent hook.
	pin string

	mu      sync.RWMutex
	conn    *bleConnState
	writeMu sync.Mutex
}

func NewBLETransport(address, pin string) *BLETransport {
	return &BLETransport{
		address: strings.TrimSpace(address),
		pin:     strings.TrimSpace(pin),
	}
}

func (t *BLETransport) Name() string {
	return "ble"
}

func (t *BLETransport) Target() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.address
}

func (t *BLETransport) Pin() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pin
}

func (t *BLETransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

func (t *BLETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.address == "" {
		return errors.New("ble address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(t.address))
	if err != nil {
		return fmt.Errorf("invalid ble address %q: %w", t.address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	device, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect ble device %q: %w", t.address, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{nordicUARTServiceUUID})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("discover uart service: %w", err)
	}
	if len(services) == 0 {
		_ = device.Disconnect()
		return errors.New("nordic uart service is not available")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		nordicUARTRxCharUUID,
		nordicUARTTxCharUUID,
	})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("discover uart characteristics: %w", err)
	}
	if len(chars) != 2 {
		_ = device.Disconnect()
		return fmt.Errorf("unexpected characteristic count: %d", len(chars))
	}

	state := &bleConnState{
		device:  device,
		rxChar:  chars[0],
		txChar:  chars[1],
		frameCh: make(chan []byte, bleFrameQueueSize),
		closed:  make(chan struct{}),
	}

	if err := enableNotificationsWithTimeout(ctx, device, state.txChar, func(payload []byte) {
		t.enqueueFrame(state, payload)
	}, bleSubscribeWait); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("subscribe to uart notifications: %w", err)
	}

	if err := ctx.Err(); err != nil {
		state.markClosed()
		_ = state.txChar.EnableNotifications(nil)
		_ = device.Disconnect()
		return err
	}

	t.conn = state
	return nil
}

func (t *BLETransport) Close() error {
	t.mu.Lock()
	state := t.conn
	t.conn = nil
	t.mu.Unlock()
	if state == nil {
		return nil
	}

	state.markClosed()

	var closeErr error
	if err := state.txChar.EnableNotifications(nil); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disable uart notifications: %w", err))
	}
	if err := state.device.Disconnect(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disconnect ble device: %w", err))
	}

	return closeErr
}

func (t *BLETransport) ReadFrame(ctx context.Context) ([]byte, error) {
	state, err := t.currentState()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-state.closed:
		return nil, errors.New("transport is closed")
	case payload := <-state.frameCh:
		return payload, nil
	}
}

// WriteFrame chunks the payload to the characteristic's usual 20-byte MTU;
// the firmware reassembles by command length.
func (t *BLETransport) WriteFrame(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty frame payload")
	}
	state, err := t.currentState()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	for off := 0; off < len(payload); off += bleWriteChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-state.closed:
			return errors.New("transport is closed")
		default:
		}

		end := off + bleWriteChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		written, err := state.rxChar.WriteWithoutResponse(chunk)
		if err != nil {
			return fmt.Errorf("write to uart rx: %w", err)
		}
		if written != len(chunk) {
			return fmt.Errorf("short write to uart rx: wrote %d of %d", written, len(chunk))
		}
		if end < len(payload) {
			time.Sleep(bleInterChunkDelay)
		}
	}

	return nil
}

func (t *BLETransport) currentState() (*bleConnState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *BLETransport) enqueueFrame(state *bleConnState, payload []byte) {
	frame := append([]byte(nil), payload...)

	select {
	case <-state.closed:
		return
	default:
	}

	select {
	case state.frameCh <- frame:
	default:
		select {
		case <-state.frameCh:
		default:
		}
		select {
		case state.frameCh <- frame:
		default:
		}
	}
}

func (s *bleConnState) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func enableNotificationsWithTimeout(
	ctx context.Context,
	device bluetooth.Device,
	char bluetooth.DeviceCharacteristic,
	callback func([]byte),
	wait time.Duration,
) error {
	done := make(chan error, 1)
	go func() {
		done <- char.EnableNotifications(callback)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = device.Disconnect()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	case <-timer.C:
		_ = device.Disconnect()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("timed out after %s (abort returned: %w)", wait, err)
			}
		case <-time.After(2 * time.Second):
		}
		return fmt.Errorf("timed out after %s", wait)
	}
}

func mustUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return uuid
}
