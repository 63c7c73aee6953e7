package radio

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshcored/internal/bus"
	"meshcored/internal/keystore"
	"meshcored/internal/transport"
)

// fakeTransport answers each written command through the respond hook and
// lets tests inject unsolicited push frames.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	written   [][]byte
	frames    chan []byte
	respond   func(cmd []byte) [][]byte
}

func newFakeTransport(respond func(cmd []byte) [][]byte) *fakeTransport {
	return &fakeTransport{
		connected: true,
		frames:    make(chan []byte, 32),
		respond:   respond,
	}
}

func (f *fakeTransport) Name() string   { return "fake" }
func (f *fakeTransport) Target() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-f.frames:
		return frame, nil
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), payload...))
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		for _, frame := range respond(payload) {
			f.frames <- frame
		}
	}
	return nil
}

func (f *fakeTransport) push(frame []byte) {
	f.frames <- frame
}

func (f *fakeTransport) commands() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func okResponder(cmd []byte) [][]byte {
	return [][]byte{{RespOK}}
}

func newTestLink(t *testing.T, ft *fakeTransport) (*Link, bus.MessageBus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)

	link := NewLink(logger, b, keystore.New())
	link.SetTransport(ft)
	link.startReader()
	t.Cleanup(link.teardown)
	return link, b
}

func TestSetDeviceTimeExchange(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	require.NoError(t, link.SetDeviceTime(context.Background(), 1766604717))

	cmds := ft.commands()
	require.Len(t, cmds, 1)
	require.Equal(t, byte(CmdSetDeviceTime), cmds[0][0])
	require.Equal(t, uint32(1766604717), binary.LittleEndian.Uint32(cmds[0][1:5]))
}

func TestExchangeRoutesPushFramesAroundResponses(t *testing.T) {
	ft := newFakeTransport(func(cmd []byte) [][]byte {
		// A push arrives before the command's own response.
		return [][]byte{{PushMsgsWaiting}, {RespOK}}
	})
	link, b := newTestLink(t, ft)

	waiting := b.Subscribe(bus.TopicMessagesWaiting)
	defer b.Unsubscribe(waiting, bus.TopicMessagesWaiting)

	require.NoError(t, link.SetDeviceTime(context.Background(), 1000))

	select {
	case <-waiting:
	case <-time.After(time.Second):
		t.Fatal("MSGS_WAITING push was not published")
	}
}

func TestExchangeNotConnected(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)
	require.NoError(t, ft.Close())

	err := link.SetDeviceTime(context.Background(), 1000)
	require.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestDrainContacts(t *testing.T) {
	contactA := &ContactInfo{Name: "Alice", Type: 1, LastAdvert: 100}
	contactA.PublicKey[0] = 0xAA
	contactB := &ContactInfo{Name: "Bob", Type: 1, LastAdvert: 200}
	contactB.PublicKey[0] = 0xBB

	ft := newFakeTransport(func(cmd []byte) [][]byte {
		if cmd[0] != CmdGetContacts {
			return [][]byte{{RespOK}}
		}
		start := []byte{RespContactsStart, 2, 0, 0, 0}
		recA := append([]byte{RespContact}, BuildAddUpdateContact(contactA)[1:]...)
		recB := append([]byte{RespContact}, BuildAddUpdateContact(contactB)[1:]...)
		return [][]byte{start, recA, recB, {RespEndOfContacts}}
	})
	link, _ := newTestLink(t, ft)

	contacts, err := link.DrainContacts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	require.Equal(t, "Alice", contacts[0].Name)
	require.Equal(t, "Bob", contacts[1].Name)
	require.Equal(t, byte(0xBB), contacts[1].PublicKey[0])
}

func TestSyncNextMessageEmptyQueue(t *testing.T) {
	ft := newFakeTransport(func(cmd []byte) [][]byte {
		return [][]byte{{RespNoMoreMsgs}}
	})
	link, _ := newTestLink(t, ft)

	msg, err := link.SyncNextMessage(context.Background())
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestOperationLockNonBlockingBusy(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	release, err := link.AcquireOperation(context.Background())
	require.NoError(t, err)

	_, err = link.AcquireOperation(context.Background(), WithNonBlocking())
	require.ErrorIs(t, err, ErrBusy)

	release()
	release2, err := link.AcquireOperation(context.Background(), WithNonBlocking())
	require.NoError(t, err)
	release2()
}

func TestOperationLockReleaseIsIdempotent(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	release, err := link.AcquireOperation(context.Background())
	require.NoError(t, err)
	release()
	release()

	release2, err := link.AcquireOperation(context.Background(), WithNonBlocking())
	require.NoError(t, err)
	release2()
}

func TestOperationLockRestoresAutoFetchAfterCancel(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	release, err := link.AcquireOperation(ctx, WithSuspendedAutoFetch())
	require.NoError(t, err)

	// The caller's context dying must not leave auto-fetch off.
	cancel()
	release()

	var autoFetch [][]byte
	for _, cmd := range ft.commands() {
		if cmd[0] == CmdSetAutoFetch {
			autoFetch = append(autoFetch, cmd)
		}
	}
	require.Len(t, autoFetch, 2)
	require.Equal(t, byte(0), autoFetch[0][1])
	require.Equal(t, byte(1), autoFetch[1][1])
}

type countingPauser struct {
	mu      sync.Mutex
	paused  int
	resumed int
}

func (p *countingPauser) PausePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused++
}

func (p *countingPauser) ResumePolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed++
}

func TestOperationLockPausesPolling(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	pauser := &countingPauser{}
	link.SetPollPauser(pauser)

	release, err := link.AcquireOperation(context.Background(), WithPausedPolling())
	require.NoError(t, err)
	require.Equal(t, 1, pauser.paused)
	require.Equal(t, 0, pauser.resumed)

	release()
	require.Equal(t, 1, pauser.resumed)
}

func TestPushLogRxDataPublishesRawFrame(t *testing.T) {
	ft := newFakeTransport(okResponder)
	_, b := newTestLink(t, ft)

	sub := b.Subscribe(bus.TopicFrameRX)
	defer b.Unsubscribe(sub, bus.TopicFrameRX)

	ft.push([]byte{PushLogRxData, 0, 0x9C, 0x28, 0, 0x15, 0x00, 0xE6, 0x9C})

	select {
	case msg := <-sub:
		frame, ok := msg.(bus.RawFrame)
		require.True(t, ok)
		require.Equal(t, []byte{0x15, 0x00, 0xE6, 0x9C}, frame.Data)
		require.NotNil(t, frame.SNR)
		require.InDelta(t, 10.0, *frame.SNR, 1e-9)
		require.NotNil(t, frame.RSSI)
		require.Equal(t, -100, *frame.RSSI)
	case <-time.After(time.Second):
		t.Fatal("raw frame was not published")
	}
}

func TestPushSendConfirmedPublishesAck(t *testing.T) {
	ft := newFakeTransport(okResponder)
	_, b := newTestLink(t, ft)

	sub := b.Subscribe(bus.TopicAck)
	defer b.Unsubscribe(sub, bus.TopicAck)

	frame := make([]byte, 9)
	frame[0] = PushSendConfirmed
	binary.LittleEndian.PutUint32(frame[1:5], 777)
	ft.push(frame)

	select {
	case msg := <-sub:
		ack, ok := msg.(bus.AckConfirmed)
		require.True(t, ok)
		require.Equal(t, uint32(777), ack.Code)
	case <-time.After(time.Second):
		t.Fatal("ack was not published")
	}
}

func TestWaitForPush(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	done := make(chan []byte, 1)
	go func() {
		frame, err := link.WaitForPush(context.Background(), PushTelemetry)
		if err == nil {
			done <- frame
		}
	}()

	// Give the waiter time to register before the push lands.
	time.Sleep(50 * time.Millisecond)
	ft.push([]byte{PushTelemetry, 1, 2, 3})

	select {
	case frame := <-done:
		require.Equal(t, byte(PushTelemetry), frame[0])
	case <-time.After(time.Second):
		t.Fatal("push was not delivered to waiter")
	}
}

func TestWaitForPushCancel(t *testing.T) {
	ft := newFakeTransport(okResponder)
	link, _ := newTestLink(t, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := link.WaitForPush(ctx, PushTraceData)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSendTextMessageReturnsSentInfo(t *testing.T) {
	ft := newFakeTransport(func(cmd []byte) [][]byte {
		frame := make([]byte, 10)
		frame[0] = RespSent
		binary.LittleEndian.PutUint32(frame[2:6], 9001)
		binary.LittleEndian.PutUint32(frame[6:10], 15000)
		return [][]byte{frame}
	})
	link, _ := newTestLink(t, ft)

	pubKey := make([]byte, 32)
	sent, err := link.SendTextMessage(context.Background(), pubKey, TxtTypePlain, 1000, "hi")
	require.NoError(t, err)
	require.Equal(t, uint32(9001), sent.AckCode)
	require.Equal(t, uint32(15000), sent.TimeoutMS)
}

func TestExportKeyIntoStore(t *testing.T) {
	priv := make([]byte, 64)
	priv[0] = 0xF8 // pre-clamped scalar
	priv[31] = 0x40
	ft := newFakeTransport(func(cmd []byte) [][]byte {
		if cmd[0] == CmdExportPrivateKey {
			return [][]byte{append([]byte{RespPrivateKey}, priv...)}
		}
		return [][]byte{{RespOK}}
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	keys := keystore.New()

	link := NewLink(logger, b, keys)
	link.SetTransport(ft)
	link.startReader()
	t.Cleanup(link.teardown)

	require.NoError(t, link.ExportKeyIntoStore(context.Background()))
	require.True(t, keys.Has())
}

func TestExportKeyDisabledPassesThrough(t *testing.T) {
	ft := newFakeTransport(func(cmd []byte) [][]byte {
		return [][]byte{{RespDisabled}}
	})
	link, _ := newTestLink(t, ft)

	err := link.ExportKeyIntoStore(context.Background())
	require.ErrorIs(t, err, ErrKeyExportDisabled)
}
