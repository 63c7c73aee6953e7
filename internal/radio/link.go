package radio

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshcored/internal/bus"
	"meshcored/internal/keystore"
	"meshcored/internal/transport"
)

var (
	// ErrBusy reports a failed non-blocking acquire of the operation lock.
	ErrBusy = errors.New("radio is busy")
	// ErrReconnectPending reports that the monitor already holds the
	// reconnect lock.
	ErrReconnectPending = errors.New("reconnect already in progress")
	// ErrNoRadioFound reports that auto-detect probed every candidate
	// port without a handshake.
	ErrNoRadioFound = errors.New("no radio found on any serial port")
)

const (
	defaultExchangeTimeout = 5 * time.Second
	monitorInterval        = 5 * time.Second
	probeTimeout           = 3 * time.Second
	appName                = "meshcored"
)

// PollPauser lets operations that need the radio quiet pause the message
// polling loop for their duration. The counter nests.
type PollPauser interface {
	PausePolling()
	ResumePolling()
}

// Link owns the companion connection: it serializes command exchanges,
// dispatches push frames onto the bus, supervises reconnects and runs the
// post-connect setup.
type Link struct {
	logger *slog.Logger
	bus    bus.MessageBus
	keys   *keystore.Keystore

	// opLock is the process-wide operation lock. Channel semantics give
	// us a non-blocking acquire.
	opLock      chan struct{}
	reconnectMu chan struct{}
	setupMu     sync.Mutex

	cmdMu  sync.Mutex
	respCh chan []byte

	mu         sync.Mutex
	tr         transport.Transport
	readCancel context.CancelFunc
	readDone   chan struct{}
	selfInfo   *SelfInfo

	pushMu      sync.Mutex
	pushWaiters []*pushWaiter

	pauserMu   sync.Mutex
	pollPauser PollPauser
	onConnect  func(ctx context.Context) error

	lastConnected bool
}

type pushWaiter struct {
	codes []byte
	ch    chan []byte
}

func NewLink(logger *slog.Logger, b bus.MessageBus, keys *keystore.Keystore) *Link {
	return &Link{
		logger:      logger,
		bus:         b,
		keys:        keys,
		opLock:      make(chan struct{}, 1),
		reconnectMu: make(chan struct{}, 1),
		respCh:      make(chan []byte, 16),
	}
}

// SetTransport installs the transport to use. Must be called before Run.
func (l *Link) SetTransport(tr transport.Transport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tr = tr
}

// SetPollPauser registers the polling loop the operation lock can pause.
func (l *Link) SetPollPauser(p PollPauser) {
	l.pauserMu.Lock()
	defer l.pauserMu.Unlock()
	l.pollPauser = p
}

// SetOnConnect registers the hook run as the tail of post-connect setup
// (contact/channel drain, canonical channel, background loops).
func (l *Link) SetOnConnect(fn func(ctx context.Context) error) {
	l.pauserMu.Lock()
	defer l.pauserMu.Unlock()
	l.onConnect = fn
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tr != nil && l.tr.Connected()
}

func (l *Link) Target() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tr == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", l.tr.Name(), l.tr.Target())
}

// SelfInfo returns the identity captured by the last APP_START.
func (l *Link) SelfInfo() *SelfInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selfInfo
}

// ---- operation lock ----

type lockOptions struct {
	pausePolling     bool
	suspendAutoFetch bool
	nonBlocking      bool
}

type LockOption func(*lockOptions)

func WithPausedPolling() LockOption {
	return func(o *lockOptions) { o.pausePolling = true }
}

func WithSuspendedAutoFetch() LockOption {
	return func(o *lockOptions) { o.suspendAutoFetch = true }
}

func WithNonBlocking() LockOption {
	return func(o *lockOptions) { o.nonBlocking = true }
}

// AcquireOperation takes the shared operation lock. The returned release
// func restores polling and auto-fetch on every exit path, even when the
// caller's context is already cancelled.
func (l *Link) AcquireOperation(ctx context.Context, opts ...LockOption) (func(), error) {
	var o lockOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.nonBlocking {
		select {
		case l.opLock <- struct{}{}:
		default:
			return nil, ErrBusy
		}
	} else {
		select {
		case l.opLock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if o.pausePolling {
		if p := l.currentPauser(); p != nil {
			p.PausePolling()
		}
	}
	if o.suspendAutoFetch {
		if err := l.SetAutoFetch(ctx, false); err != nil {
			l.logger.Warn("suspend auto-fetch failed", "error", err)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if o.suspendAutoFetch {
				// Restart with a fresh context so a cancelled caller
				// still restores the radio.
				restoreCtx, cancel := context.WithTimeout(context.Background(), defaultExchangeTimeout)
				if err := l.SetAutoFetch(restoreCtx, true); err != nil {
					l.logger.Warn("restore auto-fetch failed", "error", err)
				}
				cancel()
			}
			if o.pausePolling {
				if p := l.currentPauser(); p != nil {
					p.ResumePolling()
				}
			}
			<-l.opLock
		})
	}
	return release, nil
}

func (l *Link) currentPauser() PollPauser {
	l.pauserMu.Lock()
	defer l.pauserMu.Unlock()
	return l.pollPauser
}

// ---- connection supervision ----

// Monitor supervises the connection until ctx is cancelled. It never exits
// on an error inside the loop.
func (l *Link) Monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		l.superviseOnce(ctx)
		select {
		case <-ctx.Done():
			l.teardown()
			return
		case <-ticker.C:
		}
	}
}

func (l *Link) superviseOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("monitor cycle panicked", "panic", r)
		}
	}()

	connected := l.Connected()
	switch {
	case l.lastConnected && !connected:
		l.logger.Warn("radio disconnected")
		l.lastConnected = false
		l.publishHealth(false)
	case !connected:
		if err := l.Reconnect(ctx); err != nil {
			if !errors.Is(err, ErrReconnectPending) && ctx.Err() == nil {
				l.logger.Warn("reconnect failed", "error", err)
			}
			return
		}
		l.lastConnected = true
		l.publishHealth(true)
	case !l.lastConnected:
		// The transport came back without our help; setup still has to
		// run before clients may see healthy.
		if err := l.Setup(ctx); err != nil {
			l.logger.Warn("post-connect setup failed", "error", err)
			return
		}
		l.lastConnected = true
		l.publishHealth(true)
	}
}

// Reconnect connects the transport and runs post-connect setup. Health is
// not reported here; the caller publishes it only after both succeed.
func (l *Link) Reconnect(ctx context.Context) error {
	select {
	case l.reconnectMu <- struct{}{}:
	default:
		return ErrReconnectPending
	}
	defer func() { <-l.reconnectMu }()

	l.mu.Lock()
	tr := l.tr
	l.mu.Unlock()
	if tr == nil {
		return errors.New("no transport configured")
	}

	if !tr.Connected() {
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", tr.Name(), err)
		}
	}
	if err := l.Setup(ctx); err != nil {
		_ = tr.Close()
		return fmt.Errorf("post-connect setup: %w", err)
	}
	return nil
}

// Setup runs the idempotent post-connect sequence: restart the frame
// reader, identify the device, export key material, sync the clock, then
// hand over to the registered hook for store-level sync and loop startup.
func (l *Link) Setup(ctx context.Context) error {
	l.setupMu.Lock()
	defer l.setupMu.Unlock()

	l.startReader()

	info, err := l.AppStart(ctx)
	if err != nil {
		return fmt.Errorf("app start: %w", err)
	}
	l.mu.Lock()
	l.selfInfo = info
	l.mu.Unlock()
	l.logger.Info("radio identified", "name", info.Name, "public_key", info.PublicKeyHex())

	if err := l.ExportKeyIntoStore(ctx); err != nil {
		if errors.Is(err, ErrKeyExportDisabled) {
			l.logger.Info("private key export disabled by firmware, DM decryption unavailable")
		} else {
			return fmt.Errorf("export private key: %w", err)
		}
	}

	if err := l.SetDeviceTime(ctx, time.Now().Unix()); err != nil {
		return fmt.Errorf("sync device clock: %w", err)
	}

	l.pauserMu.Lock()
	hook := l.onConnect
	l.pauserMu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("connect hook: %w", err)
		}
	}
	return nil
}

func (l *Link) publishHealth(connected bool) {
	l.bus.Publish(bus.TopicLinkState, bus.LinkState{Connected: connected})
}

func (l *Link) teardown() {
	l.mu.Lock()
	cancel := l.readCancel
	done := l.readDone
	tr := l.tr
	l.readCancel = nil
	l.readDone = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if tr != nil {
		_ = tr.Close()
	}
}

// ---- frame reader ----

// startReader replaces any previous reader goroutine. Stopping a dead one
// is tolerated.
func (l *Link) startReader() {
	l.mu.Lock()
	if l.readCancel != nil {
		l.readCancel()
	}
	prevDone := l.readDone

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	tr := l.tr
	l.readCancel = cancel
	l.readDone = done
	l.mu.Unlock()

	if prevDone != nil {
		<-prevDone
	}
	go l.runReader(ctx, tr, done)
}

func (l *Link) runReader(ctx context.Context, tr transport.Transport, done chan struct{}) {
	defer close(done)
	for {
		frame, err := tr.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("frame read failed, closing transport", "error", err)
			_ = tr.Close()
			return
		}
		l.dispatchFrame(frame)
	}
}

func (l *Link) dispatchFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	if !IsPushCode(frame[0]) {
		select {
		case l.respCh <- frame:
		default:
			l.logger.Warn("dropping unsolicited response frame", "code", fmt.Sprintf("0x%02X", frame[0]))
		}
		return
	}

	if l.deliverToWaiter(frame) {
		return
	}

	switch frame[0] {
	case PushLogRxData:
		rx, err := ParseLogRxData(frame)
		if err != nil {
			l.logger.Warn("bad LOG_RX_DATA push", "error", err)
			return
		}
		snr, rssi := rx.SNR, rx.RSSI
		l.bus.Publish(bus.TopicFrameRX, bus.RawFrame{Data: rx.Frame, SNR: &snr, RSSI: &rssi})
	case PushRawData:
		rx, err := ParseRawData(frame)
		if err != nil {
			l.logger.Warn("bad RAW_DATA push", "error", err)
			return
		}
		snr, rssi := rx.SNR, rx.RSSI
		l.bus.Publish(bus.TopicFrameRX, bus.RawFrame{Data: rx.Frame, SNR: &snr, RSSI: &rssi})
	case PushSendConfirmed:
		conf, err := ParseSendConfirmed(frame)
		if err != nil {
			l.logger.Warn("bad SEND_CONFIRMED push", "error", err)
			return
		}
		l.bus.Publish(bus.TopicAck, bus.AckConfirmed{Code: conf.AckCode})
	case PushMsgsWaiting:
		l.bus.Publish(bus.TopicMessagesWaiting, struct{}{})
	case PushAdvert, PushPathUpdated:
		key, err := ParseAdvertPush(frame)
		if err != nil {
			l.logger.Warn("bad advert push", "error", err)
			return
		}
		l.bus.Publish(bus.TopicAdvertHeard, hex.EncodeToString(key))
	default:
		l.logger.Debug("unhandled push", "code", fmt.Sprintf("0x%02X", frame[0]))
	}
}

func (l *Link) deliverToWaiter(frame []byte) bool {
	l.pushMu.Lock()
	defer l.pushMu.Unlock()
	for i, w := range l.pushWaiters {
		for _, code := range w.codes {
			if frame[0] != code {
				continue
			}
			select {
			case w.ch <- frame:
			default:
			}
			l.pushWaiters = append(l.pushWaiters[:i], l.pushWaiters[i+1:]...)
			return true
		}
	}
	return false
}

// WaitForPush blocks until a push with one of the given codes arrives.
// Used by repeater operations awaiting trace, telemetry or CLI replies.
func (l *Link) WaitForPush(ctx context.Context, codes ...byte) ([]byte, error) {
	w := &pushWaiter{codes: codes, ch: make(chan []byte, 1)}
	l.pushMu.Lock()
	l.pushWaiters = append(l.pushWaiters, w)
	l.pushMu.Unlock()

	select {
	case frame := <-w.ch:
		return frame, nil
	case <-ctx.Done():
		l.pushMu.Lock()
		for i, cur := range l.pushWaiters {
			if cur == w {
				l.pushWaiters = append(l.pushWaiters[:i], l.pushWaiters[i+1:]...)
				break
			}
		}
		l.pushMu.Unlock()
		return nil, ctx.Err()
	}
}

// ---- command exchange ----

func (l *Link) exchange(ctx context.Context, cmd []byte) ([]byte, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()
	return l.exchangeLocked(ctx, cmd)
}

func (l *Link) exchangeLocked(ctx context.Context, cmd []byte) ([]byte, error) {
	l.mu.Lock()
	tr := l.tr
	l.mu.Unlock()
	if tr == nil || !tr.Connected() {
		return nil, transport.ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExchangeTimeout)
		defer cancel()
	}

	// Stale frames from an earlier timed-out exchange must not satisfy
	// this one.
	for {
		select {
		case <-l.respCh:
			continue
		default:
		}
		break
	}

	if err := tr.WriteFrame(ctx, cmd); err != nil {
		return nil, err
	}
	return l.nextResponse(ctx)
}

func (l *Link) nextResponse(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-l.respCh:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- companion operations ----

func (l *Link) AppStart(ctx context.Context) (*SelfInfo, error) {
	data, err := l.exchange(ctx, BuildAppStart(appName))
	if err != nil {
		return nil, err
	}
	return ParseSelfInfo(data)
}

// SendTextMessage queues a DM on the radio. pubKey must be the full 32-byte
// peer key; the radio addresses by its 6-byte prefix.
func (l *Link) SendTextMessage(ctx context.Context, pubKey []byte, txtType byte, timestamp int64, text string) (*SentInfo, error) {
	if len(pubKey) < 6 {
		return nil, fmt.Errorf("public key too short: %d bytes", len(pubKey))
	}
	data, err := l.exchange(ctx, BuildSendTxtMsg(txtType, 0, uint32(timestamp), pubKey, text))
	if err != nil {
		return nil, err
	}
	return ParseSent(data)
}

func (l *Link) SendChannelMessage(ctx context.Context, channelIdx byte, timestamp int64, text string) error {
	data, err := l.exchange(ctx, BuildSendChannelTxtMsg(channelIdx, uint32(timestamp), text))
	if err != nil {
		return err
	}
	if len(data) > 0 && data[0] == RespSent {
		return nil
	}
	return ParseOK(data)
}

// DrainContacts reads the radio's whole contact table.
func (l *Link) DrainContacts(ctx context.Context, since uint32) ([]*ContactInfo, error) {
	l.cmdMu.Lock()
	defer l.cmdMu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	data, err := l.exchangeLocked(ctx, BuildGetContacts(since))
	if err != nil {
		return nil, err
	}
	count, err := ParseContactsStart(data)
	if err != nil {
		return nil, err
	}

	contacts := make([]*ContactInfo, 0, count)
	for {
		data, err := l.nextResponse(ctx)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 && data[0] == RespEndOfContacts {
			return contacts, nil
		}
		contact, err := ParseContact(data)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
}

func (l *Link) AddContact(ctx context.Context, c *ContactInfo) error {
	data, err := l.exchange(ctx, BuildAddUpdateContact(c))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

func (l *Link) RemoveContact(ctx context.Context, pubKey []byte) error {
	if len(pubKey) != 32 {
		return fmt.Errorf("invalid public key length: %d", len(pubKey))
	}
	data, err := l.exchange(ctx, BuildRemoveContact(pubKey))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

// SyncNextMessage pulls one queued message; (nil, nil) when the queue is
// empty.
func (l *Link) SyncNextMessage(ctx context.Context) (*SyncedMessage, error) {
	data, err := l.exchange(ctx, BuildSyncNextMessage())
	if err != nil {
		return nil, err
	}
	return ParseSyncedMessage(data)
}

func (l *Link) SetDeviceTime(ctx context.Context, epoch int64) error {
	data, err := l.exchange(ctx, BuildSetDeviceTime(uint32(epoch)))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

func (l *Link) SendSelfAdvert(ctx context.Context, flood bool) error {
	data, err := l.exchange(ctx, BuildSendSelfAdvert(flood))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

func (l *Link) GetChannel(ctx context.Context, idx byte) (*ChannelInfo, error) {
	data, err := l.exchange(ctx, BuildGetChannel(idx))
	if err != nil {
		return nil, err
	}
	return ParseChannelInfo(data)
}

func (l *Link) SetChannel(ctx context.Context, idx byte, name string, secret []byte) error {
	if len(secret) != channelSecretSize {
		return fmt.Errorf("invalid channel secret length: %d", len(secret))
	}
	data, err := l.exchange(ctx, BuildSetChannel(idx, name, secret))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

// ExportKeyIntoStore asks the radio for its private key and loads the
// keystore on success. ErrKeyExportDisabled is returned as-is.
func (l *Link) ExportKeyIntoStore(ctx context.Context) error {
	data, err := l.exchange(ctx, BuildExportPrivateKey())
	if err != nil {
		return err
	}
	priv, err := ParsePrivateKey(data)
	if err != nil {
		return err
	}
	return l.keys.Set(priv)
}

func (l *Link) SetAutoFetch(ctx context.Context, enabled bool) error {
	data, err := l.exchange(ctx, BuildSetAutoFetch(enabled))
	if err != nil {
		return err
	}
	return ParseOK(data)
}

func (l *Link) SendTrace(ctx context.Context, tag, auth uint32, flags byte, path []byte) error {
	data, err := l.exchange(ctx, BuildSendTracePath(tag, auth, flags, path))
	if err != nil {
		return err
	}
	if len(data) > 0 && data[0] == RespSent {
		return nil
	}
	return ParseOK(data)
}

func (l *Link) SendTelemetryRequest(ctx context.Context, pubKey []byte) error {
	if len(pubKey) != 32 {
		return fmt.Errorf("invalid public key length: %d", len(pubKey))
	}
	data, err := l.exchange(ctx, BuildSendTelemetryReq(pubKey))
	if err != nil {
		return err
	}
	if len(data) > 0 && data[0] == RespSent {
		return nil
	}
	return ParseOK(data)
}

// SendCLICommand sends a CLI line to a repeater as a CLI-typed text
// message.
func (l *Link) SendCLICommand(ctx context.Context, pubKey []byte, command string) (*SentInfo, error) {
	return l.SendTextMessage(ctx, pubKey, TxtTypeCLI, time.Now().Unix(), command)
}
