// Package bus is the in-process topic bus carrying link and radio events
// between the link manager, the packet processor and the sync loop.
package bus

import (
	"log/slog"
	"reflect"

	"github.com/cskr/pubsub"
)

const (
	// TopicFrameRX carries RawFrame values for every RF frame the radio
	// logged.
	TopicFrameRX = "frame.rx"
	// TopicMessagesWaiting fires when the radio signals queued messages.
	TopicMessagesWaiting = "msg.waiting"
	// TopicAck carries AckConfirmed values from SEND_CONFIRMED pushes.
	TopicAck = "ack"
	// TopicAdvertHeard fires when the radio reports a fresh advert.
	TopicAdvertHeard = "advert.heard"
	// TopicLinkState carries LinkState transitions from the monitor.
	TopicLinkState = "link.state"
	// TopicRadioMessage carries messages the radio decrypted itself.
	TopicRadioMessage = "radio.message"
)

// RawFrame is an RF capture handed to the processor, with the radio's
// signal readings when the push carried them.
type RawFrame struct {
	Data []byte
	SNR  *float64
	RSSI *int
}

// AckConfirmed is a delivery confirmation for an expected ack code.
type AckConfirmed struct {
	Code uint32
}

type LinkState struct {
	Connected bool
}

// RadioMessage is a message the radio decrypted internally and pushed over
// the companion protocol (the second ingest path for DMs).
type RadioMessage struct {
	ContactPrefix   string // 12 hex chars of the sender key (PRIV)
	ChannelIndex    int    // radio slot (CHAN), -1 for PRIV
	PathLen         int
	TxtType         int
	SenderTimestamp int64
	Text            string
}

type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	Subscribe(topic string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger
}

func New(logger *slog.Logger) *PubSubBus {
	return &PubSubBus{
		ps:     pubsub.New(128),
		logger: logger,
	}
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

func (b *PubSubBus) Subscribe(topic string) Subscription {
	ch := b.ps.Sub(topic)
	b.logger.Debug("subscribe", "topic", topic)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		return
	}
	b.ps.Unsub(ch, topics...)
}

func (b *PubSubBus) Close() {
	b.ps.Shutdown()
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
