// Package mqttbridge mirrors the daemon's event stream onto an MQTT
// broker. Every event-bus envelope is published as JSON under
// <prefix>/events/<type>, so home-automation setups can consume mesh
// activity without speaking the WebSocket protocol.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"meshcored/internal/config"
	"meshcored/internal/eventbus"
)

const connectTimeout = 10 * time.Second

type Bridge struct {
	logger *slog.Logger
	hub    *eventbus.Hub
	client mqtt.Client
	prefix string
}

func New(logger *slog.Logger, cfg config.Config, hub *eventbus.Hub) *Bridge {
	hostname, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID("meshcored-" + hostname).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetAutoReconnect(true)

	return &Bridge{
		logger: logger,
		hub:    hub,
		client: mqtt.NewClient(opts),
		prefix: cfg.MQTTTopicPrefix,
	}
}

// Run connects to the broker and republishes envelopes until ctx is
// cancelled. The hub subscription includes the initial-state replay, so a
// fresh broker session starts with the current health, contacts and
// channels.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.logger.Info("mqtt bridge connected")
	defer b.client.Disconnect(250)

	sub := b.hub.Subscribe()
	defer b.hub.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.C:
			if !ok {
				return nil
			}
			b.publish(env)
		}
	}
}

func (b *Bridge) publish(env eventbus.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("event encode failed", "type", env.Type, "error", err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s", b.prefix, env.Type)
	token := b.client.Publish(topic, 0, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Warn("event publish failed", "topic", topic, "error", err)
		}
	}()
}
