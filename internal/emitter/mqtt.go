package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/events"
)

// MQTTEmitter forwards annotation events to an MQTT broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for control plane

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

const connectTimeout = 5 * time.Second

// clientOptions configures an auto-reconnecting client whose will marks
// the instance offline on the health topic
func (e *MQTTEmitter) clientOptions() *mqtt.ClientOptions {
	broker := e.cfg.MQTT.Broker
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + broker).
		SetClientID("emojispace-" + e.cfg.InstanceID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetWill(e.cfg.MQTT.Topics.Health, `{"status":"offline"}`, e.getQoS("health"), true)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connected", "broker", broker, "instance_id", e.cfg.InstanceID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost", "broker", broker, "error", err)
	})
	return opts
}

// Connect dials the broker and waits until connected, ctx ends or the
// connect timeout passes
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	e.Client = mqtt.NewClient(e.clientOptions())
	slog.Info("connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Run forwards events until ctx is done or the channel closes. Failed
// publishes are counted and logged, never retried.
func (e *MQTTEmitter) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			if err := e.Publish(evt); err != nil {
				slog.Debug("annotation event not forwarded", "type", evt.Type, "error", err)
			}
		}
	}
}

// Publish publishes an event to its MQTT topic
func (e *MQTTEmitter) Publish(evt events.Event) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	topic := e.topicFor(evt.Type)
	qos := e.getQoS(string(evt.Type))

	payload, err := json.Marshal(evt)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("event published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// PublishHealth publishes a retained health message
func (e *MQTTEmitter) PublishHealth(payload []byte) error {
	if !e.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	// retained so it replaces the offline will once back online
	token := e.Client.Publish(e.cfg.MQTT.Topics.Health, e.getQoS("health"), true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}

	return token.Error()
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// topicFor appends the event type to the annotations topic
func (e *MQTTEmitter) topicFor(t events.Type) string {
	return fmt.Sprintf("%s/%s", e.cfg.MQTT.Topics.Annotations, t)
}

// getQoS returns the QoS level for a given event type
func (e *MQTTEmitter) getQoS(eventType string) byte {
	if qos, ok := e.cfg.MQTT.QoS[eventType]; ok {
		return qos
	}
	return 0
}
