// Package events carries annotation lifecycle events from the engine to
// its observers (render surface, MQTT emitter) over an in-process
// watermill pub/sub.
//
// Publishing never waits for subscribers. Delivery order between two
// events is not guaranteed, so observers treat every event as a hint to
// re-read state rather than as a state delta.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/serkansokmen/emojispace/internal/types"
)

// Topic is the watermill topic every annotation event is published on.
const Topic = "emojispace.annotations"

// Type names an annotation event.
type Type string

const (
	AnchorAdded      Type = "anchor_added"
	AnchorRemoved    Type = "anchor_removed"
	ContentAssigned  Type = "content_assigned"
	ContentSkipped   Type = "content_skipped"
	SessionReset     Type = "session_reset"
	ModeChanged      Type = "mode_changed"
	RecordingStarted Type = "recording_started"
	RecordingStopped Type = "recording_stopped"
)

// Event is a single annotation lifecycle event.
type Event struct {
	Type       Type                  `json:"type"`
	AnchorID   types.AnchorID        `json:"anchor_id,omitempty"`
	Position   *types.Vec3           `json:"position,omitempty"`
	Mode       string                `json:"mode,omitempty"`
	Content    *types.ContentSummary `json:"content,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Artifact   string                `json:"artifact,omitempty"`
	Generation uint64                `json:"generation"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Bus publishes and fans out events.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger

	published uint64
	failed    uint64
}

// NewBus creates an in-process event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewStdLogger(false, false),
	)
	return &Bus{pubSub: pubSub, logger: logger}
}

// Publish sends evt to every current subscriber. A zero timestamp is
// set to now.
func (b *Bus) Publish(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		atomic.AddUint64(&b.failed, 1)
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(evt.Type))

	if err := b.pubSub.Publish(Topic, msg); err != nil {
		atomic.AddUint64(&b.failed, 1)
		return fmt.Errorf("failed to publish %s event: %w", evt.Type, err)
	}

	atomic.AddUint64(&b.published, 1)
	b.logger.Debug("event published", "type", evt.Type, "anchor_id", evt.AnchorID, "generation", evt.Generation)
	return nil
}

// Subscribe returns a channel of decoded events. The channel is closed
// when ctx is done or the bus is closed. Messages that fail to decode
// are logged and skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubSub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Topic, err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var evt Event
			err := json.Unmarshal(msg.Payload, &evt)
			// Ack before handing off so a slow observer never holds up the bus
			msg.Ack()
			if err != nil {
				b.logger.Error("failed to decode event", "message_uuid", msg.UUID, "error", err)
				continue
			}

			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Stats returns the number of published and failed events.
func (b *Bus) Stats() (published, failed uint64) {
	return atomic.LoadUint64(&b.published), atomic.LoadUint64(&b.failed)
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubSub.Close()
}
