package tracking

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/serkansokmen/emojispace/internal/types"
)

// idleThreshold marks a subscriber idle when it has not consumed a frame
// for this long.
const idleThreshold = 30 * time.Second

// subscriberSlot is a single-frame mailbox owned by one subscriber.
// A new frame overwrites an unconsumed one and the overwrite is counted
// as a drop.
type subscriberSlot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// SubscriberStats tracks the delivery state of one subscriber.
type SubscriberStats struct {
	ID               string    `json:"id"`
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	LastConsumedSeq  uint64    `json:"last_consumed_seq"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
	IsIdle           bool      `json:"is_idle"`
}

// Publish hands a new frame to the session. It never blocks: the frame
// becomes the current frame and replaces whatever is waiting in the
// inbox for fan-out. Frames published while the session is paused are
// dropped.
func (s *Session) Publish(frame *types.Frame) {
	if frame == nil {
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		atomic.AddUint64(&s.pausedDrops, 1)
		return
	}
	frame.Seq = atomic.AddUint64(&s.publishSeq, 1)
	s.current = frame
	s.mu.Unlock()

	s.inboxMu.Lock()
	if s.inboxFrame != nil {
		atomic.AddUint64(&s.inboxDrops, 1)
	}
	s.inboxFrame = frame
	s.inboxCond.Signal()
	s.inboxMu.Unlock()
}

// distributionLoop drains the inbox and fans every frame out to the
// subscriber slots.
func (s *Session) distributionLoop() {
	defer s.wg.Done()

	for {
		s.inboxMu.Lock()
		for s.inboxFrame == nil {
			if s.ctx.Err() != nil {
				s.inboxMu.Unlock()
				return
			}
			s.inboxCond.Wait()
		}

		frame := s.inboxFrame
		s.inboxFrame = nil
		s.inboxMu.Unlock()

		s.slots.Range(func(_, value any) bool {
			publishToSlot(value.(*subscriberSlot), frame)
			return true
		})
	}
}

func publishToSlot(slot *subscriberSlot, frame *types.Frame) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.closed {
		return
	}
	if slot.frame != nil {
		slot.consecutiveDrops++
		slot.totalDrops++
	}
	slot.frame = frame
	slot.cond.Signal()
}

// Subscribe registers a consumer of the frame stream and returns a read
// function. The read function blocks until a frame newer than the last
// one it returned is available, and returns nil once the subscriber is
// unsubscribed or the session stops. It must be called from a single
// goroutine.
func (s *Session) Subscribe(id string) func() *types.Frame {
	if s.stopping.Load() {
		return func() *types.Frame { return nil }
	}

	slot := &subscriberSlot{lastConsumedAt: time.Now()}
	slot.cond = sync.NewCond(&slot.mu)
	s.slots.Store(id, slot)

	return func() *types.Frame {
		slot.mu.Lock()
		defer slot.mu.Unlock()

		for slot.frame == nil && !slot.closed {
			slot.cond.Wait()
		}
		if slot.closed {
			return nil
		}

		frame := slot.frame
		slot.frame = nil
		slot.lastConsumedAt = time.Now()
		slot.lastConsumedSeq = frame.Seq
		slot.consecutiveDrops = 0
		return frame
	}
}

// Unsubscribe removes a consumer and wakes its read function.
// Unknown ids are a no-op.
func (s *Session) Unsubscribe(id string) {
	val, ok := s.slots.LoadAndDelete(id)
	if !ok {
		return
	}
	closeSlot(val.(*subscriberSlot))
}

func closeSlot(slot *subscriberSlot) {
	slot.mu.Lock()
	slot.closed = true
	slot.cond.Broadcast()
	slot.mu.Unlock()
}

func (s *Session) subscriberStats() map[string]SubscriberStats {
	out := make(map[string]SubscriberStats)
	s.slots.Range(func(key, value any) bool {
		id := key.(string)
		slot := value.(*subscriberSlot)

		slot.mu.Lock()
		out[id] = SubscriberStats{
			ID:               id,
			LastConsumedAt:   slot.lastConsumedAt,
			LastConsumedSeq:  slot.lastConsumedSeq,
			ConsecutiveDrops: slot.consecutiveDrops,
			TotalDrops:       slot.totalDrops,
			IsIdle:           time.Since(slot.lastConsumedAt) > idleThreshold,
		}
		slot.mu.Unlock()
		return true
	})
	return out
}
