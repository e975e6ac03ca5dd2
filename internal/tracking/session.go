// Package tracking simulates a world-tracking session: it owns the set of
// anchors placed in the world, keeps the latest camera frame, answers
// feature-point hit tests and fans frames out to subscribers such as the
// recorder.
//
// A session only delivers frames while it is running. Pause stops frame
// intake and clears the current frame; Run resumes it. ResetTracking
// does both and removes every anchor.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/serkansokmen/emojispace/internal/types"
)

// ErrAlreadyStarted is returned by Start when the session is running its
// distribution loop.
var ErrAlreadyStarted = errors.New("tracking: session already started")

// Stats is a snapshot of session counters.
type Stats struct {
	Running         bool                       `json:"running"`
	FramesPublished uint64                     `json:"frames_published"`
	InboxDrops      uint64                     `json:"inbox_drops"`
	PausedDrops     uint64                     `json:"paused_drops"`
	Anchors         int                        `json:"anchors"`
	Resets          uint64                     `json:"resets"`
	Subscribers     map[string]SubscriberStats `json:"subscribers"`
}

// Session is a simulated world-tracking session. All methods are safe
// for concurrent use.
type Session struct {
	hitRadius float32
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	current *types.Frame
	anchors map[types.AnchorID]types.Anchor
	order   []types.AnchorID

	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *types.Frame

	inboxDrops  uint64
	pausedDrops uint64
	publishSeq  uint64
	resets      uint64

	slots sync.Map // subscriber id -> *subscriberSlot

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool

	startedMu sync.Mutex
	started   bool
}

// NewSession creates a running session with no anchors and no frame.
// hitRadiusPx is the largest screen distance at which a feature point
// still counts as hit.
func NewSession(hitRadiusPx float32, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		hitRadius: hitRadiusPx,
		logger:    logger,
		running:   true,
		anchors:   make(map[types.AnchorID]types.Anchor),
	}
	s.inboxCond = sync.NewCond(&s.inboxMu)
	return s
}

// Start launches the frame distribution loop. Publish and CurrentFrame
// work without it; only subscribers depend on it.
func (s *Session) Start(ctx context.Context) error {
	s.startedMu.Lock()
	defer s.startedMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.wg.Add(1)
	go s.distributionLoop()

	s.logger.Info("tracking session started", "hit_radius_px", s.hitRadius)
	return nil
}

// Stop ends the distribution loop and releases every subscriber.
// Safe to call more than once.
func (s *Session) Stop() error {
	s.startedMu.Lock()
	if !s.started {
		s.startedMu.Unlock()
		return nil
	}
	s.started = false
	s.startedMu.Unlock()

	s.stopping.Store(true)
	s.cancel()

	s.inboxMu.Lock()
	s.inboxCond.Broadcast()
	s.inboxMu.Unlock()
	s.wg.Wait()

	s.slots.Range(func(key, value any) bool {
		closeSlot(value.(*subscriberSlot))
		s.slots.Delete(key)
		return true
	})

	s.logger.Info("tracking session stopped",
		"frames_published", atomic.LoadUint64(&s.publishSeq),
		"inbox_drops", atomic.LoadUint64(&s.inboxDrops),
	)
	return nil
}

// CurrentFrame returns the latest frame, or nil when tracking has not
// produced one since it last ran.
func (s *Session) CurrentFrame() *types.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// HitTestFeaturePoint looks for the tracked feature point closest to pt
// on screen. It projects every feature point of the current frame through
// the camera and returns the world transform of the nearest one within
// the hit radius. ok is false when there is no frame or nothing is close
// enough.
func (s *Session) HitTestFeaturePoint(pt types.Point) (types.Mat4, bool) {
	frame := s.CurrentFrame()
	if frame == nil {
		return types.Mat4{}, false
	}

	view := frame.Camera.InverseRigid()
	best := s.hitRadius
	var hit types.Vec3
	found := false

	for _, fp := range frame.FeaturePoints {
		screen, visible := frame.Intrinsics.Project(view.TransformPoint(fp))
		if !visible || !frame.Intrinsics.Contains(screen) {
			continue
		}
		if d := screen.Dist(pt); d <= best {
			best = d
			hit = fp
			found = true
		}
	}

	if !found {
		return types.Mat4{}, false
	}
	return types.Translation(hit.X, hit.Y, hit.Z), true
}

// AddAnchor places a new anchor at transform and returns it.
func (s *Session) AddAnchor(transform types.Mat4) types.Anchor {
	a := types.Anchor{
		ID:        types.NewAnchorID(),
		Transform: transform,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.anchors[a.ID] = a
	s.order = append(s.order, a.ID)
	s.mu.Unlock()

	s.logger.Debug("anchor added", "anchor_id", a.ID, "position", a.Transform.Position())
	return a
}

// Anchor returns the anchor with the given id.
func (s *Session) Anchor(id types.AnchorID) (types.Anchor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.anchors[id]
	return a, ok
}

// RemoveAnchor deletes an anchor. It reports whether the anchor existed.
func (s *Session) RemoveAnchor(id types.AnchorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.anchors[id]; !ok {
		return false
	}
	delete(s.anchors, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Anchors returns every anchor in placement order.
func (s *Session) Anchors() []types.Anchor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Anchor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.anchors[id])
	}
	return out
}

// Pause stops frame intake and forgets the current frame.
func (s *Session) Pause() {
	s.mu.Lock()
	s.running = false
	s.current = nil
	s.mu.Unlock()

	s.inboxMu.Lock()
	s.inboxFrame = nil
	s.inboxMu.Unlock()
}

// Run resumes frame intake. The session has no current frame until the
// next one is published.
func (s *Session) Run() {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
}

// ResetTracking restarts world tracking: it pauses, removes every anchor
// and runs again. It returns the anchors that were removed.
func (s *Session) ResetTracking() []types.AnchorID {
	s.Pause()

	s.mu.Lock()
	removed := s.order
	s.anchors = make(map[types.AnchorID]types.Anchor)
	s.order = nil
	s.mu.Unlock()

	atomic.AddUint64(&s.resets, 1)
	s.Run()

	s.logger.Info("tracking reset", "anchors_removed", len(removed))
	return removed
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	running := s.running
	anchors := len(s.anchors)
	s.mu.RUnlock()

	return Stats{
		Running:         running,
		FramesPublished: atomic.LoadUint64(&s.publishSeq),
		InboxDrops:      atomic.LoadUint64(&s.inboxDrops),
		PausedDrops:     atomic.LoadUint64(&s.pausedDrops),
		Anchors:         anchors,
		Resets:          atomic.LoadUint64(&s.resets),
		Subscribers:     s.subscriberStats(),
	}
}
