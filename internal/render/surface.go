// Package render keeps a headless scene of the nodes that would be drawn
// for each anchor. Nodes are built from the content the engine has
// decided for an anchor; anchors without content have no node.
package render

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/serkansokmen/emojispace/internal/config"
	"github.com/serkansokmen/emojispace/internal/events"
	"github.com/serkansokmen/emojispace/internal/types"
)

// NodeKind is the kind of scene node.
type NodeKind string

const (
	NodeLabel  NodeKind = "label"
	NodeSprite NodeKind = "sprite"
)

// Node is a materialised scene node for one anchor.
type Node struct {
	AnchorID types.AnchorID `json:"anchor_id"`
	Kind     NodeKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Position types.Vec3     `json:"position"`

	// Sprite size in scene units
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`

	FontSize  float64 `json:"font_size,omitempty"`
	Bold      bool    `json:"bold,omitempty"`
	WrapWidth float64 `json:"wrap_width,omitempty"` // 0 = single line
	Centered  bool    `json:"centered"`

	Generation uint64 `json:"generation"`
}

// NodeFor builds the node for content. It reports false when the content
// has nothing to draw.
func NodeFor(content types.AnnotationContent, cfg config.RenderConfig) (Node, bool) {
	switch content.Kind {
	case types.ContentText:
		return Node{
			Kind:     NodeLabel,
			Text:     content.Text,
			FontSize: cfg.TextFontSize,
			Centered: true,
		}, true

	case types.ContentImage:
		if content.Image == nil {
			return Node{}, false
		}
		b := content.Image.Bounds()
		return Node{
			Kind:     NodeSprite,
			Width:    float64(b.Dx()) * cfg.ImageScale,
			Height:   float64(b.Dy()) * cfg.ImageScale,
			Centered: true,
		}, true

	case types.ContentLabel:
		if content.Text == "" {
			return Node{}, false
		}
		return Node{
			Kind:      NodeLabel,
			Text:      content.Text,
			FontSize:  cfg.LabelFontSize,
			Bold:      true,
			WrapWidth: cfg.LabelMaxWidth,
			Centered:  true,
		}, true
	}
	return Node{}, false
}

// ContentSource answers what to draw for an anchor.
type ContentSource interface {
	ContentFor(ctx context.Context, id types.AnchorID) (types.AnnotationContent, bool, error)
}

type placement struct {
	position   types.Vec3
	generation uint64
}

// Surface tracks anchors from annotation events and keeps one node per
// anchor whose content is known.
type Surface struct {
	source ContentSource
	cfg    config.RenderConfig
	logger *slog.Logger

	mu         sync.RWMutex
	nodes      map[types.AnchorID]Node
	positions  map[types.AnchorID]placement
	generation uint64

	eventsSeen   uint64
	nodesCreated uint64
	lookupErrors uint64
}

// NewSurface creates an empty surface.
func NewSurface(source ContentSource, cfg config.RenderConfig, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		source:    source,
		cfg:       cfg,
		logger:    logger,
		nodes:     make(map[types.AnchorID]Node),
		positions: make(map[types.AnchorID]placement),
	}
}

// Run applies events until ctx is done or the channel closes.
func (s *Surface) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			s.Apply(ctx, evt)
		}
	}
}

// Apply updates the surface for one event.
func (s *Surface) Apply(ctx context.Context, evt events.Event) {
	atomic.AddUint64(&s.eventsSeen, 1)

	s.mu.Lock()
	if evt.Generation < s.generation {
		s.mu.Unlock()
		return
	}
	switch evt.Type {
	case events.SessionReset:
		// events of the new generation may arrive before the reset itself
		dropped := 0
		for id, n := range s.nodes {
			if n.Generation < evt.Generation {
				delete(s.nodes, id)
				dropped++
			}
		}
		for id, p := range s.positions {
			if p.generation < evt.Generation {
				delete(s.positions, id)
			}
		}
		s.generation = evt.Generation
		s.mu.Unlock()
		s.logger.Debug("surface cleared", "generation", evt.Generation, "nodes_dropped", dropped)
		return
	case events.AnchorAdded:
		if evt.Position != nil {
			s.positions[evt.AnchorID] = placement{position: *evt.Position, generation: evt.Generation}
		}
	case events.AnchorRemoved:
		delete(s.nodes, evt.AnchorID)
		delete(s.positions, evt.AnchorID)
		s.mu.Unlock()
		return
	case events.ContentAssigned:
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.refresh(ctx, evt.AnchorID, evt.Generation)
}

// refresh asks the engine for the anchor content again.
func (s *Surface) refresh(ctx context.Context, id types.AnchorID, gen uint64) {
	content, ok, err := s.source.ContentFor(ctx, id)
	if err != nil {
		atomic.AddUint64(&s.lookupErrors, 1)
		s.logger.Warn("content lookup failed", "anchor_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	node, ok := NodeFor(content, s.cfg)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.generation {
		return
	}
	node.AnchorID = id
	node.Position = s.positions[id].position
	node.Generation = gen
	if _, exists := s.nodes[id]; !exists {
		atomic.AddUint64(&s.nodesCreated, 1)
		s.logger.Debug("node created", "anchor_id", id, "kind", node.Kind, "text", node.Text)
	}
	s.nodes[id] = node
}

// Node returns the node drawn for an anchor.
func (s *Surface) Node(id types.AnchorID) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns every node, ordered by anchor id.
func (s *Surface) Nodes() []Node {
	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AnchorID < out[j].AnchorID })
	return out
}

// Stats returns surface counters.
func (s *Surface) Stats() map[string]interface{} {
	s.mu.RLock()
	nodes := len(s.nodes)
	gen := s.generation
	s.mu.RUnlock()

	return map[string]interface{}{
		"nodes":         nodes,
		"generation":    gen,
		"events_seen":   atomic.LoadUint64(&s.eventsSeen),
		"nodes_created": atomic.LoadUint64(&s.nodesCreated),
		"lookup_errors": atomic.LoadUint64(&s.lookupErrors),
	}
}
