// Package annotation holds the side table from anchor identity to the
// content the render surface draws for it.
//
// The table is independent of the tracking session's anchor storage: the
// two are joined only by AnchorID, which is what lets a classification
// fill in content after the anchor already exists.
//
// Mutations are expected from a single owning goroutine (the engine
// loop). The underlying store is still safe for concurrent reads.
package annotation

import (
	gocache "github.com/patrickmn/go-cache"

	"github.com/serkansokmen/emojispace/internal/types"
)

// Cache maps anchor identity to resolved annotation content.
type Cache struct {
	store *gocache.Cache
}

// NewCache creates an empty cache. Entries never expire; they live until
// deleted or until the session is reset.
func NewCache() *Cache {
	return &Cache{
		store: gocache.New(gocache.NoExpiration, 0),
	}
}

// Get returns the content for an anchor. An anchor that has no entry yet
// (classification still pending) or that is unknown reports false.
func (c *Cache) Get(id types.AnchorID) (types.AnnotationContent, bool) {
	x, found := c.store.Get(string(id))
	if !found {
		return types.AnnotationContent{}, false
	}
	return x.(types.AnnotationContent), true
}

// Set stores content for an anchor. The first write wins: a second write
// for the same anchor is ignored and reported as false. Zero content is
// never stored.
func (c *Cache) Set(id types.AnchorID, content types.AnnotationContent) bool {
	if content.IsZero() {
		return false
	}
	// Add fails when the key already exists
	return c.store.Add(string(id), content, gocache.NoExpiration) == nil
}

// Delete removes the entry for an anchor. Unknown anchors are a no-op.
func (c *Cache) Delete(id types.AnchorID) {
	c.store.Delete(string(id))
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.store.Flush()
}

// Len returns the number of anchors with content.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// HasLabelElsewhere reports whether an anchor other than id already holds
// label content whose text equals text exactly.
//
// This is the coarse duplicate-observation check applied to vision
// anchors. It compares strings across every anchor and ignores position.
func (c *Cache) HasLabelElsewhere(id types.AnchorID, text string) bool {
	for key, item := range c.store.Items() {
		if key == string(id) {
			continue
		}
		content, ok := item.Object.(types.AnnotationContent)
		if !ok || content.Kind != types.ContentLabel {
			continue
		}
		if content.Text == text {
			return true
		}
	}
	return false
}
