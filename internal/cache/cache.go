// Package cache holds a small bounded set of recently touched room
// snapshots so duplicate fetches for the same room are served from memory.
// Eviction is true least-recently-used: reads count as usage.
package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultMaxSize bounds the cache when no explicit size is configured.
const DefaultMaxSize = 10

// Room is the cached view of one game room: the transformed, display-ready
// snapshot plus the raw payload it was derived from. Raw may be nil when the
// producer only pushed the transformed form.
type Room struct {
	Snapshot     map[string]any
	Raw          json.RawMessage
	CreatedAt    time.Time
	LastAccessed time.Time
}

type entry struct {
	snapshot     map[string]any
	raw          json.RawMessage
	createdAt    time.Time
	lastAccessed time.Time
	seq          uint64
}

// RoomCache is a bounded key→snapshot store. All operations are infallible;
// absence is reported as ok=false, distinct from a present entry with nil
// fields.
type RoomCache struct {
	mu      sync.Mutex
	maxSize int
	seq     uint64
	rooms   map[string]*entry
	now     func() time.Time
}

// New builds a cache bounded to maxSize entries. Sizes <= 0 fall back to
// DefaultMaxSize.
func New(maxSize int) *RoomCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &RoomCache{
		maxSize: maxSize,
		rooms:   make(map[string]*entry),
		now:     time.Now,
	}
}

// touch refreshes recency under c.mu. The sequence counter orders accesses
// even when wall-clock timestamps collide.
func (c *RoomCache) touch(e *entry) {
	c.seq++
	e.seq = c.seq
	e.lastAccessed = c.now()
}

// SetRoom stores the room unconditionally. An update keeps the original
// createdAt; a fresh insert stamps a new one and may evict the least
// recently used entry to hold the size bound.
func (c *RoomCache) SetRoom(id string, snapshot map[string]any, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.rooms[id]
	if !ok {
		e = &entry{createdAt: c.now()}
		c.rooms[id] = e
	}
	e.snapshot = snapshot
	e.raw = raw
	c.touch(e)

	if !ok {
		c.evictOver()
	}
}

// UpdateRoom shallow-merges partial onto the room's transformed snapshot,
// creating the entry when absent. Raw and createdAt are preserved.
func (c *RoomCache) UpdateRoom(id string, partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.rooms[id]
	if !ok {
		e = &entry{createdAt: c.now(), snapshot: make(map[string]any)}
		c.rooms[id] = e
	}
	if e.snapshot == nil {
		e.snapshot = make(map[string]any)
	}
	for k, v := range partial {
		e.snapshot[k] = v
	}
	c.touch(e)
}

// GetRoom returns the transformed snapshot for id. A hit refreshes recency.
func (c *RoomCache) GetRoom(id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.rooms[id]
	if !ok {
		return nil, false
	}
	c.touch(e)
	return e.snapshot, true
}

// GetRoomRaw returns the raw payload for id. ok=true with a nil payload
// means the room is cached but was pushed without a raw form.
func (c *RoomCache) GetRoomRaw(id string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.rooms[id]
	if !ok {
		return nil, false
	}
	c.touch(e)
	return e.raw, true
}

// HasRoom reports presence without refreshing recency.
func (c *RoomCache) HasRoom(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[id]
	return ok
}

// ListRooms returns the cached room ids. Diagnostic only, no recency effect.
func (c *RoomCache) ListRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached rooms.
func (c *RoomCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// evictOver removes the entry with the oldest access while the bound is
// exceeded. Insertions grow the cache one entry at a time, so a single
// linear scan suffices; maxSize stays in the low tens.
func (c *RoomCache) evictOver() {
	for len(c.rooms) > c.maxSize {
		var oldestID string
		var oldestSeq uint64
		first := true
		for id, e := range c.rooms {
			if first || e.seq < oldestSeq {
				oldestID = id
				oldestSeq = e.seq
				first = false
			}
		}
		delete(c.rooms, oldestID)
	}
}
