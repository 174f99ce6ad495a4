package controller

import (
	"container/list"

	"github.com/google/uuid"
)

// DBIdempotencyChecker answers whether an action ID already reached a
// terminal record outside the in-memory window.
type DBIdempotencyChecker interface {
	IsDuplicate(kind ActionKind, id uuid.UUID) (bool, error)
}

// IdempotencyChecker deduplicates action requests by ID. The hot window is
// an in-memory LRU; misses fall through to the database checker when one is
// configured. A database error counts as not-a-duplicate: the terminal
// row's write-once constraint is the backstop, and dropping a live request
// on a transient error would be worse than re-checking it.
type IdempotencyChecker struct {
	capacity  int
	entries   map[string]*list.Element
	order     *list.List
	db        DBIdempotencyChecker
	evictions uint64
}

// NewIdempotencyChecker builds a checker holding up to capacity recent IDs.
func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
		db:       db,
	}
}

func dedupeKey(kind ActionKind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

// IsDuplicate reports whether the action was already processed.
func (c *IdempotencyChecker) IsDuplicate(kind ActionKind, id uuid.UUID) (bool, error) {
	key := dedupeKey(kind, id)
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return true, nil
	}
	if c.db == nil {
		return false, nil
	}
	dup, err := c.db.IsDuplicate(kind, id)
	if err != nil {
		return false, err
	}
	if dup {
		c.mark(key)
	}
	return dup, nil
}

// MarkProcessed records the action ID after its record reaches a terminal
// status.
func (c *IdempotencyChecker) MarkProcessed(kind ActionKind, id uuid.UUID) {
	c.mark(dedupeKey(kind, id))
}

func (c *IdempotencyChecker) mark(key string) {
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(key)
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
		c.evictions++
	}
}

// WarmFromKeys preloads the window, used when resuming from a snapshot.
func (c *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		c.mark(key)
	}
}

// Keys returns the warm window oldest-first for snapshotting.
func (c *IdempotencyChecker) Keys() []string {
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Back(); el != nil; el = el.Prev() {
		keys = append(keys, el.Value.(string))
	}
	return keys
}

// Size returns the number of IDs in the warm window.
func (c *IdempotencyChecker) Size() int { return c.order.Len() }

// Evictions returns how many IDs aged out of the window.
func (c *IdempotencyChecker) Evictions() uint64 { return c.evictions }
