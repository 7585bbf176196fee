package util

import (
	"container/heap"
	"strconv"
)

// entry is one key of the heap together with its priority
type entry struct {
	key      uint64
	priority uint64
	index    int // maintained by the heap package, -1 once removed
}

func (e *entry) String() string {
	return "{Key: " + strconv.FormatUint(e.key, 10) + ", Priority: " + strconv.FormatUint(e.priority, 10) + "}"
}

// MapHeap is a min-heap of uint64 keys ordered by a uint64 priority, with
// O(1) access by key. The client uses it to track request deadlines: the
// key is the message id and the priority the deadline in unix nanoseconds,
// so Peek returns the request that expires first.
//
// All heap operations are O(log n), Contains is O(1).
// MapHeap is not safe for concurrent use.
type MapHeap struct {
	entries []*entry
	byKey   map[uint64]*entry
}

// NewMapHeap creates an empty heap
func NewMapHeap() *MapHeap {
	return &MapHeap{
		entries: make([]*entry, 0),
		byKey:   make(map[uint64]*entry),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap) Len() int { return len(h.entries) }

func (h *MapHeap) Less(i, j int) bool {
	return h.entries[i].priority < h.entries[j].priority
}

func (h *MapHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

// Push is part of heap.Interface, use AddItem instead
func (h *MapHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
	h.byKey[e.key] = e
}

// Pop is part of heap.Interface, use PopMin instead
func (h *MapHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	delete(h.byKey, e.key)
	return e
}

// --------------------------------------------------------------------------
// Key based API
// --------------------------------------------------------------------------

// AddItem inserts key with priority, or moves an existing key to the new priority
func (h *MapHeap) AddItem(key, priority uint64) {
	if e, ok := h.byKey[key]; ok {
		e.priority = priority
		heap.Fix(h, e.index)
		return
	}
	heap.Push(h, &entry{key: key, priority: priority})
}

// RemoveByKey removes key and returns its priority
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	e, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, e.index)
	return e.priority, true
}

// Peek returns the key with the lowest priority without removing it
func (h *MapHeap) Peek() (key, priority uint64, ok bool) {
	if len(h.entries) == 0 {
		return 0, 0, false
	}
	e := h.entries[0]
	return e.key, e.priority, true
}

// PopMin removes and returns the key with the lowest priority
func (h *MapHeap) PopMin() (key, priority uint64, ok bool) {
	if len(h.entries) == 0 {
		return 0, 0, false
	}
	e := heap.Pop(h).(*entry)
	return e.key, e.priority, true
}

// Contains reports whether key is in the heap
func (h *MapHeap) Contains(key uint64) bool {
	_, ok := h.byKey[key]
	return ok
}

// Priority returns the priority of key
func (h *MapHeap) Priority(key uint64) (uint64, bool) {
	e, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}
