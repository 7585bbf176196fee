package util

import (
	"container/heap"
	"sort"
	"testing"
)

// TestNewMapHeap tests the creation of an empty heap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap()

	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}

	if _, _, ok := mh.Peek(); ok {
		t.Error("Peek() on an empty heap should return false")
	}

	if _, _, ok := mh.PopMin(); ok {
		t.Error("PopMin() on an empty heap should return false")
	}
}

// TestAddItemOrdersByPriority tests that the lowest deadline is always on top
func TestAddItemOrdersByPriority(t *testing.T) {
	mh := NewMapHeap()

	mh.AddItem(1, 100)
	mh.AddItem(2, 200)
	mh.AddItem(3, 50)

	if mh.Len() != 3 {
		t.Fatalf("Heap should have 3 items, but has %d", mh.Len())
	}

	key, prio, ok := mh.Peek()
	if !ok {
		t.Fatal("Peek() should return an item")
	}
	if key != 3 || prio != 50 {
		t.Errorf("Expected min item to be (3,50), got (%d,%d)", key, prio)
	}

	for _, k := range []uint64{1, 2, 3} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %d", k)
		}
	}
}

// TestAddItemUpdatesExistingKey tests that adding a known key moves it
func TestAddItemUpdatesExistingKey(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(1, 100)
	mh.AddItem(2, 200)

	// push key 1 behind key 2
	mh.AddItem(1, 300)

	if mh.Len() != 2 {
		t.Fatalf("Updating a key must not add an item, length is %d", mh.Len())
	}
	if prio, ok := mh.Priority(1); !ok || prio != 300 {
		t.Errorf("Expected priority 300 for key 1, got %d (found=%v)", prio, ok)
	}
	if key, _, _ := mh.Peek(); key != 2 {
		t.Errorf("Expected key 2 on top after the update, got %d", key)
	}
}

// TestRemoveByKey tests removing a request that completed before its deadline
func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap()
	mh.AddItem(7, 70)
	mh.AddItem(8, 80)
	mh.AddItem(9, 90)

	prio, ok := mh.RemoveByKey(7)
	if !ok || prio != 70 {
		t.Fatalf("Expected to remove (7,70), got (%d,%v)", prio, ok)
	}
	if mh.Contains(7) {
		t.Error("Key 7 should be gone")
	}
	if _, ok := mh.RemoveByKey(7); ok {
		t.Error("Removing a key twice should fail")
	}
	if key, _, _ := mh.Peek(); key != 8 {
		t.Errorf("Expected key 8 on top, got %d", key)
	}
}

// TestPopMinReturnsSortedOrder tests that popping yields ascending priorities
func TestPopMinReturnsSortedOrder(t *testing.T) {
	mh := NewMapHeap()
	priorities := []uint64{42, 7, 99, 13, 5, 64, 21, 88}
	for i, p := range priorities {
		mh.AddItem(uint64(i), p)
	}

	var popped []uint64
	for mh.Len() > 0 {
		key, prio, ok := mh.PopMin()
		if !ok {
			t.Fatal("PopMin() failed on a non empty heap")
		}
		if mh.Contains(key) {
			t.Errorf("Popped key %d is still contained", key)
		}
		popped = append(popped, prio)
	}

	if !sort.SliceIsSorted(popped, func(i, j int) bool { return popped[i] < popped[j] }) {
		t.Errorf("Priorities not popped in order: %v", popped)
	}
	if len(popped) != len(priorities) {
		t.Errorf("Expected %d items, popped %d", len(priorities), len(popped))
	}
}

// TestHeapInterface tests that the heap package can drive the structure directly
func TestHeapInterface(t *testing.T) {
	mh := NewMapHeap()
	heap.Init(mh)

	for i := uint64(10); i > 0; i-- {
		mh.AddItem(i, i*10)
	}

	e := heap.Pop(mh).(*entry)
	if e.key != 1 || e.priority != 10 {
		t.Errorf("Expected (1,10), got %s", e)
	}
	if e.index != -1 {
		t.Errorf("Popped entry should have index -1, has %d", e.index)
	}
	if mh.Len() != 9 {
		t.Errorf("Expected 9 remaining items, got %d", mh.Len())
	}
}
