package util

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests basic push and consume functionality
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestPushNil tests that nil values are rejected
func TestPushNil(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Error("Pushing nil should fail")
	}
}

// TestConcurrentProducers verifies that every item of many producers arrives exactly once
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	received := make(map[int]bool, totalItems)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for val := range q.Recv() {
			if received[*val] {
				t.Errorf("Duplicate item received: %d", *val)
			}
			received[*val] = true
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				val := base + i
				if !q.Push(&val) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for consumer to finish")
	}

	if len(received) != totalItems {
		t.Errorf("Expected %d items, received %d", totalItems, len(received))
	}
}

// TestPerProducerOrder verifies that items of a single producer keep their order
func TestPerProducerOrder(t *testing.T) {
	q := NewLockFreeMPSC[[2]int]()

	const numProducers = 4
	const itemsPerProducer = 500

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				q.Push(&[2]int{id, i})
			}
		}(p)
	}
	go func() {
		wg.Wait()
		q.Close()
	}()

	last := make([]int, numProducers)
	for i := range last {
		last[i] = -1
	}
	for val := range q.Recv() {
		id, seq := val[0], val[1]
		if seq != last[id]+1 {
			t.Fatalf("Producer %d: expected sequence %d, got %d", id, last[id]+1, seq)
		}
		last[id] = seq
	}
	for id, seq := range last {
		if seq != itemsPerProducer-1 {
			t.Errorf("Producer %d: last sequence %d, expected %d", id, seq, itemsPerProducer-1)
		}
	}
}

// TestCloseDeliversQueuedItems tests that Close drains what was pushed before
func TestCloseDeliversQueuedItems(t *testing.T) {
	q := NewLockFreeMPSC[int]()

	for i := 0; i < 5; i++ {
		v := i
		q.Push(&v)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("Queue should report closed")
	}
	v := 99
	if q.Push(&v) {
		t.Error("Push after Close should fail")
	}

	count := 0
	for range q.Recv() {
		count++
	}
	if count != 5 {
		t.Errorf("Expected 5 items after Close, got %d", count)
	}

	select {
	case <-q.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after draining")
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got length %d", q.Len())
	}
}

// TestCloseRacingProducers tests that no accepted item is lost when Close races with Push
func TestCloseRacingProducers(t *testing.T) {
	for round := 0; round < 50; round++ {
		q := NewLockFreeMPSC[int]()

		var accepted sync.WaitGroup
		var mu sync.Mutex
		pushed := 0

		accepted.Add(8)
		for p := 0; p < 8; p++ {
			go func() {
				defer accepted.Done()
				for i := 0; i < 100; i++ {
					v := i
					if q.Push(&v) {
						mu.Lock()
						pushed++
						mu.Unlock()
					}
				}
			}()
		}
		runtime.Gosched()
		q.Close()

		got := 0
		for range q.Recv() {
			got++
		}
		accepted.Wait()

		if got != pushed {
			t.Fatalf("Round %d: %d items accepted but %d delivered", round, pushed, got)
		}
	}
}
