// Package util provides the generic queues used by the client transport.
//
// The package contains:
//   - lockfreempsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue. Each
//     connection runs its async callbacks on one, so the response reader never
//     blocks on user code.
//   - mapheap: A min-heap of keys with O(1) key lookup. The timeout reaper keeps
//     the deadline of every request in flight in one.
//
// Neither structure knows about SMB, both are keyed by plain integers or pointers.
package util
