// Package keylock provides per-key mutual exclusion backed by a
// reference-counted lock table.
//
// The table maps each contended key to a semaphore plus the number of
// holders and waiters. The entry is created on first acquisition and
// removed as soon as the count drops to zero, so memory usage is
// proportional to currently contended keys rather than to the number of
// keys ever locked. Waiters on one key are granted the lock in FIFO order;
// acquisitions on different keys proceed independently.
package keylock
