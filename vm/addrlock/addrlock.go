// Package addrlock implements the page lock of spec.md §5: an array of
// PA_LOCK_COUNT mutexes, each page mapping deterministically to exactly
// one bucket by hashing its physical address. It is rank #2 in the lock
// universe, acquired after a MemoryObject write-lock and before either
// master queue lock.
package addrlock

import (
	"sync"

	"github.com/OneOfOne/xxhash"
)

// PALockCount is the number of address-lock buckets, matching the
// original's PA_LOCK_COUNT. BucketIndex reduces an xxhash of the
// address modulo PALockCount, so the bucket assignment is not just the
// low bits of a page-aligned address.
const PALockCount = 256

// Table is the fixed array of address-lock buckets.
type Table struct {
	buckets [PALockCount]sync.RWMutex
}

// New returns a ready-to-use address-lock table.
func New() *Table {
	return &Table{}
}

// BucketIndex hashes a physical address into its bucket index.
func BucketIndex(physAddr uint64) int {
	h := xxhash.New64()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(physAddr >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum64() % PALockCount)
}

// Lock acquires the bucket owning physAddr for exclusive access.
func (t *Table) Lock(physAddr uint64) {
	t.buckets[BucketIndex(physAddr)].Lock()
}

// Unlock releases the bucket owning physAddr.
func (t *Table) Unlock(physAddr uint64) {
	t.buckets[BucketIndex(physAddr)].Unlock()
}

// TryLock attempts to acquire the bucket without blocking. Used by the
// INACTIVE fixup pass (spec.md §4.5) when force is false.
func (t *Table) TryLock(physAddr uint64) bool {
	return t.buckets[BucketIndex(physAddr)].TryLock()
}

// Bucket returns the bucket index for physAddr, for callers (the
// deferred-INACTIVE shards) that need to address a shard array with
// the same key space as the lock table.
func (t *Table) Bucket(physAddr uint64) int {
	return BucketIndex(physAddr)
}

// LockIndex, TryLockIndex, and UnlockIndex address a bucket directly
// by index rather than by hashing a physical address. The INACTIVE
// fixup pass (spec.md §4.5) iterates shards by index and must lock
// the matching address-lock bucket by that same index.
func (t *Table) LockIndex(i int) {
	t.buckets[i].Lock()
}

func (t *Table) TryLockIndex(i int) bool {
	return t.buckets[i].TryLock()
}

func (t *Table) UnlockIndex(i int) {
	t.buckets[i].Unlock()
}
