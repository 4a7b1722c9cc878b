package addrlock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketIndexStableAndInRange(t *testing.T) {
	for _, addr := range []uint64{0, 0x1000, 0xdeadbeef, 1 << 40} {
		idx := BucketIndex(addr)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, PALockCount)
		require.Equal(t, idx, BucketIndex(addr), "hashing must be deterministic")
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	tbl := New()
	tbl.Lock(0x2000)
	tbl.Unlock(0x2000)

	require.True(t, tbl.TryLock(0x2000))
	tbl.Unlock(0x2000)
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	tbl := New()
	tbl.Lock(0x3000)
	require.False(t, tbl.TryLock(0x3000))
	tbl.Unlock(0x3000)
	require.True(t, tbl.TryLock(0x3000))
	tbl.Unlock(0x3000)
}

func TestIndexVariantsAddressSameBucket(t *testing.T) {
	tbl := New()
	idx := tbl.Bucket(0x4000)

	tbl.LockIndex(idx)
	require.False(t, tbl.TryLock(0x4000))
	tbl.UnlockIndex(idx)
	require.True(t, tbl.TryLockIndex(idx))
	tbl.UnlockIndex(idx)
}
