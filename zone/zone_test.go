package zone

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/shenjiangwei/kalloc/ledger"
	"github.com/shenjiangwei/kalloc/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	KB = 1024
	MB = 1024 * 1024
)

func newTestMap(t *testing.T) *vm.Map {
	t.Helper()
	m, err := vm.NewMap("zone_map", 0x200000000, 16*MB, 4*KB)
	require.NoError(t, err)
	return m
}

func TestChooseAllocSize(t *testing.T) {
	tests := []struct {
		elem, page, want uint64
	}{
		{8, 4 * KB, 4 * KB},
		{40, 4 * KB, 4 * KB},
		{48, 4 * KB, 4 * KB},
		{192, 4 * KB, 4 * KB},
		{768, 4 * KB, 4 * KB},
		{3072, 4 * KB, 16 * KB},
		{6144, 4 * KB, 32 * KB},
		{8192, 4 * KB, 8 * KB},
		{32768, 4 * KB, 32 * KB},
		{16384, 64 * KB, 64 * KB},
		{5000, 4 * KB, 16 * KB},
		// No chunk gets under the limit, the first of the least wasteful wins
		{12288, 4 * KB, 16 * KB},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chooseAllocSize(tt.elem, tt.page), "element %d page %d", tt.elem, tt.page)
	}
}

func TestZoneAllocFree(t *testing.T) {
	m := newTestMap(t)
	z := New("test.64", 64, 64*KB, m)

	a, err := z.Alloc(true)
	require.NoError(t, err)
	b, err := z.Alloc(true)
	require.NoError(t, err)
	assert.Equal(t, a+64, b)

	info := z.Info()
	assert.Equal(t, uint64(2), info.CountInUse)
	assert.Equal(t, uint64(4*KB), info.CurSize)
	assert.Equal(t, uint64(4*KB/64-2), info.FreeCount)
	assert.Equal(t, uint64(2), info.SumCount)

	require.NoError(t, z.Free(a))
	require.NoError(t, z.Free(b))
	info = z.Info()
	assert.Zero(t, info.CountInUse)
	assert.Equal(t, uint64(2), info.SumCount)

	// Most recently freed element is reused first
	c, err := z.Alloc(true)
	require.NoError(t, err)
	assert.Equal(t, b, c)
	require.NoError(t, z.Free(c))
}

func TestZoneInvalidFree(t *testing.T) {
	m := newTestMap(t)
	z := New("test.48", 48, 64*KB, m)

	addr, err := z.Alloc(true)
	require.NoError(t, err)

	err = z.Free(addr + 8)
	assert.True(t, errors.Is(err, ErrInvalidAddress))
	err = z.Free(0xdeadbeef)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	// Tail of the chunk past the last whole element
	err = z.Free(addr + 4*KB - 16)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	require.NoError(t, z.Free(addr))
	err = z.Free(addr)
	assert.True(t, errors.Is(err, ErrNotAllocated))
}

func TestZoneNoBlock(t *testing.T) {
	m := newTestMap(t)
	z := New("test.32", 32, 64*KB, m)

	_, err := z.Alloc(false)
	assert.True(t, errors.Is(err, ErrWouldBlock))

	addr, err := z.Alloc(true)
	require.NoError(t, err)
	// The zone has free elements now
	other, err := z.Alloc(false)
	require.NoError(t, err)
	require.NoError(t, z.Free(addr))
	require.NoError(t, z.Free(other))
}

func TestZoneExhausted(t *testing.T) {
	m := newTestMap(t)
	z := New("test.1024", 1024, 8*KB, m)

	var addrs []uint64
	for {
		addr, err := z.Alloc(true)
		if err != nil {
			require.True(t, errors.Is(err, ErrExhausted))
			break
		}
		addrs = append(addrs, addr)
	}
	assert.Len(t, addrs, 8)
	assert.Equal(t, uint64(8*KB), z.Info().CurSize)

	for _, addr := range addrs {
		require.NoError(t, z.Free(addr))
	}
}

func TestZoneSourceExhausted(t *testing.T) {
	m, err := vm.NewMap("small", 0x300000000, 8*KB, 4*KB)
	require.NoError(t, err)
	z := New("test.4096", 4096, MB, m)

	_, err = z.Alloc(true)
	require.NoError(t, err)
	_, err = z.Alloc(true)
	require.NoError(t, err)
	_, err = z.Alloc(true)
	require.True(t, errors.Is(err, ErrExhausted))
	assert.True(t, errors.Is(err, vm.ErrNoSpace))
}

func TestZoneCollect(t *testing.T) {
	m := newTestMap(t)
	z := New("test.2048", 2048, 64*KB, m)

	var addrs []uint64
	for i := 0; i < 4; i++ {
		addr, err := z.Alloc(true)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	assert.Equal(t, uint64(8*KB), z.Info().CurSize)

	// Empty the first chunk only
	require.NoError(t, z.Free(addrs[0]))
	require.NoError(t, z.Free(addrs[1]))
	assert.Equal(t, uint64(4*KB), z.Collect())

	info := z.Info()
	assert.Equal(t, uint64(4*KB), info.CurSize)
	assert.Equal(t, uint64(2), info.CountInUse)
	assert.Zero(t, info.FreeCount)
	assert.Equal(t, uint64(4*KB), m.GetUsedSize())

	require.NoError(t, z.Free(addrs[2]))
	require.NoError(t, z.Free(addrs[3]))
	assert.Equal(t, uint64(4*KB), z.Collect())
	assert.Zero(t, m.GetUsedSize())
	assert.Zero(t, z.Collect())
}

func TestZoneCallerAcct(t *testing.T) {
	m := newTestMap(t)
	task := ledger.NewTask("test")
	z := New("test.128", 128, 64*KB, m, WithTask(func() *ledger.Task { return task }), WithIndex(2))

	addr, err := z.Alloc(true)
	require.NoError(t, err)
	assert.Equal(t, int64(128), task.Ledger.Balance(ledger.EntryPrivate))
	assert.Equal(t, uint64(128), task.Usage(2).Alloc)
	require.NoError(t, z.Free(addr))
	assert.Zero(t, task.Ledger.Balance(ledger.EntryPrivate))

	z.SetCallerAcct(false)
	assert.False(t, z.Info().CallerAcct)
	addr, err = z.Alloc(true)
	require.NoError(t, err)
	require.NoError(t, z.Free(addr))
	assert.Equal(t, uint64(128), task.Ledger.Charged(ledger.EntryPrivate))
}

func TestZoneConcurrent(t *testing.T) {
	m := newTestMap(t)
	z := New("test.256", 256, 4*MB, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				addr, err := z.Alloc(true)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, z.Free(addr))
			}
		}()
	}
	wg.Wait()

	info := z.Info()
	assert.Zero(t, info.CountInUse)
	assert.Equal(t, uint64(8*500), info.SumCount)
}
