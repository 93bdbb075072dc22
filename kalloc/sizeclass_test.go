package kalloc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProfileTable(t testing.TB, profile Profile, pageSize uint64) *sizeTable {
	t.Helper()
	cfg := Config{PageSize: pageSize, Profile: profile}
	align, sizes, maxima, err := cfg.table()
	require.NoError(t, err)
	table, err := newSizeTable(align, sizes, maxima, cfg.ceiling())
	require.NoError(t, err)
	return table
}

// minimalClass is the reference linear scan
func minimalClass(table *sizeTable, size uint64) int {
	for i, c := range table.classes {
		if c.Size >= size {
			return i
		}
	}
	return -1
}

func TestResolvePow2(t *testing.T) {
	table := newProfileTable(t, ProfilePow2, 4096)

	tests := []struct {
		size, want uint64
	}{
		{0, 16},
		{1, 16},
		{10, 16},
		{16, 16},
		{17, 32},
		{33, 64},
		{2031, 2048},
		{2032, 2048},
		{2048, 2048},
		{2049, 4096},
		{8192, 8192},
	}
	for _, tt := range tests {
		i := table.resolve(tt.size)
		require.GreaterOrEqual(t, i, 0, "size %d", tt.size)
		assert.Equal(t, tt.want, table.classes[i].Size, "size %d", tt.size)
	}
	assert.Equal(t, -1, table.resolve(8193))
	assert.Equal(t, -1, table.resolve(20000))
}

func TestResolveTuned(t *testing.T) {
	table := newProfileTable(t, ProfileTuned, 4096)

	tests := []struct {
		size, want uint64
	}{
		{0, 8},
		{8, 8},
		{9, 16},
		{65, 88},
		{100, 112},
		{129, 192},
		{2040, 2048},
		{2041, 2048},
		{4097, 6144},
		{6145, 8192},
	}
	for _, tt := range tests {
		i := table.resolve(tt.size)
		require.GreaterOrEqual(t, i, 0, "size %d", tt.size)
		assert.Equal(t, tt.want, table.classes[i].Size, "size %d", tt.size)
	}
}

func TestResolveMinimal(t *testing.T) {
	for _, profile := range []Profile{ProfilePow2, ProfileTuned} {
		for _, pageSize := range []uint64{4096, 16384, 65536} {
			table := newProfileTable(t, profile, pageSize)
			for size := uint64(0); size < table.ceiling; size++ {
				got := table.resolve(size)
				if size >= table.preRounded {
					require.Equal(t, -1, got, "%s/%d: size %d", profile, pageSize, size)
					continue
				}
				require.Equal(t, minimalClass(table, size), got, "%s/%d: size %d", profile, pageSize, size)
				require.Less(t, table.classes[got].Size, table.ceiling)
			}
		}
	}
}

func TestDLUT(t *testing.T) {
	table := newProfileTable(t, ProfileTuned, 4096)

	assert.Len(t, table.dlut, 256)
	assert.Equal(t, uint64(2040), table.dlutLimit)
	for i, zindex := range table.dlut {
		size := uint64(i) * table.align
		c := table.classes[zindex]
		require.GreaterOrEqual(t, c.Size, size)
		if zindex > 0 {
			require.Less(t, table.classes[zindex-1].Size, size)
		}
	}
	assert.Equal(t, uint64(2048), table.classes[table.fallbackStart].Size)

	pow2 := newProfileTable(t, ProfilePow2, 4096)
	assert.Len(t, pow2.dlut, 128)
	assert.Equal(t, uint64(2032), pow2.dlutLimit)
	assert.Equal(t, uint64(2048), pow2.classes[pow2.fallbackStart].Size)
}

func TestCeilings(t *testing.T) {
	table := newProfileTable(t, ProfileTuned, 4096)
	assert.Equal(t, uint64(16384), table.ceiling)
	assert.Equal(t, uint64(8193), table.preRounded)

	table = newProfileTable(t, ProfileTuned, 65536)
	assert.Equal(t, uint64(65536), table.ceiling)
	assert.Equal(t, uint64(32769), table.preRounded)
}

func TestSearchContract(t *testing.T) {
	table := newProfileTable(t, ProfileTuned, 4096)
	assert.Panics(t, func() { table.search(table.preRounded) })
	assert.NotPanics(t, func() { table.search(table.preRounded - 1) })
}

func TestLookupCost(t *testing.T) {
	table := newProfileTable(t, ProfileTuned, 4096)

	i, compares, ok := table.lookupCost(7)
	require.True(t, ok)
	assert.Equal(t, uint64(8), table.classes[i].Size)
	assert.Equal(t, 1, compares)

	// 2048 and 3072 are too small, 4096 fits
	i, compares, ok = table.lookupCost(4095)
	require.True(t, ok)
	assert.Equal(t, uint64(4096), table.classes[i].Size)
	assert.Equal(t, 5, compares)

	i, compares, ok = table.lookupCost(2048)
	require.True(t, ok)
	assert.Equal(t, uint64(2048), table.classes[i].Size)
	assert.Equal(t, 3, compares)

	_, _, ok = table.lookupCost(20000)
	assert.False(t, ok)
}

func TestInvalidTables(t *testing.T) {
	tests := []struct {
		name   string
		align  uint64
		sizes  []uint64
		maxima []uint64
	}{
		{"bad alignment", 12, []uint64{12, 24, 8192}, []uint64{1, 1, 1}},
		{"maxima mismatch", 16, []uint64{16, 8192}, []uint64{1}},
		{"empty", 16, nil, nil},
		{"unaligned size", 16, []uint64{16, 40, 8192}, []uint64{1, 1, 1}},
		{"not ascending", 16, []uint64{32, 16, 8192}, []uint64{1, 1, 1}},
		{"duplicate", 16, []uint64{16, 16, 8192}, []uint64{1, 1, 1}},
		{"short of ceiling", 16, []uint64{16, 32, 4096}, []uint64{1, 1, 1}},
		{"gap at ceiling", 16, []uint64{16, 4096, 16384}, []uint64{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newSizeTable(tt.align, tt.sizes, tt.maxima, 16384)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestCustomTable(t *testing.T) {
	table, err := newSizeTable(64, []uint64{64, 256, 1024, 8192}, []uint64{16, 16, 16, 16}, 16384)
	require.NoError(t, err)
	for size := uint64(0); size < table.preRounded; size++ {
		require.Equal(t, minimalClass(table, size), table.resolve(size), "size %d", size)
	}
}

func BenchmarkResolve(b *testing.B) {
	table := newProfileTable(b, ProfileTuned, 4096)
	sizes := []uint64{16, 48, 100, 500, 1500, 3000, 6000, 8000}

	b.Run("dlut+search", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = table.resolve(sizes[i%len(sizes)])
		}
	})
	b.Run("linear", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = minimalClass(table, sizes[i%len(sizes)])
		}
	})
}
