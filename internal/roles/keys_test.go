package roles

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapping(t *testing.T) {
	m, err := ParseMapping("mdim")
	require.NoError(t, err)
	assert.Equal(t, MappingMDim, m)

	m, err = ParseMapping("hash")
	require.NoError(t, err)
	assert.Equal(t, MappingHash, m)

	m, err = ParseMapping("")
	require.NoError(t, err)
	assert.Equal(t, MappingMDim, m)

	_, err = ParseMapping("random")
	assert.Error(t, err)
}

func TestMDimDecomposition(t *testing.T) {
	d := Dims{Tenants: 2, Regions: 2, Services: 2, Shards: 2}

	assert.Equal(t, "bench/t0/r0/svc0/k0", d.Key("bench", 0, MappingMDim))
	assert.Equal(t, "bench/t1/r0/svc0/k0", d.Key("bench", 1, MappingMDim))
	assert.Equal(t, "bench/t0/r1/svc0/k0", d.Key("bench", 2, MappingMDim))
	assert.Equal(t, "bench/t0/r0/svc1/k0", d.Key("bench", 4, MappingMDim))
	assert.Equal(t, "bench/t0/r0/svc0/k1", d.Key("bench", 8, MappingMDim))
	assert.Equal(t, "bench/t1/r1/svc1/k1", d.Key("bench", 15, MappingMDim))
}

func TestMDimCoversKeyspaceExactly(t *testing.T) {
	// 16 clients over a 2x2x2x2 space touch each of the 16 keys once.
	d := Dims{Tenants: 2, Regions: 2, Services: 2, Shards: 2}
	seen := make(map[string]int)
	for i := uint32(0); i < d.Cardinality(); i++ {
		seen[d.Key("bench", i, MappingMDim)]++
	}
	require.Len(t, seen, 16)
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
}

func TestHashMappingIsDeterministicAndInKeyspace(t *testing.T) {
	d := Dims{Tenants: 10, Regions: 2, Services: 5, Shards: 10}
	for i := uint32(0); i < 100; i++ {
		a := d.Key("bench", i, MappingHash)
		b := d.Key("bench", i, MappingHash)
		assert.Equal(t, a, b)
	}

	// Hashed keys stay within the declared dimensions.
	for i := uint32(0); i < 1000; i++ {
		key := d.Key("bench", i, MappingHash)
		var tt, r, s, k uint32
		_, err := fmt.Sscanf(key, "bench/t%d/r%d/svc%d/k%d", &tt, &r, &s, &k)
		require.NoError(t, err, key)
		assert.Less(t, tt, d.Tenants)
		assert.Less(t, r, d.Regions)
		assert.Less(t, s, d.Services)
		assert.Less(t, k, d.Shards)
	}
}

func TestHashDiffersFromMDim(t *testing.T) {
	d := Dims{Tenants: 10, Regions: 10, Services: 10, Shards: 10}
	diff := 0
	for i := uint32(0); i < 100; i++ {
		if d.Key("p", i, MappingHash) != d.Key("p", i, MappingMDim) {
			diff++
		}
	}
	assert.Greater(t, diff, 90, "hash spread should not mirror mdim")
}

func TestDimsValidate(t *testing.T) {
	assert.NoError(t, Dims{1, 1, 1, 1}.validate())
	assert.Error(t, Dims{0, 1, 1, 1}.validate())
	assert.Error(t, Dims{1, 1, 1, 0}.validate())
}
