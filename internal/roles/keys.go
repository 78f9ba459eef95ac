package roles

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/drblury/mqbench/transport"
)

// Mapping selects how a logical client index spreads across the keyspace.
type Mapping int

const (
	// MappingMDim decomposes the index directly across the dimensions.
	MappingMDim Mapping = iota
	// MappingHash decomposes the 32-bit FNV-1a image of the index,
	// spreading clients pseudo-randomly over the same keyspace
	// cardinality.
	MappingHash
)

func (m Mapping) String() string {
	if m == MappingHash {
		return "hash"
	}
	return "mdim"
}

// ParseMapping resolves the --mapping flag.
func ParseMapping(s string) (Mapping, error) {
	switch s {
	case "mdim", "":
		return MappingMDim, nil
	case "hash":
		return MappingHash, nil
	default:
		return 0, transport.Errf(transport.KindConfig, "mapping must be mdim or hash, got %q", s)
	}
}

// Dims are the keyspace dimensions: tenants, regions, services, shards.
type Dims struct {
	Tenants  uint32
	Regions  uint32
	Services uint32
	Shards   uint32
}

func (d Dims) validate() error {
	if d.Tenants == 0 || d.Regions == 0 || d.Services == 0 || d.Shards == 0 {
		return transport.Errf(transport.KindConfig,
			"all dimensions must be >= 1, got T=%d R=%d S=%d K=%d",
			d.Tenants, d.Regions, d.Services, d.Shards)
	}
	return nil
}

// Cardinality is the number of distinct keys in the space.
func (d Dims) Cardinality() uint32 {
	return d.Tenants * d.Regions * d.Services * d.Shards
}

// fnv1a32 hashes the little-endian bytes of the client index.
func fnv1a32(i uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], i)
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// Key derives the multi-segment key for a logical client index:
// prefix/t{t}/r{r}/svc{s}/k{k}.
func (d Dims) Key(prefix string, client uint32, m Mapping) string {
	i := client
	if m == MappingHash {
		i = fnv1a32(client)
	}
	t := i % d.Tenants
	r := (i / d.Tenants) % d.Regions
	s := (i / (d.Tenants * d.Regions)) % d.Services
	k := (i / (d.Tenants * d.Regions * d.Services)) % d.Shards
	return fmt.Sprintf("%s/t%d/r%d/svc%d/k%d", prefix, t, r, s, k)
}
