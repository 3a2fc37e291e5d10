package checksum

import (
	"github.com/zeebo/xxh3"
)

// XXH3 computes the 64-bit XXH3 hash of data.
func XXH3(data []byte) uint64 {
	return xxh3.Hash(data)
}

// XXH3Checksum32 returns the low 32 bits of the XXH3 hash of data.
// This is the checksum width stored after a persisted free-tree.
func XXH3Checksum32(data []byte) uint32 {
	return uint32(xxh3.Hash(data))
}
