package merkle

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// FingerprintDims is the length of the similarity fingerprint.
const FingerprintDims = 64

// Fingerprint returns a seeded simhash over the tree's file content hashes.
// Workspaces with mostly the same content get close vectors; the seed keeps
// vectors from different workspaces incomparable. Paths are not included.
func (t *Tree) Fingerprint(seed int64) []float32 {
	var acc [FingerprintDims]int
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], uint64(seed))

	d := xxhash.New()
	for _, rel := range t.files {
		d.Reset()
		d.Write(seedBytes[:])
		d.WriteString(t.nodes[rel].Hash)
		sum := d.Sum64()
		for i := 0; i < FingerprintDims; i++ {
			if sum&(1<<uint(i)) != 0 {
				acc[i]++
			} else {
				acc[i]--
			}
		}
	}

	out := make([]float32, FingerprintDims)
	if len(t.files) == 0 {
		return out
	}
	n := float32(len(t.files))
	for i, v := range acc {
		out[i] = float32(v) / n
	}
	return out
}
