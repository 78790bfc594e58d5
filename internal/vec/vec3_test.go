package vec

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockPosNegativeCoordinates(t *testing.T) {
	p := BlockPos{X: -1, Y: 31, Z: -33}

	assert.Equal(t, ChunkCoord{X: -1, Y: 0, Z: -2}, p.ChunkOf())
	assert.Equal(t, LocalPos{X: 31, Y: 31, Z: 31}, p.Local())
	assert.Equal(t, p, p.Local().World(p.ChunkOf()))
}

func TestChunkCoordOrder(t *testing.T) {
	coords := []ChunkCoord{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0, 0, 0}, {-1, 5, 5}}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })

	assert.Equal(t, []ChunkCoord{{-1, 5, 5}, {0, 0, 0}, {0, 0, 1}, {0, 1, 0}, {1, 0, 0}}, coords)
}

func TestLocalIndexIsDense(t *testing.T) {
	seen := make(map[int]bool)
	for y := 0; y < ChunkSize; y++ {
		for z := 0; z < ChunkSize; z++ {
			for x := 0; x < ChunkSize; x++ {
				idx := LocalPos{x, y, z}.Index()
				if seen[idx] {
					t.Fatalf("индекс %d повторяется", idx)
				}
				seen[idx] = true
			}
		}
	}
	assert.Len(t, seen, ChunkSize*ChunkSize*ChunkSize)
}

func TestFaceOpposite(t *testing.T) {
	for _, f := range Faces {
		dx, dy, dz := f.Normal()
		ox, oy, oz := f.Opposite().Normal()
		assert.Equal(t, [3]int{-dx, -dy, -dz}, [3]int{ox, oy, oz}, "грань %s", f)
	}
}
