package visibility

import (
	"sort"

	"github.com/annel0/blockverse/internal/vec"
)

// DefaultMargin запас в блоках, на который видимый в прошлом кадре чанк может выйти за пирамиду
const DefaultMargin = 4.0

// Set набор видимых чанков с гистерезисом между кадрами
type Set struct {
	margin   float64
	previous map[vec.ChunkCoord]struct{}
	visible  []vec.ChunkCoord
}

// NewSet создаёт пустой набор
func NewSet(margin float64) *Set {
	return &Set{margin: margin, previous: make(map[vec.ChunkCoord]struct{})}
}

// Update отбирает видимые чанки из coords и сортирует их от ближних к дальним.
// Чанк, видимый в прошлом кадре, остаётся видимым, пока не выйдет за пирамиду больше чем на margin.
func (s *Set) Update(f Frustum, coords []vec.ChunkCoord) []vec.ChunkCoord {
	visible := make([]vec.ChunkCoord, 0, len(coords))
	next := make(map[vec.ChunkCoord]struct{}, len(coords))

	for _, coord := range coords {
		margin := 0.0
		if _, was := s.previous[coord]; was {
			margin = s.margin
		}

		min, max := ChunkBounds(coord)
		if f.IntersectsAABB(min, max, margin) {
			visible = append(visible, coord)
			next[coord] = struct{}{}
		}
	}

	dist := make(map[vec.ChunkCoord]float64, len(visible))
	for _, coord := range visible {
		d := ChunkCenter(coord).Sub(f.Eye)
		dist[coord] = d.Dot(d)
	}
	sort.Slice(visible, func(i, j int) bool {
		di, dj := dist[visible[i]], dist[visible[j]]
		if di != dj {
			return di < dj
		}
		return visible[i].Less(visible[j])
	})

	s.previous = next
	s.visible = visible
	return visible
}

// Visible результат последнего Update
func (s *Set) Visible() []vec.ChunkCoord {
	return s.visible
}

// WasVisible был ли чанк видим в последнем кадре
func (s *Set) WasVisible(coord vec.ChunkCoord) bool {
	_, ok := s.previous[coord]
	return ok
}
