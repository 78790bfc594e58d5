package world

import (
	"sort"

	"github.com/annel0/blockverse/internal/vec"
)

// RenderDistance дальность обзора в чанках, отдельно для каждого направления оси
type RenderDistance struct {
	XMin int32 `yaml:"x_min"`
	XMax int32 `yaml:"x_max"`
	YMin int32 `yaml:"y_min"`
	YMax int32 `yaml:"y_max"`
	ZMin int32 `yaml:"z_min"`
	ZMax int32 `yaml:"z_max"`
}

// UniformDistance одинаковая дальность по всем осям
func UniformDistance(r int32) RenderDistance {
	return RenderDistance{XMin: r, XMax: r, YMin: r, YMax: r, ZMin: r, ZMax: r}
}

// Contains проверяет, попадает ли чанк в область обзора вокруг центра
func (d RenderDistance) Contains(center, coord vec.ChunkCoord) bool {
	dx := coord.X - center.X
	dy := coord.Y - center.Y
	dz := coord.Z - center.Z
	return dx >= -d.XMin && dx <= d.XMax &&
		dy >= -d.YMin && dy <= d.YMax &&
		dz >= -d.ZMin && dz <= d.ZMax
}

// Expand расширяет область на n чанков во все стороны
func (d RenderDistance) Expand(n int32) RenderDistance {
	return RenderDistance{
		XMin: d.XMin + n, XMax: d.XMax + n,
		YMin: d.YMin + n, YMax: d.YMax + n,
		ZMin: d.ZMin + n, ZMax: d.ZMax + n,
	}
}

// Volume количество чанков в области
func (d RenderDistance) Volume() int {
	return int(d.XMin+d.XMax+1) * int(d.YMin+d.YMax+1) * int(d.ZMin+d.ZMax+1)
}

// Coords возвращает все чанки области от ближних к дальним, равные по порядку координат
func (d RenderDistance) Coords(center vec.ChunkCoord) []vec.ChunkCoord {
	coords := make([]vec.ChunkCoord, 0, d.Volume())
	for x := -d.XMin; x <= d.XMax; x++ {
		for y := -d.YMin; y <= d.YMax; y++ {
			for z := -d.ZMin; z <= d.ZMax; z++ {
				coords = append(coords, center.Add(x, y, z))
			}
		}
	}
	SortNearFirst(coords, center)
	return coords
}

// SortNearFirst сортирует чанки по расстоянию до центра
func SortNearFirst(coords []vec.ChunkCoord, center vec.ChunkCoord) {
	sort.Slice(coords, func(i, j int) bool {
		di := coords[i].DistanceSquared(center)
		dj := coords[j].DistanceSquared(center)
		if di != dj {
			return di < dj
		}
		return coords[i].Less(coords[j])
	})
}

// Observer наблюдатель, удерживающий чанки вокруг себя (игрок, камера клиента)
type Observer struct {
	Center   vec.ChunkCoord
	Distance RenderDistance
}
