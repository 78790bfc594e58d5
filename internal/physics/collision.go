package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// epsilon допуск при переводе границ коробки в индексы вокселей
const epsilon = 1e-7

// AABB коробка, выровненная по осям
type AABB struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

// Translate сдвигает коробку
func (b AABB) Translate(d mgl64.Vec3) AABB {
	return AABB{Min: b.Min.Add(d), Max: b.Max.Add(d)}
}

// Intersects проверяет пересечение с другой коробкой (касание не считается)
func (b AABB) Intersects(o AABB) bool {
	for i := 0; i < 3; i++ {
		if b.Max[i] <= o.Min[i] || b.Min[i] >= o.Max[i] {
			return false
		}
	}
	return true
}

// BlockBox коробка вокселя
func BlockBox(p vec.BlockPos) AABB {
	min := mgl64.Vec3{float64(p.X), float64(p.Y), float64(p.Z)}
	return AABB{Min: min, Max: min.Add(mgl64.Vec3{1, 1, 1})}
}

// voxelRange индексы вокселей, которые коробка перекрывает по оси
func voxelRange(min, max float64) (int, int) {
	return int(math.Floor(min + epsilon)), int(math.Floor(max - epsilon))
}

// SolidQuery источник твёрдости вокселей
type SolidQuery interface {
	IsSolid(pos vec.BlockPos) bool
}

// StoreQuery твёрдость по хранилищу чанков; незагруженный чанк считается твёрдым
type StoreQuery struct {
	Store    *world.ChunkStore
	Registry *block.Registry
}

// IsSolid реализует SolidQuery
func (q StoreQuery) IsSolid(pos vec.BlockPos) bool {
	id, loaded := q.Store.BlockAt(pos)
	if !loaded {
		return true
	}
	return q.Registry.IsSolid(id)
}

// IntersectsSolid проверяет, перекрывает ли коробка хотя бы один твёрдый воксель
func IntersectsSolid(q SolidQuery, box AABB) bool {
	x0, x1 := voxelRange(box.Min[0], box.Max[0])
	y0, y1 := voxelRange(box.Min[1], box.Max[1])
	z0, z1 := voxelRange(box.Min[2], box.Max[2])

	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			for z := z0; z <= z1; z++ {
				if q.IsSolid(vec.BlockPos{X: x, Y: y, Z: z}) {
					return true
				}
			}
		}
	}
	return false
}

// layerSolid есть ли твёрдый воксель в слое k оси axis в сечении коробки
func layerSolid(q SolidQuery, box AABB, axis, k int) bool {
	u, v := (axis+1)%3, (axis+2)%3
	u0, u1 := voxelRange(box.Min[u], box.Max[u])
	v0, v1 := voxelRange(box.Min[v], box.Max[v])

	var p [3]int
	p[axis] = k
	for a := u0; a <= u1; a++ {
		for b := v0; b <= v1; b++ {
			p[u], p[v] = a, b
			if q.IsSolid(vec.BlockPos{X: p[0], Y: p[1], Z: p[2]}) {
				return true
			}
		}
	}
	return false
}

// SweepAxis сдвигает коробку вдоль оси на delta, проверяя каждый пересекаемый слой вокселей.
// Возвращает фактический сдвиг и признак столкновения. Коробка, уже пересекающая твёрдый
// воксель, двигается свободно, пока не выйдет из него.
func SweepAxis(q SolidQuery, box AABB, axis int, delta float64) (float64, bool) {
	if delta == 0 {
		return 0, false
	}
	if IntersectsSolid(q, box) {
		return delta, false
	}

	if delta > 0 {
		edge := box.Max[axis]
		target := float64(edge + delta)
		for k := int(math.Ceil(edge - epsilon)); float64(k) < target; k++ {
			if layerSolid(q, box, axis, k) {
				return math.Max(0, float64(k)-edge), true
			}
		}
		return delta, false
	}

	edge := box.Min[axis]
	target := float64(edge + delta)
	for k := int(math.Floor(edge+epsilon)) - 1; float64(k+1) > target; k-- {
		if layerSolid(q, box, axis, k) {
			return math.Min(0, float64(k+1)-edge), true
		}
	}
	return delta, false
}
