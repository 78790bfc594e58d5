// Package visibility отсекает чанки по пирамиде видимости камеры и
// упорядочивает видимые чанки от ближних к дальним.
package visibility

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/vec"
)

// Camera параметры камеры; углы в радианах, FovY — вертикальный угол обзора
type Camera struct {
	Position mgl64.Vec3
	Yaw      float64
	Pitch    float64
	FovY     float64
	Aspect   float64
	Near     float64
	Far      float64
}

// Forward направление взгляда: yaw=0 смотрит в -Z, положительный pitch — вверх
func (c Camera) Forward() mgl64.Vec3 {
	cp := math.Cos(c.Pitch)
	return mgl64.Vec3{-math.Sin(c.Yaw) * cp, math.Sin(c.Pitch), -math.Cos(c.Yaw) * cp}
}

// ViewProjection матрица проекции, умноженная на матрицу вида
func (c Camera) ViewProjection() mgl64.Mat4 {
	proj := mgl64.Perspective(c.FovY, c.Aspect, c.Near, c.Far)
	view := mgl64.LookAtV(c.Position, c.Position.Add(c.Forward()), mgl64.Vec3{0, 1, 0})
	return proj.Mul4(view)
}

// Plane плоскость n·p + d >= 0 для точек внутри; нормаль единичная
type Plane struct {
	Normal mgl64.Vec3
	D      float64
}

// NewPlane создаёт нормализованную плоскость ax + by + cz + d = 0
func NewPlane(a, b, c, d float64) Plane {
	n := mgl64.Vec3{a, b, c}
	l := n.Len()
	if l == 0 {
		return Plane{D: d}
	}
	return Plane{Normal: n.Mul(1 / l), D: d / l}
}

// Distance знаковое расстояние от точки до плоскости
func (p Plane) Distance(point mgl64.Vec3) float64 {
	return p.Normal.Dot(point) + p.D
}

// Frustum шесть плоскостей пирамиды видимости и позиция наблюдателя
type Frustum struct {
	Planes [6]Plane
	Eye    mgl64.Vec3
}

// NewFrustum извлекает плоскости из матрицы вида-проекции (метод Грибба — Хартманна)
func NewFrustum(c Camera) Frustum {
	m := c.ViewProjection()
	r0, r1, r2, r3 := m.Row(0), m.Row(1), m.Row(2), m.Row(3)

	planeOf := func(v mgl64.Vec4) Plane {
		return NewPlane(v[0], v[1], v[2], v[3])
	}

	return Frustum{
		Planes: [6]Plane{
			planeOf(r3.Add(r0)), // левая
			planeOf(r3.Sub(r0)), // правая
			planeOf(r3.Add(r1)), // нижняя
			planeOf(r3.Sub(r1)), // верхняя
			planeOf(r3.Add(r2)), // ближняя
			planeOf(r3.Sub(r2)), // дальняя
		},
		Eye: c.Position,
	}
}

// ChunkBounds мировой AABB чанка
func ChunkBounds(coord vec.ChunkCoord) (mgl64.Vec3, mgl64.Vec3) {
	o := coord.Origin()
	min := mgl64.Vec3{float64(o.X), float64(o.Y), float64(o.Z)}
	return min, min.Add(mgl64.Vec3{vec.ChunkSize, vec.ChunkSize, vec.ChunkSize})
}

// ChunkCenter центр чанка в мировых координатах
func ChunkCenter(coord vec.ChunkCoord) mgl64.Vec3 {
	min, max := ChunkBounds(coord)
	return min.Add(max).Mul(0.5)
}

// IntersectsAABB проверяет, что коробка не лежит целиком снаружи ни одной плоскости.
// margin расширяет пирамиду наружу.
func (f Frustum) IntersectsAABB(min, max mgl64.Vec3, margin float64) bool {
	for _, p := range f.Planes {
		// Вершина коробки, ближайшая к внутренней стороне плоскости
		var pv mgl64.Vec3
		for i := 0; i < 3; i++ {
			if p.Normal[i] >= 0 {
				pv[i] = max[i]
			} else {
				pv[i] = min[i]
			}
		}
		if p.Distance(pv) < -margin {
			return false
		}
	}
	return true
}
