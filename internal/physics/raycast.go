package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/vec"
)

// Hit результат трассировки луча
type Hit struct {
	Block    vec.BlockPos
	Face     vec.Face // грань, через которую луч вошёл в блок
	Distance float64
}

// PlaceTarget позиция для установки блока рядом с гранью попадания
func (h Hit) PlaceTarget() vec.BlockPos {
	return h.Block.Offset(h.Face)
}

// Raycast проходит по вокселям вдоль луча (DDA) и возвращает первый твёрдый блок
func Raycast(q SolidQuery, origin, dir mgl64.Vec3, maxDist float64) (Hit, bool) {
	if dir.Len() == 0 {
		return Hit{}, false
	}
	dir = dir.Normalize()

	pos := [3]int{
		int(math.Floor(origin[0])),
		int(math.Floor(origin[1])),
		int(math.Floor(origin[2])),
	}

	var step [3]int
	var tMax, tDelta [3]float64
	for i := 0; i < 3; i++ {
		switch {
		case dir[i] > 0:
			step[i] = 1
			tMax[i] = (float64(pos[i]+1) - origin[i]) / dir[i]
			tDelta[i] = 1 / dir[i]
		case dir[i] < 0:
			step[i] = -1
			tMax[i] = (origin[i] - float64(pos[i])) / -dir[i]
			tDelta[i] = -1 / dir[i]
		default:
			tMax[i] = math.Inf(1)
			tDelta[i] = math.Inf(1)
		}
	}

	// Луч начинается внутри твёрдого блока
	start := vec.BlockPos{X: pos[0], Y: pos[1], Z: pos[2]}
	if q.IsSolid(start) {
		return Hit{Block: start, Face: entryFace(dominantAxis(dir), dir), Distance: 0}, true
	}

	for {
		axis := 0
		if tMax[1] < tMax[axis] {
			axis = 1
		}
		if tMax[2] < tMax[axis] {
			axis = 2
		}

		t := tMax[axis]
		if t > maxDist {
			return Hit{}, false
		}

		pos[axis] += step[axis]
		tMax[axis] += tDelta[axis]

		p := vec.BlockPos{X: pos[0], Y: pos[1], Z: pos[2]}
		if q.IsSolid(p) {
			return Hit{Block: p, Face: entryFace(axis, dir), Distance: t}, true
		}
	}
}

// entryFace грань блока, обращённая навстречу лучу по оси axis
func entryFace(axis int, dir mgl64.Vec3) vec.Face {
	positive := dir[axis] > 0
	switch axis {
	case 0:
		if positive {
			return vec.FaceWest
		}
		return vec.FaceEast
	case 1:
		if positive {
			return vec.FaceDown
		}
		return vec.FaceUp
	default:
		if positive {
			return vec.FaceNorth
		}
		return vec.FaceSouth
	}
}

func dominantAxis(dir mgl64.Vec3) int {
	axis := 0
	for i := 1; i < 3; i++ {
		if math.Abs(dir[i]) > math.Abs(dir[axis]) {
			axis = i
		}
	}
	return axis
}
