package vec

import "fmt"

// ChunkSize размер стороны чанка в блоках
const ChunkSize = 32

// ChunkCoord координаты чанка в сетке чанков
type ChunkCoord struct {
	X int32
	Y int32
	Z int32
}

// Less задаёт полный порядок X → Y → Z для детерминированного обхода
func (c ChunkCoord) Less(other ChunkCoord) bool {
	if c.X != other.X {
		return c.X < other.X
	}
	if c.Y != other.Y {
		return c.Y < other.Y
	}
	return c.Z < other.Z
}

// Add возвращает соседний чанк со смещением
func (c ChunkCoord) Add(dx, dy, dz int32) ChunkCoord {
	return ChunkCoord{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// Origin возвращает мировую позицию минимального угла чанка
func (c ChunkCoord) Origin() BlockPos {
	return BlockPos{
		X: int(c.X) * ChunkSize,
		Y: int(c.Y) * ChunkSize,
		Z: int(c.Z) * ChunkSize,
	}
}

// ChebyshevDistance расстояние по максимальной оси между чанками
func (c ChunkCoord) ChebyshevDistance(other ChunkCoord) int32 {
	return max32(abs32(c.X-other.X), max32(abs32(c.Y-other.Y), abs32(c.Z-other.Z)))
}

// DistanceSquared квадрат расстояния между чанками
func (c ChunkCoord) DistanceSquared(other ChunkCoord) int64 {
	dx := int64(c.X - other.X)
	dy := int64(c.Y - other.Y)
	dz := int64(c.Z - other.Z)
	return dx*dx + dy*dy + dz*dz
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%d:%d:%d", c.X, c.Y, c.Z)
}

// Face направления шести граней куба
type Face uint8

const (
	FaceEast  Face = iota // +X
	FaceWest              // -X
	FaceUp                // +Y
	FaceDown              // -Y
	FaceSouth             // +Z
	FaceNorth             // -Z
)

// Faces все грани в фиксированном порядке
var Faces = [6]Face{FaceEast, FaceWest, FaceUp, FaceDown, FaceSouth, FaceNorth}

// Normal возвращает единичную нормаль грани
func (f Face) Normal() (int, int, int) {
	switch f {
	case FaceEast:
		return 1, 0, 0
	case FaceWest:
		return -1, 0, 0
	case FaceUp:
		return 0, 1, 0
	case FaceDown:
		return 0, -1, 0
	case FaceSouth:
		return 0, 0, 1
	default:
		return 0, 0, -1
	}
}

// Opposite возвращает противоположную грань
func (f Face) Opposite() Face {
	return f ^ 1
}

func (f Face) String() string {
	switch f {
	case FaceEast:
		return "east"
	case FaceWest:
		return "west"
	case FaceUp:
		return "up"
	case FaceDown:
		return "down"
	case FaceSouth:
		return "south"
	default:
		return "north"
	}
}

// BlockPos мировая координата блока
type BlockPos struct {
	X int
	Y int
	Z int
}

// ChunkOf возвращает чанк, содержащий блок (деление с округлением вниз)
func (p BlockPos) ChunkOf() ChunkCoord {
	return ChunkCoord{
		X: int32(floorDiv(p.X, ChunkSize)),
		Y: int32(floorDiv(p.Y, ChunkSize)),
		Z: int32(floorDiv(p.Z, ChunkSize)),
	}
}

// Local возвращает локальную позицию блока внутри его чанка
func (p BlockPos) Local() LocalPos {
	return LocalPos{
		X: floorMod(p.X, ChunkSize),
		Y: floorMod(p.Y, ChunkSize),
		Z: floorMod(p.Z, ChunkSize),
	}
}

// Offset сдвигает позицию по нормали грани
func (p BlockPos) Offset(f Face) BlockPos {
	dx, dy, dz := f.Normal()
	return BlockPos{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz}
}

// Add складывает две позиции
func (p BlockPos) Add(other BlockPos) BlockPos {
	return BlockPos{X: p.X + other.X, Y: p.Y + other.Y, Z: p.Z + other.Z}
}

// LocalPos позиция блока внутри чанка, каждая ось в [0, ChunkSize)
type LocalPos struct {
	X int
	Y int
	Z int
}

// InBounds проверяет, что позиция лежит внутри чанка
func (l LocalPos) InBounds() bool {
	return l.X >= 0 && l.X < ChunkSize &&
		l.Y >= 0 && l.Y < ChunkSize &&
		l.Z >= 0 && l.Z < ChunkSize
}

// Index возвращает индекс в плоском массиве блоков чанка
func (l LocalPos) Index() int {
	return (l.Y*ChunkSize+l.Z)*ChunkSize + l.X
}

// World переводит локальную позицию в мировую
func (l LocalPos) World(c ChunkCoord) BlockPos {
	o := c.Origin()
	return BlockPos{X: o.X + l.X, Y: o.Y + l.Y, Z: o.Z + l.Z}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
