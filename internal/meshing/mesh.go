// Package meshing строит геометрию чанков: отсечение скрытых граней,
// запечённое ambient occlusion и кэш мешей с фоновым пулом воркеров.
package meshing

import (
	"fmt"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

const size = world.ChunkSize

// FlagBoundary вершина принадлежит граничной заглушке перед незагруженным соседом
const FlagBoundary uint8 = 1

// Vertex вершина меша в локальных координатах чанка
type Vertex struct {
	Pos   [3]float32
	Face  vec.Face
	AO    uint8   // 0 — максимальное затенение, 3 — без затенения
	Light float32 // яркость с учётом AO и ориентации грани
	Block block.BlockID
	Flags uint8
}

// MeshTag версии чанка и шести соседей (порядок vec.Faces); 0 — сосед отсутствует
type MeshTag [7]uint64

// ChunkMesh готовая геометрия одного чанка
type ChunkMesh struct {
	Coord    vec.ChunkCoord
	Tag      MeshTag
	Vertices []Vertex
	Indices  []uint32
}

// QuadCount количество четырёхугольников
func (m *ChunkMesh) QuadCount() int {
	return len(m.Vertices) / 4
}

// BoundaryQuads количество граничных заглушек
func (m *ChunkMesh) BoundaryQuads() int {
	n := 0
	for i := 0; i < len(m.Vertices); i += 4 {
		if m.Vertices[i].Flags&FlagBoundary != 0 {
			n++
		}
	}
	return n
}

// MeshInput снимок чанка и его соседей, по которому строится меш
type MeshInput struct {
	Coord     vec.ChunkCoord
	Tag       MeshTag
	Center    *world.Blocks
	Neighbors [6]*world.Blocks // индекс — vec.Face; nil — сосед не загружен
}

// Яркость AO уровней 0..3
var aoCurve = [4]float32{0.4, 0.6, 0.8, 1.0}

// Затенение по ориентации грани
var faceShade = [6]float32{
	vec.FaceEast:  0.8,
	vec.FaceWest:  0.8,
	vec.FaceUp:    1.0,
	vec.FaceDown:  0.5,
	vec.FaceSouth: 0.7,
	vec.FaceNorth: 0.7,
}

// Build строит меш чанка. Чистая функция: одинаковый вход даёт одинаковый меш.
// Грани непрозрачных соседей не выводятся; отсутствующий сосед считается твёрдым,
// поэтому на прозрачных граничных вокселях выводится заглушка.
func Build(in MeshInput, reg *block.Registry) *ChunkMesh {
	if in.Center == nil {
		panic("meshing: пустой снимок чанка")
	}

	b := builder{in: &in, reg: reg, mesh: &ChunkMesh{Coord: in.Coord, Tag: in.Tag}}

	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				b.voxel(x, y, z)
			}
		}
	}
	return b.mesh
}

type builder struct {
	in   *MeshInput
	reg  *block.Registry
	mesh *ChunkMesh
}

func (b *builder) voxel(x, y, z int) {
	id := b.in.Center[vec.LocalPos{X: x, Y: y, Z: z}.Index()]
	opaque := b.reg.IsOpaque(id)

	for _, f := range vec.Faces {
		dx, dy, dz := f.Normal()
		nid, missing := b.adjacent(x+dx, y+dy, z+dz)

		if missing {
			// Заглушка со стороны незагруженного соседа
			if !opaque {
				b.emit(x+dx, y+dy, z+dz, f.Opposite(), block.AirBlockID, FlagBoundary)
			}
			continue
		}

		if id == block.AirBlockID || b.reg.IsOpaque(nid) || nid == id {
			continue
		}
		b.emit(x, y, z, f, id, 0)
	}
}

// adjacent возвращает блок в соседней по грани ячейке; missing — сосед не загружен
func (b *builder) adjacent(x, y, z int) (block.BlockID, bool) {
	blocks, lx, ly, lz, outside := b.locate(x, y, z)
	if outside > 1 {
		panic(fmt.Sprintf("meshing: ячейка %d,%d,%d не является соседней по грани", x, y, z))
	}
	if blocks == nil {
		return block.AirBlockID, true
	}
	return blocks[vec.LocalPos{X: lx, Y: ly, Z: lz}.Index()], false
}

// occludes решает, затеняет ли ячейка вершину. Незагруженный сосед затеняет,
// ячейки за ребром или углом чанка (вне шести соседей) не затеняют.
func (b *builder) occludes(x, y, z int) bool {
	blocks, lx, ly, lz, outside := b.locate(x, y, z)
	if outside > 1 {
		return false
	}
	if blocks == nil {
		return true
	}
	return b.reg.IsOpaque(blocks[vec.LocalPos{X: lx, Y: ly, Z: lz}.Index()])
}

// locate находит массив блоков для ячейки в окрестности чанка шириной в один воксель.
// Доступ дальше одного вокселя за границей — ошибка программы.
func (b *builder) locate(x, y, z int) (*world.Blocks, int, int, int, int) {
	if x < -1 || x > size || y < -1 || y > size || z < -1 || z > size {
		panic(fmt.Sprintf("meshing: доступ за пределы окрестности чанка: %d,%d,%d", x, y, z))
	}

	outside := 0
	face := vec.Face(0)
	lx, ly, lz := x, y, z

	switch {
	case x < 0:
		outside, face, lx = outside+1, vec.FaceWest, size-1
	case x >= size:
		outside, face, lx = outside+1, vec.FaceEast, 0
	}
	switch {
	case y < 0:
		outside, face, ly = outside+1, vec.FaceDown, size-1
	case y >= size:
		outside, face, ly = outside+1, vec.FaceUp, 0
	}
	switch {
	case z < 0:
		outside, face, lz = outside+1, vec.FaceNorth, size-1
	case z >= size:
		outside, face, lz = outside+1, vec.FaceSouth, 0
	}

	switch outside {
	case 0:
		return b.in.Center, lx, ly, lz, 0
	case 1:
		return b.in.Neighbors[face], lx, ly, lz, 1
	default:
		return nil, lx, ly, lz, outside
	}
}

// faceAxes ось нормали и две касательные оси грани (правая тройка u, v, нормаль)
func faceAxes(f vec.Face) (axis, u, v int, positive bool) {
	axis = int(f) / 2
	return axis, (axis + 1) % 3, (axis + 2) % 3, f%2 == 0
}

// Углы квада в порядке обхода против часовой стрелки при взгляде снаружи
var (
	cornersPositive = [4][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	cornersNegative = [4][2]int{{0, 0}, {0, 1}, {1, 1}, {1, 0}}
)

// emit добавляет квад грани f вокселя (x,y,z)
func (b *builder) emit(x, y, z int, f vec.Face, id block.BlockID, flags uint8) {
	axis, u, v, positive := faceAxes(f)
	p := [3]int{x, y, z}

	corners := cornersNegative
	plane := p[axis]
	if positive {
		corners = cornersPositive
		plane++
	}

	// Слой ячеек снаружи грани
	out := p
	if positive {
		out[axis]++
	} else {
		out[axis]--
	}

	base := uint32(len(b.mesh.Vertices))
	var ao [4]uint8

	for i, c := range corners {
		var pos [3]int
		pos[axis] = plane
		pos[u] = p[u] + c[0]
		pos[v] = p[v] + c[1]

		level := uint8(3)
		if flags&FlagBoundary == 0 {
			level = b.cornerAO(out, u, v, c[0]*2-1, c[1]*2-1)
		}
		ao[i] = level

		b.mesh.Vertices = append(b.mesh.Vertices, Vertex{
			Pos:   [3]float32{float32(pos[0]), float32(pos[1]), float32(pos[2])},
			Face:  f,
			AO:    level,
			Light: aoCurve[level] * faceShade[f],
			Block: id,
			Flags: flags,
		})
	}

	// Делим квад по более яркой диагонали
	if int(ao[0])+int(ao[2]) >= int(ao[1])+int(ao[3]) {
		b.mesh.Indices = append(b.mesh.Indices, base, base+1, base+2, base, base+2, base+3)
	} else {
		b.mesh.Indices = append(b.mesh.Indices, base+1, base+2, base+3, base+1, base+3, base)
	}
}

// cornerAO уровень затенения вершины по двум боковым и одной угловой ячейке внешнего слоя
func (b *builder) cornerAO(out [3]int, u, v, su, sv int) uint8 {
	s1 := out
	s1[u] += su
	s2 := out
	s2[v] += sv
	c := out
	c[u] += su
	c[v] += sv

	side1 := b.occludes(s1[0], s1[1], s1[2])
	side2 := b.occludes(s2[0], s2[1], s2[2])
	if side1 && side2 {
		return 0
	}

	n := 0
	if side1 {
		n++
	}
	if side2 {
		n++
	}
	if b.occludes(c[0], c[1], c[2]) {
		n++
	}
	return uint8(3 - n)
}
