package world

import (
	"math"

	"github.com/annel0/blockverse/internal/util"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world/block"
)

// Параметры рельефа по умолчанию
const (
	DefaultBaseHeight = 16   // средняя высота поверхности в блоках
	DefaultAmplitude  = 24   // размах высот
	DefaultWaterLevel = 12   // ниже этого уровня пустоты заполняются водой
	DefaultNoiseScale = 0.02 // сглаженность ландшафта
)

// PerlinGenerator генерирует ландшафт по карте высот из шума Перлина.
// Результат зависит только от сида и координат чанка.
type PerlinGenerator struct {
	Seed       int64
	BaseHeight int
	Amplitude  int
	WaterLevel int
	NoiseScale float64

	noise *util.Noise
}

// NewPerlinGenerator создаёт новый генератор мира
func NewPerlinGenerator(seed int64) *PerlinGenerator {
	return &PerlinGenerator{
		Seed:       seed,
		BaseHeight: DefaultBaseHeight,
		Amplitude:  DefaultAmplitude,
		WaterLevel: DefaultWaterLevel,
		NoiseScale: DefaultNoiseScale,
		noise:      util.NewNoise(seed),
	}
}

// SurfaceHeight возвращает мировую высоту первого блока воздуха над поверхностью
func (g *PerlinGenerator) SurfaceHeight(x, z int) int {
	n := g.noise.At2D(float64(x)*g.NoiseScale, float64(z)*g.NoiseScale)
	return g.BaseHeight + int(math.Floor((n-0.5)*float64(g.Amplitude)))
}

// Generate генерирует чанк по его координатам
func (g *PerlinGenerator) Generate(coord vec.ChunkCoord) *Chunk {
	chunk := NewChunk(coord)
	origin := coord.Origin()

	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			height := g.SurfaceHeight(origin.X+x, origin.Z+z)

			for y := 0; y < ChunkSize; y++ {
				id := g.blockFor(origin.Y+y, height)
				if id != block.AirBlockID {
					chunk.set(vec.LocalPos{X: x, Y: y, Z: z}, id)
				}
			}
		}
	}
	return chunk
}

// blockFor выбирает блок для мировой высоты wy при поверхности height
func (g *PerlinGenerator) blockFor(wy, height int) block.BlockID {
	switch {
	case wy < height-4:
		return block.StoneBlockID
	case wy < height-1:
		return block.DirtBlockID
	case wy < height:
		// Поверхность у воды — песок
		if height <= g.WaterLevel+1 {
			return block.SandBlockID
		}
		return block.GrassBlockID
	case wy < g.WaterLevel:
		return block.WaterBlockID
	default:
		return block.AirBlockID
	}
}

// FlatGenerator плоский мир: твёрдый блок ниже уровня Height, выше воздух
type FlatGenerator struct {
	Height int
	Block  block.BlockID
}

// Generate реализует Generator
func (g FlatGenerator) Generate(coord vec.ChunkCoord) *Chunk {
	chunk := NewChunk(coord)
	origin := coord.Origin()

	for y := 0; y < ChunkSize; y++ {
		if origin.Y+y >= g.Height {
			break
		}
		for z := 0; z < ChunkSize; z++ {
			for x := 0; x < ChunkSize; x++ {
				chunk.set(vec.LocalPos{X: x, Y: y, Z: z}, g.Block)
			}
		}
	}
	return chunk
}
