package world

import (
	"sync/atomic"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world/block"
)

// ChunkSize размер стороны чанка в блоках
const ChunkSize = vec.ChunkSize

// BlockCount количество блоков в чанке
const BlockCount = ChunkSize * ChunkSize * ChunkSize

// Blocks плоский массив блоков чанка, индекс (y*32+z)*32+x
type Blocks [BlockCount]block.BlockID

// Chunk представляет участок мира размером 32x32x32 блока.
// Содержимое меняется только через ChunkStore в потоке симуляции.
type Chunk struct {
	coord  vec.ChunkCoord
	blocks Blocks

	version uint64 // выдаётся глобальными часами хранилища, строго растёт
	dirty   bool   // есть несохранённые изменения
	editSeq uint64 // последняя подтверждённая правка от авторитетной стороны

	lastAccess atomic.Uint64 // тик последнего обращения, для LRU
}

// NewChunk создаёт пустой чанк (целиком воздух)
func NewChunk(coord vec.ChunkCoord) *Chunk {
	return &Chunk{coord: coord}
}

// NewChunkFromBlocks создаёт чанк из готового массива блоков (загрузка, сеть)
func NewChunkFromBlocks(coord vec.ChunkCoord, blocks *Blocks, editSeq uint64) *Chunk {
	c := &Chunk{coord: coord, editSeq: editSeq}
	c.blocks = *blocks
	return c
}

// Coord возвращает координаты чанка
func (c *Chunk) Coord() vec.ChunkCoord { return c.coord }

// Version возвращает текущую версию содержимого
func (c *Chunk) Version() uint64 { return c.version }

// Dirty сообщает о наличии несохранённых изменений
func (c *Chunk) Dirty() bool { return c.dirty }

// EditSeq возвращает номер последней применённой правки
func (c *Chunk) EditSeq() uint64 { return c.editSeq }

// Block возвращает блок по локальной позиции
func (c *Chunk) Block(local vec.LocalPos) block.BlockID {
	return c.blocks[local.Index()]
}

// BlockAt возвращает блок по индексу плоского массива
func (c *Chunk) BlockAt(index int) block.BlockID {
	return c.blocks[index]
}

// Snapshot копирует блоки для чтения вне потока симуляции
func (c *Chunk) Snapshot() *Blocks {
	snap := new(Blocks)
	*snap = c.blocks
	return snap
}

// IsEmpty проверяет, что чанк целиком из воздуха
func (c *Chunk) IsEmpty() bool {
	for _, id := range c.blocks {
		if id != block.AirBlockID {
			return false
		}
	}
	return true
}

// set меняет блок без выдачи версии; используется генератором до установки в хранилище
func (c *Chunk) set(local vec.LocalPos, id block.BlockID) {
	c.blocks[local.Index()] = id
}

func (c *Chunk) touch(tick uint64) {
	c.lastAccess.Store(tick)
}

// detach копия для сохранения вне блокировки хранилища
func (c *Chunk) detach() *Chunk {
	cp := NewChunkFromBlocks(c.coord, &c.blocks, c.editSeq)
	cp.version = c.version
	return cp
}

// markSaved сбрасывает флаг изменений после успешного сохранения
func (c *Chunk) markSaved() {
	c.dirty = false
}
