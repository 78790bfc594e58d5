package world

import (
	"encoding/binary"
	"fmt"

	"github.com/annel0/blockverse/internal/world/block"
)

// EncodedBlocksSize размер сериализованного массива блоков в байтах
const EncodedBlocksSize = BlockCount * 2

// EncodeBlocks сериализует блоки в little-endian uint16
func EncodeBlocks(blocks *Blocks) []byte {
	out := make([]byte, EncodedBlocksSize)
	for i, id := range blocks {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(id))
	}
	return out
}

// DecodeBlocks обратная операция к EncodeBlocks
func DecodeBlocks(data []byte) (*Blocks, error) {
	if len(data) != EncodedBlocksSize {
		return nil, fmt.Errorf("неверный размер блоков чанка: %d байт, ожидалось %d", len(data), EncodedBlocksSize)
	}

	blocks := new(Blocks)
	for i := range blocks {
		blocks[i] = block.BlockID(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return blocks, nil
}
