package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
)

// ErrStorageClosed операция над закрытым хранилищем
var ErrStorageClosed = errors.New("хранилище не готово")

// chunkHeaderSize заголовок значения: номер последней правки (uint64 LE)
const chunkHeaderSize = 8

// BadgerChunkStore сохраняет чанки мира в BadgerDB.
// Значение: заголовок с номером правки и zstd-сжатый массив блоков.
type BadgerChunkStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBadgerChunkStore открывает хранилище чанков в каталоге dataPath/world
func NewBadgerChunkStore(dataPath string) (*BadgerChunkStore, error) {
	dbPath := filepath.Join(dataPath, "world")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}

	return &BadgerChunkStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func chunkKey(coord vec.ChunkCoord) []byte {
	return []byte(fmt.Sprintf("chunk:%d:%d:%d", coord.X, coord.Y, coord.Z))
}

// Save сохраняет чанк целиком (реализует world.Persistence)
func (bs *BadgerChunkStore) Save(ctx context.Context, chunk *world.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrStorageClosed
	}

	raw := world.EncodeBlocks(chunk.Snapshot())
	value := make([]byte, chunkHeaderSize, chunkHeaderSize+len(raw)/4)
	binary.LittleEndian.PutUint64(value, chunk.EditSeq())
	value = bs.encoder.EncodeAll(raw, value)

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(chunk.Coord()), value)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Load загружает чанк; found=false, если чанк ещё не сохранялся
func (bs *BadgerChunkStore) Load(ctx context.Context, coord vec.ChunkCoord) (*world.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, false, ErrStorageClosed
	}

	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(coord))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})

	// Если чанк не найден, его нужно сгенерировать
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	if len(data) < chunkHeaderSize {
		return nil, false, fmt.Errorf("повреждённая запись чанка %s", coord)
	}
	editSeq := binary.LittleEndian.Uint64(data[:chunkHeaderSize])

	raw, err := bs.decoder.DecodeAll(data[chunkHeaderSize:], make([]byte, 0, world.EncodedBlocksSize))
	if err != nil {
		return nil, false, fmt.Errorf("ошибка распаковки чанка %s: %w", coord, err)
	}
	blocks, err := world.DecodeBlocks(raw)
	if err != nil {
		return nil, false, fmt.Errorf("чанк %s: %w", coord, err)
	}

	return world.NewChunkFromBlocks(coord, blocks, editSeq), true, nil
}

// Delete удаляет сохранённый чанк
func (bs *BadgerChunkStore) Delete(coord vec.ChunkCoord) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrStorageClosed
	}
	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(coord))
	})
}

// Count возвращает количество сохранённых чанков
func (bs *BadgerChunkStore) Count() (int, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return 0, ErrStorageClosed
	}

	count := 0
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("chunk:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close закрывает хранилище данных
func (bs *BadgerChunkStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	bs.encoder.Close()
	bs.decoder.Close()
	return bs.db.Close()
}

// MemoryChunkStore хранит чанки в памяти; для тестов и запуска без диска
type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[vec.ChunkCoord]memoryChunk
}

type memoryChunk struct {
	blocks  *world.Blocks
	editSeq uint64
}

// NewMemoryChunkStore создаёт пустое хранилище в памяти
func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{chunks: make(map[vec.ChunkCoord]memoryChunk)}
}

// Save реализует world.Persistence
func (ms *MemoryChunkStore) Save(ctx context.Context, chunk *world.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.chunks[chunk.Coord()] = memoryChunk{blocks: chunk.Snapshot(), editSeq: chunk.EditSeq()}
	return nil
}

// Load реализует world.Persistence
func (ms *MemoryChunkStore) Load(ctx context.Context, coord vec.ChunkCoord) (*world.Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	mc, ok := ms.chunks[coord]
	if !ok {
		return nil, false, nil
	}
	return world.NewChunkFromBlocks(coord, mc.blocks, mc.editSeq), true, nil
}

// Len количество сохранённых чанков
func (ms *MemoryChunkStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.chunks)
}
