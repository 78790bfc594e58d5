package world

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world/block"
)

// memPersistence простое хранилище в памяти для тестов
type memPersistence struct {
	mu      sync.Mutex
	chunks  map[vec.ChunkCoord]*Blocks
	saves   int
	failErr error
}

func newMemPersistence() *memPersistence {
	return &memPersistence{chunks: make(map[vec.ChunkCoord]*Blocks)}
}

func (m *memPersistence) Load(_ context.Context, coord vec.ChunkCoord) (*Chunk, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks, ok := m.chunks[coord]
	if !ok {
		return nil, false, nil
	}
	return NewChunkFromBlocks(coord, blocks, 0), true, nil
}

func (m *memPersistence) Save(_ context.Context, c *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.chunks[c.Coord()] = c.Snapshot()
	m.saves++
	return nil
}

// awaitLoaded крутит Update, пока чанк не появится
func awaitLoaded(t *testing.T, s *ChunkStore, coord vec.ChunkCoord) *Chunk {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.Update()
		if c, ok := s.Get(coord); ok {
			return c
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("чанк %s не загрузился", coord)
	return nil
}

func newTestStore(t *testing.T, gen Generator, p Persistence) *ChunkStore {
	t.Helper()

	cfg := DefaultStoreConfig()
	cfg.Generator = gen
	cfg.Persistence = p
	s := NewChunkStore(cfg)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestEnsureLoadedIsAsyncAndIdempotent(t *testing.T) {
	s := newTestStore(t, FlatGenerator{Height: 4, Block: block.StoneBlockID}, nil)
	coord := vec.ChunkCoord{}

	_, ok := s.Get(coord)
	assert.False(t, ok, "до Update чанк не должен быть виден")

	var loaded []vec.ChunkCoord
	s.OnLoaded(func(c vec.ChunkCoord) { loaded = append(loaded, c) })

	s.EnsureLoaded(coord)
	s.EnsureLoaded(coord)
	c := awaitLoaded(t, s, coord)
	s.EnsureLoaded(coord)
	s.Update()

	assert.Equal(t, []vec.ChunkCoord{coord}, loaded)
	assert.Equal(t, block.StoneBlockID, c.Block(vec.LocalPos{X: 3, Y: 3, Z: 3}))
	assert.Equal(t, block.AirBlockID, c.Block(vec.LocalPos{X: 3, Y: 4, Z: 3}))
	assert.False(t, c.Dirty())
	assert.NotZero(t, c.Version())
}

func TestSetBlockVersionStrictlyIncreases(t *testing.T) {
	s := newTestStore(t, FlatGenerator{}, nil)
	coord := vec.ChunkCoord{X: 1}
	s.EnsureLoaded(coord)
	c := awaitLoaded(t, s, coord)

	seen := map[uint64]bool{c.Version(): true}
	last := c.Version()
	for i := 0; i < 100; i++ {
		v, err := s.SetBlock(coord, vec.LocalPos{X: i % 32, Y: 0, Z: 0}, block.BlockID(i%3))
		require.NoError(t, err)
		assert.Greater(t, v, last)
		assert.False(t, seen[v], "версия %d повторилась", v)
		seen[v] = true
		last = v
	}
	assert.True(t, c.Dirty())
}

func TestVersionNotReusedAfterReload(t *testing.T) {
	p := newMemPersistence()
	s := newTestStore(t, FlatGenerator{}, p)
	coord := vec.ChunkCoord{}

	s.EnsureLoaded(coord)
	awaitLoaded(t, s, coord)
	v1, err := s.SetBlock(coord, vec.LocalPos{}, block.StoneBlockID)
	require.NoError(t, err)

	require.NoError(t, s.Unload(context.Background(), coord))
	assert.Equal(t, 1, p.saves)

	s.EnsureLoaded(coord)
	c := awaitLoaded(t, s, coord)
	assert.Greater(t, c.Version(), v1)
	assert.Equal(t, block.StoneBlockID, c.Block(vec.LocalPos{}), "изменение должно быть сохранено")
}

func TestSetBlockErrors(t *testing.T) {
	s := newTestStore(t, FlatGenerator{}, nil)

	_, err := s.SetBlock(vec.ChunkCoord{}, vec.LocalPos{X: 32}, block.StoneBlockID)
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	_, err = s.SetBlock(vec.ChunkCoord{}, vec.LocalPos{X: -1}, block.StoneBlockID)
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	_, err = s.SetBlock(vec.ChunkCoord{X: 9}, vec.LocalPos{}, block.StoneBlockID)
	assert.True(t, errors.Is(err, ErrChunkNotLoaded))
}

func TestUnloadMissingIsNoop(t *testing.T) {
	s := newTestStore(t, FlatGenerator{}, nil)
	assert.NoError(t, s.Unload(context.Background(), vec.ChunkCoord{X: 5}))
}

func TestUnloadKeepsChunkWhenSaveFails(t *testing.T) {
	p := newMemPersistence()
	s := newTestStore(t, FlatGenerator{}, p)
	coord := vec.ChunkCoord{}
	s.EnsureLoaded(coord)
	awaitLoaded(t, s, coord)
	_, err := s.SetBlock(coord, vec.LocalPos{}, block.StoneBlockID)
	require.NoError(t, err)

	p.failErr = errors.New("диск заполнен")
	assert.Error(t, s.Unload(context.Background(), coord))
	_, ok := s.Get(coord)
	assert.True(t, ok)
}

func TestUnloadCancelsPendingLoad(t *testing.T) {
	gen := &blockingGenerator{release: make(chan struct{})}
	s := newTestStore(t, gen, nil)
	coord := vec.ChunkCoord{}

	s.EnsureLoaded(coord)
	require.NoError(t, s.Unload(context.Background(), coord))
	close(gen.release)

	time.Sleep(20 * time.Millisecond)
	s.Update()
	_, ok := s.Get(coord)
	assert.False(t, ok, "отменённая загрузка не должна устанавливаться")
}

type blockingGenerator struct {
	release chan struct{}
}

func (g *blockingGenerator) Generate(coord vec.ChunkCoord) *Chunk {
	<-g.release
	return NewChunk(coord)
}

func TestRetainEvictsOutsideRadiusAndRespectsPins(t *testing.T) {
	s := newTestStore(t, FlatGenerator{}, nil)

	coords := []vec.ChunkCoord{{X: 0}, {X: 1}, {X: 2}, {X: 3}, {X: 4}}
	for _, c := range coords {
		s.EnsureLoaded(c)
	}
	for _, c := range coords {
		awaitLoaded(t, s, c)
	}

	s.Pin(vec.ChunkCoord{X: 4})
	observers := []Observer{{Center: vec.ChunkCoord{}, Distance: UniformDistance(1)}}

	evicted := s.Retain(context.Background(), observers, 1)

	// радиус 1 плюс кольцо соседей: остаются 0, 1, 2; 4 закреплён
	assert.Equal(t, []vec.ChunkCoord{{X: 3}}, evicted)
	assert.Equal(t, []vec.ChunkCoord{{X: 0}, {X: 1}, {X: 2}, {X: 4}}, s.LoadedCoords())

	s.Unpin(vec.ChunkCoord{X: 4})
	evicted = s.Retain(context.Background(), observers, 2)
	assert.Equal(t, []vec.ChunkCoord{{X: 4}}, evicted)
}

func TestRetainEvictsLeastRecentlyUsedFirst(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.Generator = FlatGenerator{}
	cfg.MaxEvictionsPerTick = 1
	s := NewChunkStore(cfg)
	defer s.Close(context.Background())

	a, b := vec.ChunkCoord{X: 10}, vec.ChunkCoord{X: 20}
	s.EnsureLoaded(a)
	s.EnsureLoaded(b)
	awaitLoaded(t, s, a)
	awaitLoaded(t, s, b)

	s.Retain(context.Background(), []Observer{{Center: a, Distance: UniformDistance(0)}, {Center: b, Distance: UniformDistance(0)}}, 5)
	s.Get(a) // a использован на тике 5, b раньше

	evicted := s.Retain(context.Background(), nil, 6)
	assert.Equal(t, []vec.ChunkCoord{b}, evicted)
}

func TestCommitAndApplyEditOrdering(t *testing.T) {
	server := newTestStore(t, FlatGenerator{}, nil)
	coord := vec.ChunkCoord{}
	server.EnsureLoaded(coord)
	awaitLoaded(t, server, coord)

	e1, err := server.CommitEdit(coord, vec.LocalPos{X: 1}, block.StoneBlockID)
	require.NoError(t, err)
	e2, err := server.CommitEdit(coord, vec.LocalPos{X: 1}, block.DirtBlockID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)

	replica := NewChunkStore(DefaultStoreConfig())
	defer replica.Close(context.Background())
	replica.Insert(NewChunk(coord))

	applied, err := replica.ApplyEdit(e2)
	require.NoError(t, err)
	assert.True(t, applied)

	// Устаревшая правка игнорируется
	applied, err = replica.ApplyEdit(e1)
	require.NoError(t, err)
	assert.False(t, applied)

	c, _ := replica.Get(coord)
	assert.Equal(t, block.DirtBlockID, c.Block(vec.LocalPos{X: 1}))
}

func TestReplicaRecordsRequests(t *testing.T) {
	s := NewChunkStore(DefaultStoreConfig())
	defer s.Close(context.Background())

	coord := vec.ChunkCoord{Y: -1}
	s.EnsureLoaded(coord)
	assert.True(t, s.IsPending(coord))

	v1 := s.Insert(NewChunk(coord))
	assert.False(t, s.IsPending(coord))
	v2 := s.Insert(NewChunk(coord))
	assert.Greater(t, v2, v1)
}

func TestPerlinGeneratorDeterministic(t *testing.T) {
	a := NewPerlinGenerator(42).Generate(vec.ChunkCoord{X: 3, Y: 0, Z: -2})
	b := NewPerlinGenerator(42).Generate(vec.ChunkCoord{X: 3, Y: 0, Z: -2})
	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.False(t, a.IsEmpty(), "чанк у поверхности не должен быть пустым")
}

func TestBlocksCodecRoundTrip(t *testing.T) {
	c := NewPerlinGenerator(7).Generate(vec.ChunkCoord{})
	decoded, err := DecodeBlocks(EncodeBlocks(c.Snapshot()))
	require.NoError(t, err)
	assert.Equal(t, c.Snapshot(), decoded)

	_, err = DecodeBlocks([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRenderDistanceAsymmetric(t *testing.T) {
	d := RenderDistance{XMin: 1, XMax: 2, YMin: 0, YMax: 1, ZMin: 0, ZMax: 0}
	center := vec.ChunkCoord{}

	assert.True(t, d.Contains(center, vec.ChunkCoord{X: 2, Y: 1}))
	assert.False(t, d.Contains(center, vec.ChunkCoord{X: -2}))
	assert.False(t, d.Contains(center, vec.ChunkCoord{Y: -1}))

	coords := d.Coords(center)
	assert.Len(t, coords, d.Volume())
	assert.Equal(t, center, coords[0])
}
