package world

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world/block"
)

// gatedPersistence задерживает первое сохранение до release
type gatedPersistence struct {
	*memPersistence
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedPersistence() *gatedPersistence {
	return &gatedPersistence{
		memPersistence: newMemPersistence(),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedPersistence) Save(ctx context.Context, c *Chunk) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.memPersistence.Save(ctx, c)
}

func (g *gatedPersistence) stored(coord vec.ChunkCoord, local vec.LocalPos) (block.BlockID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blocks, ok := g.chunks[coord]
	if !ok {
		return 0, false
	}
	return blocks[local.Index()], true
}

func TestFlushDoesNotOverwriteNewerUnloadSave(t *testing.T) {
	ctx := context.Background()
	p := newGatedPersistence()
	s := newTestStore(t, FlatGenerator{Height: 4, Block: block.StoneBlockID}, p)
	coord := vec.ChunkCoord{}
	local := vec.LocalPos{X: 1, Y: 10, Z: 1}

	s.EnsureLoaded(coord)
	awaitLoaded(t, s, coord)
	_, err := s.SetBlock(coord, local, block.StoneBlockID)
	require.NoError(t, err)

	flushDone := make(chan error, 1)
	go func() { flushDone <- s.Flush(ctx) }()
	select {
	case <-p.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Flush не начал сохранение")
	}

	// правка после снятия копии для Flush
	_, err = s.SetBlock(coord, local, block.AirBlockID)
	require.NoError(t, err)

	unloadDone := make(chan error, 1)
	go func() { unloadDone <- s.Unload(ctx, coord) }()

	select {
	case <-unloadDone:
		t.Fatal("Unload должен ждать незавершённое сохранение чанка")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	require.NoError(t, <-flushDone)
	require.NoError(t, <-unloadDone)

	id, ok := p.stored(coord, local)
	require.True(t, ok, "чанк должен быть сохранён")
	assert.Equal(t, block.AirBlockID, id, "последняя правка не должна затираться старой копией")
	assert.Equal(t, 2, p.saves)

	_, loaded := s.Get(coord)
	assert.False(t, loaded)
}

func TestFlushSkipsChunkUnloadedMeanwhile(t *testing.T) {
	ctx := context.Background()
	p := newMemPersistence()
	s := newTestStore(t, FlatGenerator{}, p)
	coord := vec.ChunkCoord{X: 2}

	s.EnsureLoaded(coord)
	awaitLoaded(t, s, coord)
	_, err := s.SetBlock(coord, vec.LocalPos{}, block.StoneBlockID)
	require.NoError(t, err)

	require.NoError(t, s.Unload(ctx, coord))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, 1, p.saves, "выгруженный чанк не сохраняется повторно")
	assert.Empty(t, s.saving, "блокировки сохранения освобождаются")
}
