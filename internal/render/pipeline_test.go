package render

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/meshing"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

type captureRenderer struct {
	frames []Frame
}

func (r *captureRenderer) DrawFrame(f Frame) {
	r.frames = append(r.frames, f)
}

func newPipeline(t *testing.T, distance world.RenderDistance) (*Pipeline, *world.ChunkStore, *captureRenderer) {
	t.Helper()
	cfg := world.DefaultStoreConfig()
	cfg.Generator = world.FlatGenerator{Height: 4, Block: block.StoneBlockID}
	store := world.NewChunkStore(cfg)

	meshes := meshing.NewService(store, block.DefaultRegistry(), meshing.DefaultConfig(), nil)
	r := &captureRenderer{}
	p := NewPipeline(DefaultConfig(distance), store, meshes, r, nil)

	t.Cleanup(func() {
		meshes.Close()
		_ = store.Close(context.Background())
	})
	return p, store, r
}

func loadAll(t *testing.T, store *world.ChunkStore, coords []vec.ChunkCoord) {
	t.Helper()
	for _, c := range coords {
		store.EnsureLoaded(c)
	}
	require.Eventually(t, func() bool {
		store.Update()
		for _, c := range coords {
			if _, ok := store.Get(c); !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFrameDrawsVisibleMeshesNearFirst(t *testing.T) {
	distance := world.UniformDistance(1)
	p, store, r := newPipeline(t, distance)
	loadAll(t, store, distance.Coords(vec.ChunkCoord{}))

	player := physics.PlayerState{Position: mgl64.Vec3{16, 4, 16}, Pitch: -0.3}
	camera := p.CameraFor(player)

	var frame Frame
	require.Eventually(t, func() bool {
		frame = p.Frame(camera, nil)
		return frame.Stats.Drawn > 0 && frame.Stats.Scheduled == 0 && p.meshes.InFlight() == 0
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, distance.Volume(), frame.Stats.Candidates)
	assert.Less(t, frame.Stats.Visible, frame.Stats.Candidates, "чанки за спиной отсечены")
	assert.NotEmpty(t, r.frames)

	eye := camera.Position
	prev := -1.0
	for _, dc := range frame.Chunks {
		d := visibilityDistance(dc.Coord, eye)
		assert.GreaterOrEqual(t, d, prev, "список отрисовки от ближних к дальним")
		prev = d
	}
}

func visibilityDistance(coord vec.ChunkCoord, eye mgl64.Vec3) float64 {
	o := coord.Origin()
	c := mgl64.Vec3{float64(o.X) + 16, float64(o.Y) + 16, float64(o.Z) + 16}
	return c.Sub(eye).Len()
}

func TestEditTriggersRemeshOnNextFrames(t *testing.T) {
	distance := world.UniformDistance(1)
	p, store, _ := newPipeline(t, distance)
	loadAll(t, store, distance.Coords(vec.ChunkCoord{}))

	camera := p.CameraFor(physics.PlayerState{Position: mgl64.Vec3{16, 4, 16}, Pitch: -math.Pi / 4})
	require.Eventually(t, func() bool {
		f := p.Frame(camera, nil)
		return f.Stats.Drawn > 0 && p.meshes.InFlight() == 0 && !p.meshes.IsStale(vec.ChunkCoord{})
	}, 3*time.Second, 5*time.Millisecond)

	before, ok := p.meshes.Mesh(vec.ChunkCoord{})
	require.True(t, ok)

	_, err := store.SetBlock(vec.ChunkCoord{}, vec.LocalPos{X: 16, Y: 3, Z: 16}, block.AirBlockID)
	require.NoError(t, err)
	assert.True(t, p.meshes.IsStale(vec.ChunkCoord{}))

	require.Eventually(t, func() bool {
		p.Frame(camera, nil)
		return !p.meshes.IsStale(vec.ChunkCoord{})
	}, 3*time.Second, 5*time.Millisecond)

	after, _ := p.meshes.Mesh(vec.ChunkCoord{})
	assert.Greater(t, after.QuadCount(), before.QuadCount(), "яма добавляет грани")
}

func TestArrivedChunkQueuesNeighbourhood(t *testing.T) {
	p, store, _ := newPipeline(t, world.UniformDistance(2))

	store.Insert(world.NewChunk(vec.ChunkCoord{X: 1}))
	assert.Len(t, p.remesh, 27)
	_, queued := p.remesh[vec.ChunkCoord{X: 2, Y: 1, Z: -1}]
	assert.True(t, queued)
}

func TestStatsRendererCountsFrames(t *testing.T) {
	r := &StatsRenderer{Every: 2}
	r.DrawFrame(Frame{Stats: FrameStats{Visible: 3}})
	r.DrawFrame(Frame{Stats: FrameStats{Visible: 5}})
	assert.Equal(t, 2, r.Frames())
	assert.Equal(t, 5, r.Last().Visible)
}
