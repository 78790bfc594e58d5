// Package render связывает отсечение по видимости и мешинг в список отрисовки
// кадра для внешнего рендерера.
package render

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/meshing"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/visibility"
	"github.com/annel0/blockverse/internal/world"
)

// Renderer внешний рендерер; вызывается из потока кадра
type Renderer interface {
	DrawFrame(frame Frame)
}

// DrawChunk меш чанка в списке отрисовки
type DrawChunk struct {
	Coord vec.ChunkCoord
	Mesh  *meshing.ChunkMesh
}

// FrameStats сводка кадра
type FrameStats struct {
	Candidates int // загруженные чанки в радиусе
	Visible    int // прошли отсечение
	Drawn      int // видимые с готовым непустым мешем
	Scheduled  int // задачи мешинга, отправленные в этом кадре
	Quads      int
}

// Frame всё, что нужно внешнему рендереру для одного кадра
type Frame struct {
	Camera         visibility.Camera
	ViewProjection mgl64.Mat4
	Chunks         []DrawChunk // от ближних к дальним
	Entities       []physics.PlayerState
	Stats          FrameStats
}

// Config параметры конвейера
type Config struct {
	Distance world.RenderDistance
	FovY     float64 // радианы
	Aspect   float64
	Near     float64
	Margin   float64 // гистерезис видимости в блоках
}

// DefaultConfig значения по умолчанию
func DefaultConfig(distance world.RenderDistance) Config {
	return Config{
		Distance: distance,
		FovY:     mgl64.DegToRad(70),
		Aspect:   16.0 / 9.0,
		Near:     0.1,
		Margin:   visibility.DefaultMargin,
	}
}

// Pipeline кадр клиента: видимость, планирование мешинга, список отрисовки.
// Все методы вызываются из потока кадра.
type Pipeline struct {
	cfg      Config
	store    *world.ChunkStore
	meshes   *meshing.Service
	visible  *visibility.Set
	renderer Renderer
	metrics  *metrics.Metrics
	logger   *logging.Logger

	// окрестности недавно пришедших чанков, ждущие перестроения
	remesh map[vec.ChunkCoord]struct{}
}

// NewPipeline создаёт конвейер и подписывается на установку чанков
func NewPipeline(cfg Config, store *world.ChunkStore, meshes *meshing.Service, renderer Renderer, m *metrics.Metrics) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		meshes:   meshes,
		visible:  visibility.NewSet(cfg.Margin),
		renderer: renderer,
		metrics:  m,
		logger:   logging.GetMeshingLogger(),
		remesh:   make(map[vec.ChunkCoord]struct{}),
	}
	store.OnLoaded(p.chunkArrived)
	return p
}

// chunkArrived ставит в очередь чанк и соседей 3×3×3: их грани и AO зависят от него
func (p *Pipeline) chunkArrived(coord vec.ChunkCoord) {
	for dx := int32(-1); dx <= 1; dx++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dz := int32(-1); dz <= 1; dz++ {
				p.remesh[coord.Add(dx, dy, dz)] = struct{}{}
			}
		}
	}
}

// SetDistance меняет радиус обзора (сервер сообщает его в рукопожатии)
func (p *Pipeline) SetDistance(d world.RenderDistance) {
	p.cfg.Distance = d
}

// CameraFor камера из глаз игрока
func (p *Pipeline) CameraFor(state physics.PlayerState) visibility.Camera {
	d := p.cfg.Distance
	reach := math.Max(float64(d.XMax+d.XMin), math.Max(float64(d.YMax+d.YMin), float64(d.ZMax+d.ZMin)))
	return visibility.Camera{
		Position: state.Eye(),
		Yaw:      state.Yaw,
		Pitch:    state.Pitch,
		FovY:     p.cfg.FovY,
		Aspect:   p.cfg.Aspect,
		Near:     p.cfg.Near,
		Far:      (reach + 1) * vec.ChunkSize,
	}
}

// Frame собирает кадр: устанавливает готовые меши, отсекает невидимое,
// отправляет мешинг ближних устаревших чанков и отдаёт список рендереру.
func (p *Pipeline) Frame(camera visibility.Camera, entities []physics.PlayerState) Frame {
	p.meshes.Apply()

	eye := camera.Position
	center := vec.BlockPos{X: int(math.Floor(eye[0])), Y: int(math.Floor(eye[1])), Z: int(math.Floor(eye[2]))}.ChunkOf()

	var candidates []vec.ChunkCoord
	for _, coord := range p.cfg.Distance.Coords(center) {
		if p.store.Version(coord) != 0 {
			candidates = append(candidates, coord)
		}
	}

	frustum := visibility.NewFrustum(camera)
	visible := p.visible.Update(frustum, candidates)

	scheduled := p.meshes.Schedule(p.scheduleOrder(visible, center))

	frame := Frame{
		Camera:         camera,
		ViewProjection: camera.ViewProjection(),
		Entities:       entities,
	}
	for _, coord := range visible {
		mesh, ok := p.meshes.Mesh(coord)
		if !ok || mesh.QuadCount() == 0 {
			continue
		}
		frame.Chunks = append(frame.Chunks, DrawChunk{Coord: coord, Mesh: mesh})
		frame.Stats.Quads += mesh.QuadCount()
	}
	frame.Stats.Candidates = len(candidates)
	frame.Stats.Visible = len(visible)
	frame.Stats.Drawn = len(frame.Chunks)
	frame.Stats.Scheduled = scheduled

	p.metrics.SetVisibleChunks(len(visible))
	if p.renderer != nil {
		p.renderer.DrawFrame(frame)
	}
	return frame
}

// scheduleOrder сначала видимые (ближние первыми), затем окрестности пришедших чанков
func (p *Pipeline) scheduleOrder(visible []vec.ChunkCoord, center vec.ChunkCoord) []vec.ChunkCoord {
	order := make([]vec.ChunkCoord, 0, len(visible)+len(p.remesh))
	order = append(order, visible...)

	var extra []vec.ChunkCoord
	for coord := range p.remesh {
		if !p.cfg.Distance.Contains(center, coord) || p.store.Version(coord) == 0 || !p.meshes.IsStale(coord) {
			delete(p.remesh, coord)
			continue
		}
		if !p.visible.WasVisible(coord) {
			extra = append(extra, coord)
		}
	}
	sort.Slice(extra, func(i, j int) bool {
		di, dj := extra[i].DistanceSquared(center), extra[j].DistanceSquared(center)
		if di != dj {
			return di < dj
		}
		return extra[i].Less(extra[j])
	})
	return append(order, extra...)
}

// StatsRenderer рендерер без графики: пишет сводку кадров в лог
type StatsRenderer struct {
	Logger *logging.Logger
	Every  int

	frames int
	last   FrameStats
}

// DrawFrame реализует Renderer
func (r *StatsRenderer) DrawFrame(frame Frame) {
	r.frames++
	r.last = frame.Stats
	if r.Every > 0 && r.frames%r.Every == 0 {
		r.Logger.Info("🖼️ Кадр %d: видимо %d/%d, отрисовано %d, %d квадов, в мешинге +%d",
			r.frames, frame.Stats.Visible, frame.Stats.Candidates, frame.Stats.Drawn, frame.Stats.Quads, frame.Stats.Scheduled)
	}
}

// Last сводка последнего кадра
func (r *StatsRenderer) Last() FrameStats {
	return r.last
}

// Frames количество отрисованных кадров
func (r *StatsRenderer) Frames() int {
	return r.frames
}
