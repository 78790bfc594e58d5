package meshing

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// Config параметры пула мешинга
type Config struct {
	Workers     int `yaml:"workers"`       // одновременно строящиеся меши
	MaxInFlight int `yaml:"max_in_flight"` // отправленные, но не применённые задачи
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{Workers: 4, MaxInFlight: 16}
}

type job struct {
	coord vec.ChunkCoord
	seq   uint64
	mesh  *ChunkMesh
}

// Service кэш мешей с пулом воркеров.
// Schedule, Apply и Mesh вызываются только из потока симуляции;
// воркеры читают лишь снимки, снятые при отправке задачи.
type Service struct {
	store   *world.ChunkStore
	reg     *block.Registry
	cfg     Config
	metrics *metrics.Metrics
	logger  *logging.Logger

	sem     *semaphore.Weighted
	ctx     context.Context
	cancel  context.CancelFunc
	results chan job

	meshes   map[vec.ChunkCoord]*ChunkMesh
	inFlight map[vec.ChunkCoord]uint64 // номер отправленной задачи
	applied  map[vec.ChunkCoord]uint64 // номер последней применённой задачи
	seq      uint64
}

// NewService создаёт сервис мешинга поверх хранилища чанков
func NewService(store *world.ChunkStore, reg *block.Registry, cfg Config, m *metrics.Metrics) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = cfg.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:    store,
		reg:      reg,
		cfg:      cfg,
		metrics:  m,
		logger:   logging.GetMeshingLogger(),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan job, cfg.MaxInFlight),
		meshes:   make(map[vec.ChunkCoord]*ChunkMesh),
		inFlight: make(map[vec.ChunkCoord]uint64),
		applied:  make(map[vec.ChunkCoord]uint64),
	}

	store.OnUnloaded(s.Forget)
	return s
}

// CurrentTag вычисляет тег по текущим версиям чанка и соседей
func CurrentTag(store *world.ChunkStore, coord vec.ChunkCoord) MeshTag {
	var tag MeshTag
	tag[0] = store.Version(coord)
	for i, f := range vec.Faces {
		dx, dy, dz := f.Normal()
		tag[i+1] = store.Version(coord.Add(int32(dx), int32(dy), int32(dz)))
	}
	return tag
}

// Snapshot снимает вход для Build; false если чанк не загружен
func Snapshot(store *world.ChunkStore, coord vec.ChunkCoord) (MeshInput, bool) {
	c, ok := store.Get(coord)
	if !ok {
		return MeshInput{}, false
	}

	in := MeshInput{Coord: coord, Center: c.Snapshot()}
	in.Tag[0] = c.Version()
	for i, f := range vec.Faces {
		dx, dy, dz := f.Normal()
		if n, ok := store.Get(coord.Add(int32(dx), int32(dy), int32(dz))); ok {
			in.Neighbors[f] = n.Snapshot()
			in.Tag[i+1] = n.Version()
		}
	}
	return in, true
}

// Schedule отправляет задачи для устаревших мешей в переданном порядке (ближние первыми).
// Не больше одной задачи на чанк и не больше MaxInFlight всего. Возвращает число отправленных.
func (s *Service) Schedule(coords []vec.ChunkCoord) int {
	submitted := 0

	for _, coord := range coords {
		if len(s.inFlight) >= s.cfg.MaxInFlight {
			break
		}
		if _, busy := s.inFlight[coord]; busy {
			continue
		}
		if !s.IsStale(coord) {
			continue
		}

		in, ok := Snapshot(s.store, coord)
		if !ok {
			continue
		}

		s.seq++
		seq := s.seq
		s.inFlight[coord] = seq
		submitted++

		go s.run(in, seq)
	}

	s.metrics.SetMeshInFlight(len(s.inFlight))
	return submitted
}

func (s *Service) run(in MeshInput, seq uint64) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	start := time.Now()
	mesh := Build(in, s.reg)
	s.sem.Release(1)
	s.metrics.ObserveMeshBuild(time.Since(start))

	// Буфер равен MaxInFlight, поэтому отправка не блокируется
	s.results <- job{coord: in.Coord, seq: seq, mesh: mesh}
}

// Apply устанавливает готовые меши. Результаты с устаревшим тегом и для
// выгруженных чанков отбрасываются без ошибки. Возвращает установленные чанки.
func (s *Service) Apply() []vec.ChunkCoord {
	var installed []vec.ChunkCoord

	for {
		var j job
		select {
		case j = <-s.results:
		default:
			s.metrics.SetMeshInFlight(len(s.inFlight))
			return installed
		}

		if s.inFlight[j.coord] == j.seq {
			delete(s.inFlight, j.coord)
		}
		if j.seq <= s.applied[j.coord] {
			continue
		}

		if _, loaded := s.store.Get(j.coord); !loaded {
			s.metrics.MeshResult("unloaded")
			continue
		}
		if j.mesh.Tag != CurrentTag(s.store, j.coord) {
			s.metrics.MeshResult("stale")
			continue
		}

		s.applied[j.coord] = j.seq
		s.meshes[j.coord] = j.mesh
		installed = append(installed, j.coord)
		s.metrics.MeshResult("applied")
	}
}

// IsStale нужен ли чанку новый меш
func (s *Service) IsStale(coord vec.ChunkCoord) bool {
	m, ok := s.meshes[coord]
	if !ok {
		return s.store.Version(coord) != 0
	}
	return m.Tag != CurrentTag(s.store, coord)
}

// Mesh возвращает последний установленный меш. Старый меш остаётся доступным,
// пока новый не готов.
func (s *Service) Mesh(coord vec.ChunkCoord) (*ChunkMesh, bool) {
	m, ok := s.meshes[coord]
	return m, ok
}

// Forget удаляет меш выгруженного чанка; задача в работе будет отброшена в Apply
func (s *Service) Forget(coord vec.ChunkCoord) {
	delete(s.meshes, coord)
	delete(s.applied, coord)
}

// InFlight количество задач в работе
func (s *Service) InFlight() int {
	return len(s.inFlight)
}

// Len количество закэшированных мешей
func (s *Service) Len() int {
	return len(s.meshes)
}

// Close отменяет ожидающие задачи
func (s *Service) Close() {
	s.cancel()
}
