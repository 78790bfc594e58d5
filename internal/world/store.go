package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/observability"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world/block"
)

var (
	// ErrOutOfBounds локальная позиция за пределами чанка
	ErrOutOfBounds = errors.New("local position out of chunk bounds")
	// ErrChunkNotLoaded операция над незагруженным чанком; нужно EnsureLoaded и повтор
	ErrChunkNotLoaded = errors.New("chunk not loaded")
)

// Generator внешний генератор мира; обязан быть детерминированным для координаты и сида
type Generator interface {
	Generate(coord vec.ChunkCoord) *Chunk
}

// Persistence хранилище сохранённых чанков (сервер)
type Persistence interface {
	Load(ctx context.Context, coord vec.ChunkCoord) (*Chunk, bool, error)
	Save(ctx context.Context, chunk *Chunk) error
}

// BlockEdit подтверждённая правка блока с порядковым номером внутри чанка
type BlockEdit struct {
	Coord vec.ChunkCoord
	Local vec.LocalPos
	Block block.BlockID
	Seq   uint64
}

// StoreConfig параметры хранилища чанков
type StoreConfig struct {
	Workers             int // размер пула загрузки/генерации
	QueueSize           int // ёмкость очереди заданий пула
	MaxEvictionsPerTick int // 0 — без ограничения
	Generator           Generator
	Persistence         Persistence
}

// DefaultStoreConfig возвращает параметры по умолчанию без генератора и хранилища
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Workers:             4,
		QueueSize:           256,
		MaxEvictionsPerTick: 32,
	}
}

// StoreStats сводка состояния хранилища для админки
type StoreStats struct {
	Loaded  int `json:"loaded"`
	Pending int `json:"pending"`
	Pinned  int `json:"pinned"`
	Dirty   int `json:"dirty"`
}

type loadResult struct {
	coord vec.ChunkCoord
	chunk *Chunk
	err   error
}

// ChunkStore владеет всеми загруженными чанками.
// Содержимое чанков меняет только поток симуляции; мьютекс защищает
// карты от читателей из других горутин (админка, метрики).
type ChunkStore struct {
	cfg    StoreConfig
	logger *logging.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	chunks    map[vec.ChunkCoord]*Chunk
	pending   map[vec.ChunkCoord]struct{}
	requested map[vec.ChunkCoord]struct{}
	pins      map[vec.ChunkCoord]int
	saving    map[vec.ChunkCoord]*saveLock
	backlog   []vec.ChunkCoord
	clock     uint64
	tick      uint64
	closed    bool

	jobs    chan vec.ChunkCoord
	results chan loadResult
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	onLoaded   []func(vec.ChunkCoord)
	onUnloaded []func(vec.ChunkCoord)
}

// NewChunkStore создаёт хранилище и запускает пул загрузки
func NewChunkStore(cfg StoreConfig) *ChunkStore {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ChunkStore{
		cfg:       cfg,
		logger:    logging.GetWorldLogger(),
		tracer:    observability.Tracer("world"),
		chunks:    make(map[vec.ChunkCoord]*Chunk),
		pending:   make(map[vec.ChunkCoord]struct{}),
		requested: make(map[vec.ChunkCoord]struct{}),
		pins:      make(map[vec.ChunkCoord]int),
		saving:    make(map[vec.ChunkCoord]*saveLock),
		jobs:      make(chan vec.ChunkCoord, cfg.QueueSize),
		results:   make(chan loadResult, cfg.QueueSize+cfg.Workers),
		ctx:       ctx,
		cancel:    cancel,
	}

	if s.hasSource() {
		for i := 0; i < cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	}
	return s
}

// OnLoaded регистрирует обработчик установки чанка; вызывается в потоке симуляции
func (s *ChunkStore) OnLoaded(fn func(vec.ChunkCoord)) {
	s.onLoaded = append(s.onLoaded, fn)
}

// OnUnloaded регистрирует обработчик выгрузки чанка
func (s *ChunkStore) OnUnloaded(fn func(vec.ChunkCoord)) {
	s.onUnloaded = append(s.onUnloaded, fn)
}

func (s *ChunkStore) hasSource() bool {
	return s.cfg.Generator != nil || s.cfg.Persistence != nil
}

// nextVersion вызывается под s.mu
func (s *ChunkStore) nextVersion() uint64 {
	s.clock++
	return s.clock
}

// Get возвращает загруженный чанк; никогда не блокируется на загрузке
func (s *ChunkStore) Get(coord vec.ChunkCoord) (*Chunk, bool) {
	s.mu.RLock()
	c, ok := s.chunks[coord]
	tick := s.tick
	s.mu.RUnlock()

	if ok {
		c.touch(tick)
	}
	return c, ok
}

// Version возвращает версию чанка или 0, если он не загружен
func (s *ChunkStore) Version(coord vec.ChunkCoord) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.chunks[coord]; ok {
		return c.version
	}
	return 0
}

// BlockAt возвращает блок по мировой позиции; false если чанк не загружен
func (s *ChunkStore) BlockAt(pos vec.BlockPos) (block.BlockID, bool) {
	s.mu.RLock()
	c, ok := s.chunks[pos.ChunkOf()]
	s.mu.RUnlock()

	if !ok {
		return block.AirBlockID, false
	}
	return c.Block(pos.Local()), true
}

// EnsureLoaded ставит чанк в очередь загрузки; идемпотентна и сразу возвращает управление.
// Без генератора и хранилища (клиентская реплика) только запоминает запрос.
func (s *ChunkStore) EnsureLoaded(coord vec.ChunkCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chunks[coord]; ok {
		c.touch(s.tick)
		return
	}
	if s.closed {
		return
	}
	if !s.hasSource() {
		s.requested[coord] = struct{}{}
		return
	}
	if _, ok := s.pending[coord]; ok {
		return
	}

	s.pending[coord] = struct{}{}
	select {
	case s.jobs <- coord:
	default:
		s.backlog = append(s.backlog, coord)
	}
}

// IsPending сообщает, ожидается ли чанк (загрузка или данные по сети)
func (s *ChunkStore) IsPending(coord vec.ChunkCoord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, p := s.pending[coord]
	_, r := s.requested[coord]
	return p || r
}

// Update устанавливает завершённые загрузки; вызывается каждым тиком симуляции.
// Возвращает отсортированный список установленных чанков.
func (s *ChunkStore) Update() []vec.ChunkCoord {
	var installed []vec.ChunkCoord

drain:
	for {
		select {
		case res := <-s.results:
			if s.install(res) {
				installed = append(installed, res.coord)
			}
		default:
			break drain
		}
	}

	s.pumpBacklog()

	sort.Slice(installed, func(i, j int) bool { return installed[i].Less(installed[j]) })
	for _, coord := range installed {
		s.fireLoaded(coord)
	}
	return installed
}

func (s *ChunkStore) install(res loadResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[res.coord]; !ok {
		// Выгружен или отменён до завершения
		return false
	}
	delete(s.pending, res.coord)

	if res.err != nil {
		s.logger.Warn("❌ Не удалось загрузить чанк %s: %v", res.coord, res.err)
		return false
	}
	if res.chunk == nil {
		s.logger.Debug("Чанк %s отсутствует в хранилище и генератор не задан", res.coord)
		return false
	}
	if _, ok := s.chunks[res.coord]; ok {
		return false
	}

	c := res.chunk
	c.coord = res.coord
	c.version = s.nextVersion()
	c.dirty = false
	c.touch(s.tick)
	s.chunks[res.coord] = c
	return true
}

func (s *ChunkStore) pumpBacklog() {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for ; i < len(s.backlog); i++ {
		coord := s.backlog[i]
		if _, ok := s.pending[coord]; !ok {
			continue
		}
		sent := false
		select {
		case s.jobs <- coord:
			sent = true
		default:
		}
		if !sent {
			break
		}
	}
	s.backlog = append(s.backlog[:0], s.backlog[i:]...)
}

func (s *ChunkStore) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case coord := <-s.jobs:
			res := s.load(coord)
			select {
			case s.results <- res:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// load выполняется в воркере: сначала хранилище, затем генератор
func (s *ChunkStore) load(coord vec.ChunkCoord) loadResult {
	ctx, span := s.tracer.Start(s.ctx, observability.SpanChunkLoad,
		trace.WithAttributes(observability.ChunkAttributes(coord)...))
	defer span.End()

	if s.cfg.Persistence != nil {
		c, found, err := s.cfg.Persistence.Load(ctx, coord)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persistence load failed")
			return loadResult{coord: coord, err: err}
		}
		if found {
			span.SetAttributes(observability.AttrChunkSource.String("persistence"))
			return loadResult{coord: coord, chunk: c}
		}
	}

	if s.cfg.Generator != nil {
		span.SetAttributes(observability.AttrChunkSource.String("generator"))
		return loadResult{coord: coord, chunk: s.cfg.Generator.Generate(coord)}
	}
	return loadResult{coord: coord}
}

// Insert устанавливает реплику чанка (данные с сервера), заменяя предыдущую целиком
func (s *ChunkStore) Insert(c *Chunk) uint64 {
	s.mu.Lock()
	coord := c.coord
	c.version = s.nextVersion()
	c.dirty = false
	c.touch(s.tick)
	s.chunks[coord] = c
	delete(s.pending, coord)
	delete(s.requested, coord)
	version := c.version
	s.mu.Unlock()

	s.fireLoaded(coord)
	return version
}

// SetBlock меняет блок и выдаёт чанку новую версию
func (s *ChunkStore) SetBlock(coord vec.ChunkCoord, local vec.LocalPos, id block.BlockID) (uint64, error) {
	if !local.InBounds() {
		return 0, fmt.Errorf("%w: %d,%d,%d", ErrOutOfBounds, local.X, local.Y, local.Z)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[coord]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrChunkNotLoaded, coord)
	}
	s.setLocked(c, local, id)
	return c.version, nil
}

func (s *ChunkStore) setLocked(c *Chunk, local vec.LocalPos, id block.BlockID) {
	c.set(local, id)
	c.version = s.nextVersion()
	c.dirty = true
	c.touch(s.tick)
}

// CommitEdit авторитетная правка: меняет блок и присваивает следующий номер правки чанка
func (s *ChunkStore) CommitEdit(coord vec.ChunkCoord, local vec.LocalPos, id block.BlockID) (BlockEdit, error) {
	if !local.InBounds() {
		return BlockEdit{}, fmt.Errorf("%w: %d,%d,%d", ErrOutOfBounds, local.X, local.Y, local.Z)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[coord]
	if !ok {
		return BlockEdit{}, fmt.Errorf("%w: %s", ErrChunkNotLoaded, coord)
	}
	s.setLocked(c, local, id)
	c.editSeq++

	return BlockEdit{Coord: coord, Local: local, Block: id, Seq: c.editSeq}, nil
}

// ApplyEdit применяет правку сервера к реплике, если она новее уже применённых.
// Возвращает false для устаревших и повторных правок.
func (s *ChunkStore) ApplyEdit(edit BlockEdit) (bool, error) {
	if !edit.Local.InBounds() {
		return false, fmt.Errorf("%w: %d,%d,%d", ErrOutOfBounds, edit.Local.X, edit.Local.Y, edit.Local.Z)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[edit.Coord]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrChunkNotLoaded, edit.Coord)
	}
	if edit.Seq <= c.editSeq {
		return false, nil
	}
	s.setLocked(c, edit.Local, edit.Block)
	c.editSeq = edit.Seq
	return true, nil
}

// Pin запрещает выгрузку чанка (правка ждёт подтверждения сетью)
func (s *ChunkStore) Pin(coord vec.ChunkCoord) {
	s.mu.Lock()
	s.pins[coord]++
	s.mu.Unlock()
}

// Unpin снимает одно закрепление
func (s *ChunkStore) Unpin(coord vec.ChunkCoord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.pins[coord]; n > 1 {
		s.pins[coord] = n - 1
	} else {
		delete(s.pins, coord)
	}
}

// IsPinned проверяет закрепление чанка
func (s *ChunkStore) IsPinned(coord vec.ChunkCoord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[coord] > 0
}

// Unload выгружает чанк, предварительно сохранив несохранённые изменения.
// Отсутствующий чанк — не ошибка. При ошибке сохранения чанк остаётся загруженным.
func (s *ChunkStore) Unload(ctx context.Context, coord vec.ChunkCoord) error {
	unlock := s.lockSave(coord)
	defer unlock()

	s.mu.Lock()
	delete(s.pending, coord)
	delete(s.requested, coord)
	c, ok := s.chunks[coord]
	var snapshot *Chunk
	if ok && c.dirty {
		snapshot = c.detach()
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if snapshot != nil && s.cfg.Persistence != nil {
		if err := s.save(ctx, snapshot, "unload"); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.chunks, coord)
	s.mu.Unlock()

	for _, fn := range s.onUnloaded {
		fn(coord)
	}
	return nil
}

// save пишет отсоединённую копию; вызывается под lockSave
func (s *ChunkStore) save(ctx context.Context, snapshot *Chunk, reason string) error {
	attrs := append(observability.ChunkAttributes(snapshot.coord), observability.AttrChunkReason.String(reason))
	ctx, span := s.tracer.Start(ctx, observability.SpanChunkSave, trace.WithAttributes(attrs...))
	defer span.End()

	if err := s.cfg.Persistence.Save(ctx, snapshot); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence save failed")
		return fmt.Errorf("сохранение чанка %s: %w", snapshot.coord, err)
	}
	return nil
}

// saveLock упорядочивает сохранения одного чанка
type saveLock struct {
	mu   sync.Mutex
	refs int
}

// lockSave захватывает блокировку сохранения чанка; копия для Save снимается под ней
func (s *ChunkStore) lockSave(coord vec.ChunkCoord) func() {
	s.mu.Lock()
	l, ok := s.saving[coord]
	if !ok {
		l = &saveLock{}
		s.saving[coord] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.saving, coord)
		}
		s.mu.Unlock()
	}
}

// Retain выгружает по LRU чанки вне радиуса всех наблюдателей.
// Кольцо соседей шириной в один чанк остаётся для мешинга, закреплённые чанки не трогаются.
func (s *ChunkStore) Retain(ctx context.Context, observers []Observer, tick uint64) []vec.ChunkCoord {
	s.mu.Lock()
	s.tick = tick

	var candidates []*Chunk
	for coord, c := range s.chunks {
		if s.pins[coord] > 0 || retained(observers, coord) {
			continue
		}
		candidates = append(candidates, c)
	}
	for coord := range s.requested {
		if !retained(observers, coord) {
			delete(s.requested, coord)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		ai, aj := candidates[i].lastAccess.Load(), candidates[j].lastAccess.Load()
		if ai != aj {
			return ai < aj
		}
		return candidates[i].coord.Less(candidates[j].coord)
	})

	limit := len(candidates)
	if s.cfg.MaxEvictionsPerTick > 0 && limit > s.cfg.MaxEvictionsPerTick {
		limit = s.cfg.MaxEvictionsPerTick
	}

	evicted := make([]vec.ChunkCoord, 0, limit)
	for _, c := range candidates[:limit] {
		if err := s.Unload(ctx, c.coord); err != nil {
			s.logger.Warn("⚠️ Чанк %s не выгружен: %v", c.coord, err)
			continue
		}
		evicted = append(evicted, c.coord)
	}
	return evicted
}

func retained(observers []Observer, coord vec.ChunkCoord) bool {
	for _, o := range observers {
		if o.Distance.Expand(1).Contains(o.Center, coord) {
			return true
		}
	}
	return false
}

// Flush сохраняет все изменённые чанки.
// Безопасен параллельно с Unload: сохранения одного чанка идут по очереди.
func (s *ChunkStore) Flush(ctx context.Context) error {
	if s.cfg.Persistence == nil {
		return nil
	}

	s.mu.RLock()
	var dirty []vec.ChunkCoord
	for coord, c := range s.chunks {
		if c.dirty {
			dirty = append(dirty, coord)
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, coord := range dirty {
		if err := s.flushChunk(ctx, coord); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ChunkStore) flushChunk(ctx context.Context, coord vec.ChunkCoord) error {
	unlock := s.lockSave(coord)
	defer unlock()

	s.mu.RLock()
	live, ok := s.chunks[coord]
	var snapshot *Chunk
	if ok && live.dirty {
		snapshot = live.detach()
	}
	s.mu.RUnlock()

	// выгружен или уже сохранён
	if snapshot == nil {
		return nil
	}

	if err := s.save(ctx, snapshot, "flush"); err != nil {
		return err
	}

	s.mu.Lock()
	// правка во время сохранения оставляет чанк грязным
	if live.version == snapshot.version {
		live.markSaved()
	}
	s.mu.Unlock()
	return nil
}

// LoadedCoords возвращает загруженные чанки в порядке координат
func (s *ChunkStore) LoadedCoords() []vec.ChunkCoord {
	s.mu.RLock()
	coords := make([]vec.ChunkCoord, 0, len(s.chunks))
	for coord := range s.chunks {
		coords = append(coords, coord)
	}
	s.mu.RUnlock()

	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })
	return coords
}

// Len количество загруженных чанков
func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Stats возвращает сводку для админки и метрик
func (s *ChunkStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		Loaded:  len(s.chunks),
		Pending: len(s.pending) + len(s.requested),
		Pinned:  len(s.pins),
	}
	for _, c := range s.chunks {
		if c.dirty {
			stats.Dirty++
		}
	}
	return stats
}

// Close останавливает пул и сохраняет все изменения
func (s *ChunkStore) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return s.Flush(ctx)
}

func (s *ChunkStore) fireLoaded(coord vec.ChunkCoord) {
	for _, fn := range s.onLoaded {
		fn(coord)
	}
}
