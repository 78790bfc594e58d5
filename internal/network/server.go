package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/protocol"
	"github.com/annel0/blockverse/internal/storage"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// TokenVerifier проверяет токен рукопожатия и возвращает имя игрока
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// EditSink получает зафиксированные правки; вызов не должен блокировать
type EditSink interface {
	PublishEdit(edit world.BlockEdit)
}

// ServerConfig параметры сервера
type ServerConfig struct {
	TickRate           int                  `yaml:"tick_rate"`
	SnapshotEvery      int                  `yaml:"snapshot_every"`
	Distance           world.RenderDistance `yaml:"distance"`
	ChunksPerTick      int                  `yaml:"chunks_per_tick"`
	StreamWindow       int                  `yaml:"stream_window"`
	InboundQueue       int                  `yaml:"inbound_queue"`
	OutboundQueue      int                  `yaml:"outbound_queue"`
	MaxInputsPerTick   int                  `yaml:"max_inputs_per_tick"`
	MaxPendingInputs   int                  `yaml:"max_pending_inputs"`
	LivenessTimeout    time.Duration        `yaml:"liveness_timeout"`
	ResendAfter        time.Duration        `yaml:"resend_after"`
	MalformedPerSecond float64              `yaml:"malformed_per_second"`
	MalformedBurst     int                  `yaml:"malformed_burst"`
	RetainEvery        int                  `yaml:"retain_every"`
	Spawn              [3]float64           `yaml:"spawn"`
}

// DefaultServerConfig значения по умолчанию
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		TickRate:           20,
		SnapshotEvery:      2,
		Distance:           world.RenderDistance{XMin: 4, XMax: 4, YMin: 2, YMax: 2, ZMin: 4, ZMax: 4},
		ChunksPerTick:      16,
		StreamWindow:       64,
		InboundQueue:       1024,
		OutboundQueue:      512,
		MaxInputsPerTick:   4,
		MaxPendingInputs:   protocol.MaxInputBatch,
		LivenessTimeout:    10 * time.Second,
		ResendAfter:        200 * time.Millisecond,
		MalformedPerSecond: 5,
		MalformedBurst:     20,
		RetainEvery:        20,
		Spawn:              [3]float64{0.5, 48, 0.5},
	}
}

func (c ServerConfig) peerConfig() PeerConfig {
	return PeerConfig{
		OutboundQueue:      c.OutboundQueue,
		ResendAfter:        c.ResendAfter,
		MalformedPerSecond: c.MalformedPerSecond,
		MalformedBurst:     c.MalformedBurst,
	}
}

// ServerDeps зависимости сервера; Tokens, Edits, Players необязательны
type ServerDeps struct {
	Store    *world.ChunkStore
	Registry *block.Registry
	Engine   *physics.Engine
	Listener Listener
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tokens   TokenVerifier
	Edits    EditSink
	Players  storage.PlayerRepo
}

// ConnInfo сводка соединения для админки
type ConnInfo struct {
	ID         string     `json:"id"`
	PlayerID   uint32     `json:"player_id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Remote     string     `json:"remote"`
	Position   [3]float64 `json:"position"`
	LastInput  uint32     `json:"last_input"`
	Unacked    int        `json:"unacked"`
	ChunksSent int        `json:"chunks_sent"`
}

// serverConn соединение на стороне сервера; всё кроме peer.state принадлежит тику
type serverConn struct {
	*peer
	name    string
	player  physics.PlayerState
	pending map[uint32]physics.InputCommand

	sent     map[vec.ChunkCoord]bool
	inflight int

	initial     map[vec.ChunkCoord]bool
	initialLeft int
}

// restored результат загрузки сохранённого игрока
type restored struct {
	name   string
	record storage.PlayerRecord
	found  bool
}

// Server авторитетный сервер: один тик применяет ввод, правки и рассылку
type Server struct {
	cfg   ServerConfig
	deps  ServerDeps
	query physics.StoreQuery
	dt    float64

	inbound chan event
	conns   map[string]*serverConn
	nextID  uint32
	tick    atomic.Uint64

	infoMu sync.RWMutex
	infos  []ConnInfo

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer создаёт сервер
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.GetServerLogger()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		query:   physics.StoreQuery{Store: deps.Store, Registry: deps.Registry},
		dt:      1 / float64(cfg.TickRate),
		inbound: make(chan event, cfg.InboundQueue),
		conns:   make(map[string]*serverConn),
		done:    make(chan struct{}),
	}
}

// Run принимает соединения и крутит тик до отмены контекста
func (s *Server) Run(ctx context.Context) error {
	if s.deps.Listener == nil {
		return errors.New("listener не задан")
	}
	s.deps.Logger.Info("🚀 Сервер запущен на %s, %d тиков/с", s.deps.Listener.Addr(), s.cfg.TickRate)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.deps.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.deps.Logger.Error("Ошибка приёма соединения: %v", err)
			}
			return
		}
		s.Attach(conn)
	}
}

// Attach передаёт соединение тику; после остановки сервера соединение закрывается
func (s *Server) Attach(conn Conn) {
	p := newPeer(conn, s.cfg.peerConfig(), s.deps.Logger, s.deps.Metrics, time.Now())
	select {
	case s.inbound <- event{kind: eventConnected, peer: p}:
	case <-s.done:
		s.deps.Logger.Debug("Сервер остановлен, соединение %s отклонено", conn.RemoteAddr())
		p.close()
	}
}

// Close отключает всех и останавливает приём; для сервера без Run
func (s *Server) Close() {
	s.shutdown()
}

func (s *Server) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
	for _, c := range s.sortedConns() {
		s.disconnect(c, ReasonShutdown, true)
	}
	if s.deps.Listener != nil {
		if err := s.deps.Listener.Close(); err != nil {
			s.deps.Logger.Debug("Ошибка закрытия listener: %v", err)
		}
	}
	s.wg.Wait()
	s.deps.Logger.Info("🛑 Сервер остановлен")
}

// CurrentTick номер последнего тика
func (s *Server) CurrentTick() uint64 {
	return s.tick.Load()
}

// Connections сводка соединений на последнем тике
func (s *Server) Connections() []ConnInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	out := make([]ConnInfo, len(s.infos))
	copy(out, s.infos)
	return out
}

// Step выполняет один тик симуляции. Вызывается из одной горутины.
func (s *Server) Step(now time.Time) {
	start := time.Now()
	tick := s.tick.Add(1)

	s.drainInbound(now)
	s.deps.Store.Update()

	conns := s.sortedConns()
	for _, c := range conns {
		if c.state.State() == StateLive {
			s.applyInputs(c, now)
		}
	}
	for _, c := range conns {
		if st := c.state.State(); st == StateSyncing || st == StateLive {
			s.stream(c, now)
		}
	}
	if s.cfg.SnapshotEvery > 0 && tick%uint64(s.cfg.SnapshotEvery) == 0 {
		s.broadcastSnapshot(tick, now)
	}
	s.checkLiveness(now)
	if s.cfg.RetainEvery > 0 && tick%uint64(s.cfg.RetainEvery) == 0 {
		s.retain(tick)
	}

	for _, c := range s.sortedConns() {
		c.flush(now)
	}
	s.publishInfo()

	stats := s.deps.Store.Stats()
	s.deps.Metrics.SetChunks(stats.Loaded, stats.Pending)
	s.deps.Metrics.ObserveTick(time.Since(start))
}

func (s *Server) sortedConns() []*serverConn {
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].player.ID != conns[j].player.ID {
			return conns[i].player.ID < conns[j].player.ID
		}
		return conns[i].id < conns[j].id
	})
	return conns
}

func (s *Server) drainInbound(now time.Time) {
	for {
		select {
		case ev := <-s.inbound:
			s.handleEvent(ev, now)
		default:
			return
		}
	}
}

func (s *Server) handleEvent(ev event, now time.Time) {
	if ev.kind == eventConnected {
		c := &serverConn{
			peer:    ev.peer,
			pending: make(map[uint32]physics.InputCommand),
			sent:    make(map[vec.ChunkCoord]bool),
		}
		c.lastHeard = now
		s.conns[c.id] = c
		c.start(&s.wg, s.inbound)
		s.deps.Logger.Info("🔌 Новое соединение %s от %s", c.id, c.conn.RemoteAddr())
		return
	}

	c, ok := s.conns[ev.peer.id]
	if !ok || c.peer != ev.peer {
		return
	}

	switch ev.kind {
	case eventClosed:
		s.disconnect(c, ReasonConnectionLost, false)
	case eventAbuse:
		s.deps.Logger.Warn("⚠️ Слишком много повреждённых сообщений от %s: %v", c.id, ev.err)
		s.disconnect(c, ReasonProtocolAbuse, true)
	case eventRestored:
		s.completeHandshake(c, ev.extra.(restored), now)
	case eventPacket:
		for _, m := range c.handle(ev.packet, now) {
			if c.state.State() == StateDisconnected {
				return
			}
			s.handleMessage(c, m, now)
		}
	}
}

func (s *Server) handleMessage(c *serverConn, m protocol.Message, now time.Time) {
	switch m := m.(type) {
	case *protocol.Handshake:
		s.handleHandshake(c, m)
	case *protocol.InputBatch:
		if c.state.State() != StateLive {
			return
		}
		for _, in := range m.Commands {
			if in.Sequence <= c.player.LastInput {
				continue
			}
			if _, dup := c.pending[in.Sequence]; dup || len(c.pending) >= s.cfg.MaxPendingInputs {
				continue
			}
			c.pending[in.Sequence] = in
		}
	case *protocol.Heartbeat:
		c.send(m, now, nil)
	case *protocol.Disconnect:
		s.deps.Logger.Info("Клиент %s отключается: %s", c.id, m.Reason)
		s.disconnect(c, ReasonClientClosed, false)
	default:
		s.violation(c, fmt.Sprintf("неожиданное сообщение %s", m.Type()))
	}
}

// violation учитывает нарушение протокола в том же лимите, что и повреждённые сообщения
func (s *Server) violation(c *serverConn, what string) {
	s.deps.Metrics.Malformed()
	s.deps.Logger.Warn("Нарушение протокола от %s: %s", c.id, what)
	if !c.limiter.Allow() {
		s.disconnect(c, ReasonProtocolAbuse, true)
	}
}

func (s *Server) handleHandshake(c *serverConn, m *protocol.Handshake) {
	if c.state.State() != StateConnecting || c.name != "" {
		s.violation(c, "повторное рукопожатие")
		return
	}
	if m.Version != protocol.Version {
		s.disconnect(c, ReasonVersion, true)
		return
	}

	name := m.Name
	if s.deps.Tokens != nil {
		subject, err := s.deps.Tokens.VerifyToken(m.Token)
		if err != nil {
			s.deps.Logger.Warn("🔐 Отклонён токен %s: %v", c.id, err)
			s.disconnect(c, ReasonUnauthorized, true)
			return
		}
		name = subject
	}
	if name == "" {
		name = "player-" + c.id[:8]
	}
	c.name = name

	if s.deps.Players == nil {
		s.completeHandshake(c, restored{name: name}, c.lastHeard)
		return
	}

	// Загрузка сохранённого состояния идёт вне тика
	repo := s.deps.Players
	p := c.peer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, 2*time.Second)
		defer cancel()

		rec, found, err := repo.Load(ctx, name)
		if err != nil {
			s.deps.Logger.Warn("Не удалось загрузить игрока %s: %v", name, err)
		}
		p.deliver(s.inbound, event{kind: eventRestored, peer: p, extra: restored{name: name, record: rec, found: found && err == nil}})
	}()
}

func (s *Server) completeHandshake(c *serverConn, r restored, now time.Time) {
	if c.state.State() != StateConnecting {
		return
	}

	s.nextID++
	c.player = physics.PlayerState{ID: s.nextID, Position: mgl64.Vec3(s.cfg.Spawn)}
	if r.found {
		c.player.Position = mgl64.Vec3(r.record.Position)
		c.player.Yaw = r.record.Yaw
		c.player.Pitch = r.record.Pitch
	}

	if err := c.state.Transition(StateSyncing); err != nil {
		s.deps.Logger.Error("Рукопожатие %s: %v", c.id, err)
		return
	}

	center := blockOf(c.player.Position).ChunkOf()
	c.initial = make(map[vec.ChunkCoord]bool)
	for _, coord := range s.cfg.Distance.Coords(center) {
		c.initial[coord] = true
		s.deps.Store.EnsureLoaded(coord)
	}
	c.initialLeft = len(c.initial)

	c.send(&protocol.HandshakeAck{
		PlayerID: c.player.ID,
		Tick:     s.tick.Load(),
		TickRate: uint32(s.cfg.TickRate),
		Distance: s.cfg.Distance,
		State:    c.player,
	}, now, nil)
	s.deps.Logger.Info("🤝 Игрок %s (id=%d) вошёл, синхронизация %d чанков", c.name, c.player.ID, c.initialLeft)
}

// applyInputs применяет накопленный ввод строго по возрастанию номера
func (s *Server) applyInputs(c *serverConn, now time.Time) {
	if len(c.pending) == 0 {
		return
	}
	seqs := make([]uint32, 0, len(c.pending))
	for seq := range c.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for i, seq := range seqs {
		if i >= s.cfg.MaxInputsPerTick {
			break
		}
		in := c.pending[seq]
		delete(c.pending, seq)

		c.player = s.deps.Engine.Step(s.query, c.player, in, s.dt)
		s.applyAction(c, in, now)
	}
}

// applyAction разрешает ломание и установку блока лучом из глаз игрока
func (s *Server) applyAction(c *serverConn, in physics.InputCommand, now time.Time) {
	breaking := in.Actions.Has(physics.ActionBreak)
	if !breaking && !in.Actions.Has(physics.ActionPlace) {
		return
	}

	dir := physics.LookDirection(c.player.Yaw, c.player.Pitch)
	hit, ok := physics.Raycast(s.query, c.player.Eye(), dir, physics.Reach)
	if !ok {
		return
	}

	target, id := hit.Block, block.AirBlockID
	if !breaking {
		target, id = hit.PlaceTarget(), in.Block
		if !s.canPlace(target, id) {
			return
		}
	}

	edit, err := s.deps.Store.CommitEdit(target.ChunkOf(), target.Local(), id)
	if err != nil {
		s.deps.Logger.Debug("Правка %v отклонена: %v", target, err)
		return
	}
	s.broadcastEdit(edit, now)
}

func (s *Server) canPlace(target vec.BlockPos, id block.BlockID) bool {
	if id == block.AirBlockID {
		return false
	}
	if _, known := s.deps.Registry.Get(id); !known {
		return false
	}
	existing, loaded := s.deps.Store.BlockAt(target)
	if !loaded || !s.deps.Registry.IsReplaceable(existing) {
		return false
	}
	if !s.deps.Registry.IsSolid(id) {
		return true
	}

	box := physics.BlockBox(target)
	for _, c := range s.conns {
		if c.state.State() == StateLive && c.player.Box().Intersects(box) {
			return false
		}
	}
	return true
}

// broadcastEdit рассылает правку сразу всем, у кого есть этот чанк; чанк закреплён до подтверждения
func (s *Server) broadcastEdit(edit world.BlockEdit, now time.Time) {
	s.deps.Metrics.BlockEdit()
	if s.deps.Edits != nil {
		s.deps.Edits.PublishEdit(edit)
	}

	msg := protocol.EditFromWorld(edit)
	store := s.deps.Store
	for _, c := range s.sortedConns() {
		st := c.state.State()
		if (st != StateSyncing && st != StateLive) || !c.sent[edit.Coord] {
			continue
		}
		store.Pin(edit.Coord)
		c.send(msg, now, func(bool) { store.Unpin(edit.Coord) })
	}
}

// stream отправляет недостающие чанки области обзора от ближних к дальним
func (s *Server) stream(c *serverConn, now time.Time) {
	center := blockOf(c.player.Position).ChunkOf()

	keep := s.cfg.Distance.Expand(1)
	for coord := range c.sent {
		if !keep.Contains(center, coord) {
			delete(c.sent, coord)
		}
	}

	budget := s.cfg.ChunksPerTick
	for _, coord := range s.cfg.Distance.Coords(center) {
		if budget == 0 || c.inflight >= s.cfg.StreamWindow {
			return
		}
		if c.sent[coord] {
			continue
		}
		chunk, ok := s.deps.Store.Get(coord)
		if !ok {
			s.deps.Store.EnsureLoaded(coord)
			continue
		}

		c.sent[coord] = true
		c.inflight++
		budget--

		coord := coord
		initial := c.initial[coord]
		c.send(&protocol.ChunkData{Coord: coord, EditSeq: chunk.EditSeq(), Blocks: chunk.Snapshot()}, now, func(acked bool) {
			c.inflight--
			if acked && initial {
				s.initialDelivered(c, coord, now)
			}
		})
	}
}

// initialDelivered переводит соединение в Live, когда доставлен весь начальный набор
func (s *Server) initialDelivered(c *serverConn, coord vec.ChunkCoord, now time.Time) {
	if !c.initial[coord] {
		return
	}
	delete(c.initial, coord)
	c.initialLeft--
	if c.initialLeft > 0 || c.state.State() != StateSyncing {
		return
	}

	tick := s.tick.Load()
	c.send(&protocol.SyncComplete{Tick: tick}, now, nil)
	if err := c.state.Transition(StateLive); err != nil {
		s.deps.Logger.Error("Синхронизация %s: %v", c.id, err)
		return
	}
	s.deps.Logger.Info("✅ Игрок %s синхронизирован на тике %d", c.name, tick)
}

func (s *Server) broadcastSnapshot(tick uint64, now time.Time) {
	var players []physics.PlayerState
	live := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.sortedConns() {
		if c.state.State() == StateLive {
			players = append(players, c.player)
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return
	}

	snap := &protocol.Snapshot{Tick: tick, Players: players}
	for _, c := range live {
		c.send(snap, now, nil)
	}
}

func (s *Server) checkLiveness(now time.Time) {
	for _, c := range s.sortedConns() {
		if now.Sub(c.lastHeard) > s.cfg.LivenessTimeout {
			s.deps.Logger.Warn("⏱️ Соединение %s не отвечает %v", c.id, now.Sub(c.lastHeard))
			s.disconnect(c, ReasonTimeout, true)
		}
	}
}

// retain выгружает чанки вне радиуса всех игроков
func (s *Server) retain(tick uint64) {
	var observers []world.Observer
	for _, c := range s.conns {
		if st := c.state.State(); st == StateSyncing || st == StateLive {
			observers = append(observers, world.Observer{
				Center:   blockOf(c.player.Position).ChunkOf(),
				Distance: s.cfg.Distance.Expand(1),
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if evicted := s.deps.Store.Retain(ctx, observers, tick); len(evicted) > 0 {
		s.deps.Metrics.AddEvictions(len(evicted))
		s.deps.Logger.Debug("Выгружено %d чанков", len(evicted))
	}
}

func (s *Server) disconnect(c *serverConn, reason string, notify bool) {
	if err := c.state.Transition(StateDisconnected); err != nil {
		return
	}
	if notify {
		c.sendFinal(&protocol.Disconnect{Reason: reason})
	}
	c.close()
	delete(s.conns, c.id)

	if s.deps.Players != nil && c.player.ID != 0 {
		s.savePlayer(c)
	}
	s.deps.Logger.Info("👋 Соединение %s (%s) закрыто: %s", c.id, c.name, reason)
}

func (s *Server) savePlayer(c *serverConn) {
	rec := storage.PlayerRecord{
		PlayerID:  c.name,
		Position:  [3]float64(c.player.Position),
		Yaw:       c.player.Yaw,
		Pitch:     c.player.Pitch,
		UpdatedAt: time.Now(),
	}
	repo := s.deps.Players
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.Save(ctx, rec); err != nil {
			s.deps.Logger.Warn("Не удалось сохранить игрока %s: %v", rec.PlayerID, err)
		}
	}()
}

func (s *Server) publishInfo() {
	counts := map[ConnState]int{}
	infos := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.sortedConns() {
		st := c.state.State()
		counts[st]++
		infos = append(infos, ConnInfo{
			ID:         c.id,
			PlayerID:   c.player.ID,
			Name:       c.name,
			State:      st.String(),
			Remote:     c.conn.RemoteAddr(),
			Position:   [3]float64(c.player.Position),
			LastInput:  c.player.LastInput,
			Unacked:    c.rel.pending(),
			ChunksSent: len(c.sent),
		})
	}
	for _, st := range []ConnState{StateConnecting, StateSyncing, StateLive} {
		s.deps.Metrics.SetConnections(st.String(), counts[st])
	}

	s.infoMu.Lock()
	s.infos = infos
	s.infoMu.Unlock()
}

// blockOf блок, в котором находится точка
func blockOf(p mgl64.Vec3) vec.BlockPos {
	return vec.BlockPos{X: floorInt(p[0]), Y: floorInt(p[1]), Z: floorInt(p[2])}
}

func floorInt(v float64) int {
	i := int(v)
	if float64(i) > v {
		i--
	}
	return i
}
