package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/protocol"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// ClientConfig параметры клиента
type ClientConfig struct {
	Name               string        `yaml:"name"`
	Token              string        `yaml:"token"`
	HeartbeatEvery     time.Duration `yaml:"heartbeat_every"`
	LivenessTimeout    time.Duration `yaml:"liveness_timeout"`
	ResendAfter        time.Duration `yaml:"resend_after"`
	InboundQueue       int           `yaml:"inbound_queue"`
	OutboundQueue      int           `yaml:"outbound_queue"`
	MalformedPerSecond float64       `yaml:"malformed_per_second"`
	MalformedBurst     int           `yaml:"malformed_burst"`
	RetainEvery        int           `yaml:"retain_every"`
}

// DefaultClientConfig значения по умолчанию
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:               "player",
		HeartbeatEvery:     time.Second,
		LivenessTimeout:    10 * time.Second,
		ResendAfter:        200 * time.Millisecond,
		InboundQueue:       1024,
		OutboundQueue:      256,
		MalformedPerSecond: 5,
		MalformedBurst:     20,
		RetainEvery:        20,
	}
}

func (c ClientConfig) peerConfig() PeerConfig {
	return PeerConfig{
		OutboundQueue:      c.OutboundQueue,
		ResendAfter:        c.ResendAfter,
		MalformedPerSecond: c.MalformedPerSecond,
		MalformedBurst:     c.MalformedBurst,
	}
}

// ClientDeps зависимости клиента. Store реплика без генератора и хранилища.
type ClientDeps struct {
	Store    *world.ChunkStore
	Registry *block.Registry
	Engine   *physics.Engine
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

// Client сторона игрока: реплика чанков, предсказание и сверка со снимками.
// Все методы кроме State вызываются из одной горутины (кадра).
type Client struct {
	cfg   ClientConfig
	deps  ClientDeps
	query physics.StoreQuery

	peer    *peer
	inbound chan event
	wg      sync.WaitGroup

	playerID  uint32
	tickRate  uint32
	distance  world.RenderDistance
	predictor *Predictor
	others    map[uint32]physics.PlayerState
	syncTick  uint64

	snapshotTick uint64

	reason        string
	lastHeartbeat time.Time
	frames        uint64
}

// Dial подключается к серверу и отправляет рукопожатие
func Dial(ctx context.Context, dialer Dialer, addr string, cfg ClientConfig, deps ClientDeps) (*Client, error) {
	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("подключение к %s: %w", addr, err)
	}
	return NewClient(conn, cfg, deps), nil
}

// NewClient запускает клиента поверх готового соединения
func NewClient(conn Conn, cfg ClientConfig, deps ClientDeps) *Client {
	if deps.Logger == nil {
		deps.Logger = logging.GetClientLogger()
	}
	now := time.Now()
	c := &Client{
		cfg:           cfg,
		deps:          deps,
		query:         physics.StoreQuery{Store: deps.Store, Registry: deps.Registry},
		peer:          newPeer(conn, cfg.peerConfig(), deps.Logger, deps.Metrics, now),
		inbound:       make(chan event, cfg.InboundQueue),
		others:        make(map[uint32]physics.PlayerState),
		lastHeartbeat: now,
	}
	c.peer.start(&c.wg, c.inbound)
	c.peer.send(&protocol.Handshake{Version: protocol.Version, Name: cfg.Name, Token: cfg.Token}, now, nil)
	c.peer.flush(now)

	deps.Logger.Info("🔌 Подключение к %s как %s", conn.RemoteAddr(), cfg.Name)
	return c
}

// State текущее состояние соединения; безопасно из любой горутины
func (c *Client) State() ConnState {
	return c.peer.state.State()
}

// PlayerID идентификатор игрока после рукопожатия
func (c *Client) PlayerID() uint32 {
	return c.playerID
}

// Distance радиус обзора, выданный сервером
func (c *Client) Distance() world.RenderDistance {
	return c.distance
}

// DisconnectReason причина отключения или пустая строка
func (c *Client) DisconnectReason() string {
	return c.reason
}

// SyncTick тик сервера, на котором завершилась начальная синхронизация
func (c *Client) SyncTick() uint64 {
	return c.syncTick
}

// Predicted предсказанное состояние своего игрока
func (c *Client) Predicted() (physics.PlayerState, bool) {
	if c.predictor == nil {
		return physics.PlayerState{}, false
	}
	return c.predictor.Predicted(), true
}

// Predictor предсказатель; nil до рукопожатия
func (c *Client) Predictor() *Predictor {
	return c.predictor
}

// Players остальные игроки из последнего снимка по возрастанию id
func (c *Client) Players() []physics.PlayerState {
	out := make([]physics.PlayerState, 0, len(c.others))
	for _, p := range c.others {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Poll разбирает всё пришедшее от сервера
func (c *Client) Poll(now time.Time) {
	for {
		select {
		case ev := <-c.inbound:
			c.handleEvent(ev, now)
		default:
			return
		}
	}
}

// Tick кадр с вводом игрока: в Live команда сразу предсказывается и уходит
// на сервер вместе со всеми неподтверждёнными. Возвращает предсказанное состояние.
func (c *Client) Tick(now time.Time, input physics.InputCommand) physics.PlayerState {
	c.Poll(now)
	if c.State() == StateLive && c.predictor != nil {
		c.predictor.Predict(input)
		c.peer.send(&protocol.InputBatch{Commands: c.predictor.Pending()}, now, nil)
	}
	return c.Update(now)
}

// Update кадр без ввода: приём, пульс, проверка живости, выгрузка и повторы
func (c *Client) Update(now time.Time) physics.PlayerState {
	c.frames++
	c.Poll(now)

	if c.State() != StateDisconnected {
		c.service(now)
	}
	state, _ := c.Predicted()
	return state
}

func (c *Client) service(now time.Time) {
	if now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatEvery {
		c.lastHeartbeat = now
		c.peer.send(&protocol.Heartbeat{SentAt: now.UnixNano()}, now, nil)
	}

	if now.Sub(c.peer.lastHeard) > c.cfg.LivenessTimeout {
		c.deps.Logger.Warn("⏱️ Сервер не отвечает %v", now.Sub(c.peer.lastHeard))
		c.disconnect(ReasonTimeout, true)
		return
	}

	if c.cfg.RetainEvery > 0 && c.frames%uint64(c.cfg.RetainEvery) == 0 {
		c.retain()
	}
	c.deps.Store.Update()
	c.peer.flush(now)
}

// Close прощается с сервером и останавливает горутины
func (c *Client) Close() {
	c.disconnect(ReasonClientClosed, true)
	c.wg.Wait()
}

func (c *Client) handleEvent(ev event, now time.Time) {
	if c.State() == StateDisconnected {
		return
	}
	switch ev.kind {
	case eventClosed:
		c.disconnect(ReasonConnectionLost, false)
	case eventAbuse:
		c.deps.Logger.Warn("⚠️ Слишком много повреждённых сообщений от сервера: %v", ev.err)
		c.disconnect(ReasonProtocolAbuse, true)
	case eventPacket:
		for _, m := range c.peer.handle(ev.packet, now) {
			if c.State() == StateDisconnected {
				return
			}
			c.handleMessage(m, now)
		}
	}
}

func (c *Client) handleMessage(m protocol.Message, now time.Time) {
	switch m := m.(type) {
	case *protocol.HandshakeAck:
		c.handleHandshakeAck(m)
	case *protocol.ChunkData:
		if c.predictor == nil {
			c.violation("чанк до рукопожатия")
			return
		}
		c.deps.Store.Insert(world.NewChunkFromBlocks(m.Coord, m.Blocks, m.EditSeq))
	case *protocol.BlockEdit:
		if _, err := c.deps.Store.ApplyEdit(m.ToWorld()); err != nil {
			c.deps.Logger.Debug("Правка %s не применена: %v", m.Coord, err)
		}
	case *protocol.Snapshot:
		c.handleSnapshot(m)
	case *protocol.SyncComplete:
		if err := c.peer.state.Transition(StateLive); err != nil {
			c.violation(err.Error())
			return
		}
		c.syncTick = m.Tick
		c.deps.Logger.Info("✅ Синхронизация завершена на тике %d, загружено %d чанков", m.Tick, c.deps.Store.Len())
	case *protocol.Heartbeat:
		c.deps.Logger.Trace("RTT %v", time.Duration(now.UnixNano()-m.SentAt))
	case *protocol.Disconnect:
		c.deps.Logger.Info("Сервер закрыл соединение: %s", m.Reason)
		c.reason = m.Reason
		c.disconnect(m.Reason, false)
	default:
		c.violation(fmt.Sprintf("неожиданное сообщение %s", m.Type()))
	}
}

func (c *Client) handleHandshakeAck(m *protocol.HandshakeAck) {
	if err := c.peer.state.Transition(StateSyncing); err != nil {
		c.violation(err.Error())
		return
	}
	c.playerID = m.PlayerID
	c.tickRate = m.TickRate
	c.distance = m.Distance
	c.predictor = NewPredictor(c.deps.Engine, c.query, 1/float64(m.TickRate), m.State)
	c.deps.Logger.Info("🤝 Рукопожатие принято: id=%d, тик %d, %d тиков/с", m.PlayerID, m.Tick, m.TickRate)
}

func (c *Client) handleSnapshot(m *protocol.Snapshot) {
	// переставленный старый снимок не трогает ни своё, ни чужие состояния
	if c.predictor == nil || m.Tick <= c.snapshotTick {
		return
	}
	c.snapshotTick = m.Tick

	own, ok := m.Find(c.playerID)
	if ok {
		switch c.predictor.Reconcile(m.Tick, own) {
		case ReconcileStale:
			return
		case ReconcileMatched:
			c.deps.Metrics.Reconciliation("match")
		case ReconcileReplayed:
			c.deps.Metrics.Reconciliation("replay")
			c.deps.Logger.Debug("%v на тике %d, ввод переигран с #%d", ErrDesyncDetected, m.Tick, own.LastInput)
		}
	}

	others := make(map[uint32]physics.PlayerState, len(m.Players))
	for _, p := range m.Players {
		if p.ID != c.playerID {
			others[p.ID] = p
		}
	}
	c.others = others
}

// violation учитывает нарушение протокола в общем лимите с повреждёнными сообщениями
func (c *Client) violation(what string) {
	c.deps.Metrics.Malformed()
	c.deps.Logger.Warn("Нарушение протокола сервером: %s", what)
	if !c.peer.limiter.Allow() {
		c.disconnect(ReasonProtocolAbuse, true)
	}
}

// retain выгружает реплики чанков вне радиуса обзора; кольцо соседей держит Retain
func (c *Client) retain() {
	state, ok := c.Predicted()
	if !ok {
		return
	}
	observers := []world.Observer{{
		Center:   blockOf(state.Position).ChunkOf(),
		Distance: c.distance,
	}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if evicted := c.deps.Store.Retain(ctx, observers, c.frames); len(evicted) > 0 {
		c.deps.Metrics.AddEvictions(len(evicted))
	}
}

func (c *Client) disconnect(reason string, notify bool) {
	if err := c.peer.state.Transition(StateDisconnected); err != nil {
		return
	}
	if c.reason == "" {
		c.reason = reason
	}
	if notify {
		c.peer.sendFinal(&protocol.Disconnect{Reason: reason})
	}
	c.peer.close()
	c.deps.Logger.Info("👋 Отключено: %s", c.reason)
}
