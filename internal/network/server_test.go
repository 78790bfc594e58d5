package network

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/protocol"
	"github.com/annel0/blockverse/internal/storage"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

type harness struct {
	t         *testing.T
	server    *Server
	clients   []*Client
	logger    *logging.Logger
	clientCfg ClientConfig
	ends      map[*Client]*pipeEnd
}

func testServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Distance = world.UniformDistance(1)
	cfg.Spawn = [3]float64{0.5, 1, 0.5}
	cfg.ResendAfter = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg ServerConfig, players storage.PlayerRepo) *harness {
	t.Helper()
	logger := logging.NewWriterLogger("test", io.Discard, logging.ERROR)

	storeCfg := world.DefaultStoreConfig()
	storeCfg.Generator = world.FlatGenerator{Height: 1, Block: block.StoneBlockID}
	store := world.NewChunkStore(storeCfg)

	h := &harness{t: t, logger: logger, clientCfg: DefaultClientConfig(), ends: map[*Client]*pipeEnd{}}
	h.clientCfg.ResendAfter = 10 * time.Millisecond
	h.server = NewServer(cfg, ServerDeps{
		Store:    store,
		Registry: block.DefaultRegistry(),
		Engine:   physics.NewEngine(physics.DefaultConfig()),
		Logger:   logger,
		Players:  players,
	})
	t.Cleanup(func() {
		for _, c := range h.clients {
			c.Close()
		}
		h.server.Close()
		_ = store.Close(context.Background())
	})
	return h
}

// connect подключает клиента через пару каналов в памяти
func (h *harness) connect(name string, toServer, toClient PipeConfig) *Client {
	clientEnd, serverEnd := NewPipe(toServer, toClient)
	h.server.Attach(serverEnd)

	cfg := h.clientCfg
	cfg.Name = name
	c := NewClient(clientEnd, cfg, ClientDeps{
		Store:    world.NewChunkStore(world.DefaultStoreConfig()),
		Registry: block.DefaultRegistry(),
		Engine:   physics.NewEngine(physics.DefaultConfig()),
		Logger:   h.logger,
	})
	h.clients = append(h.clients, c)
	h.ends[c] = serverEnd.(*pipeEnd)
	return c
}

// pump крутит тики сервера и кадры клиентов, пока не выполнится cond.
// input возвращает false для кадра без ввода.
func (h *harness) pump(cond func() bool, input func(*Client) (physics.InputCommand, bool)) bool {
	for i := 0; i < 1500; i++ {
		now := time.Now()
		h.server.Step(now)
		for _, c := range h.clients {
			if input == nil {
				c.Update(now)
				continue
			}
			if in, ok := input(c); ok {
				c.Tick(now, in)
			} else {
				c.Update(now)
			}
		}
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (h *harness) waitLive(clients ...*Client) {
	h.t.Helper()
	ok := h.pump(func() bool {
		for _, c := range clients {
			if c.State() != StateLive {
				return false
			}
		}
		return true
	}, nil)
	require.True(h.t, ok, "клиенты не дошли до Live")
}

func TestHandshakeSyncsInitialViewThenLive(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	c := h.connect("alice", DefaultPipeConfig(), DefaultPipeConfig())

	h.waitLive(c)

	assert.NotZero(t, c.PlayerID())
	assert.Equal(t, world.UniformDistance(1), c.Distance())
	assert.GreaterOrEqual(t, c.deps.Store.Len(), world.UniformDistance(1).Volume(), "весь начальный набор на клиенте")

	id, loaded := c.deps.Store.BlockAt(vec.BlockPos{X: 0, Y: 0, Z: 0})
	assert.True(t, loaded)
	assert.Equal(t, block.StoneBlockID, id)

	conns := h.server.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "alice", conns[0].Name)
	assert.Equal(t, StateLive.String(), conns[0].State)
}

func TestPredictionMatchesServerWithoutLoss(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	c := h.connect("walker", DefaultPipeConfig(), DefaultPipeConfig())
	h.waitLive(c)

	frames := 0
	walk := func(*Client) (physics.InputCommand, bool) {
		frames++
		return physics.InputCommand{Forward: 1, Yaw: 0.25}, frames <= 40
	}
	ok := h.pump(func() bool {
		return frames > 60 && len(c.Predictor().Pending()) == 0
	}, walk)
	require.True(t, ok, "сервер не подтвердил весь ввод")

	assert.Equal(t, 0, c.Predictor().Replays(), "детерминированная физика сходится без переигрывания")
	assert.Equal(t, c.Predictor().Confirmed(), c.Predictor().Predicted())
	assert.Less(t, c.Predictor().Predicted().Position[2], 0.0)
}

func TestEditBroadcastToOtherClient(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	miner := h.connect("miner", DefaultPipeConfig(), DefaultPipeConfig())
	watcher := h.connect("watcher", DefaultPipeConfig(), DefaultPipeConfig())
	h.waitLive(miner, watcher)

	broke := false
	dig := func(c *Client) (physics.InputCommand, bool) {
		if c == miner && !broke {
			broke = true
			return physics.InputCommand{Pitch: -math.Pi / 2, Actions: physics.ActionBreak}, true
		}
		return physics.InputCommand{}, false
	}
	target := vec.BlockPos{X: 0, Y: 0, Z: 0}
	ok := h.pump(func() bool {
		id, loaded := watcher.deps.Store.BlockAt(target)
		return loaded && id == block.AirBlockID
	}, dig)
	require.True(t, ok, "правка не дошла до второго клиента")

	id, _ := miner.deps.Store.BlockAt(target)
	assert.Equal(t, block.AirBlockID, id)
	serverID, _ := h.server.deps.Store.BlockAt(target)
	assert.Equal(t, block.AirBlockID, serverID)

	ok = h.pump(func() bool { return len(watcher.Players()) == 1 }, nil)
	require.True(t, ok)
	assert.Equal(t, miner.PlayerID(), watcher.Players()[0].ID)
}

func TestSyncSurvivesPacketLoss(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	lossy := func(seed int64) PipeConfig {
		return PipeConfig{Buffer: 1024, DropRate: 0.2, Seed: seed}
	}
	c := h.connect("lossy", lossy(1), lossy(2))

	h.waitLive(c)
	id, loaded := c.deps.Store.BlockAt(vec.BlockPos{X: 5, Y: 0, Z: 5})
	assert.True(t, loaded)
	assert.Equal(t, block.StoneBlockID, id)
}

func TestMalformedFloodDisconnectsWithProtocolAbuse(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	raw, serverEnd := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	h.server.Attach(serverEnd)

	for i := 0; i < 40; i++ {
		require.NoError(t, raw.Send([]byte{0xff}))
	}

	var reason string
	ok := h.pump(func() bool {
		for _, frame := range drainFrames(t, raw) {
			pkt, err := protocol.Decode(frame)
			require.NoError(t, err)
			if d, isDisconnect := pkt.Message.(*protocol.Disconnect); isDisconnect {
				reason = d.Reason
			}
		}
		return reason != ""
	}, nil)
	require.True(t, ok)
	assert.Equal(t, ReasonProtocolAbuse, reason)
	assert.Empty(t, h.server.Connections())
}

func TestSingleMalformedMessageIsDropped(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	raw, serverEnd := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	h.server.Attach(serverEnd)

	require.NoError(t, raw.Send([]byte{0xff}))
	hs := protocol.Encode(protocol.Packet{Seq: 1, Message: &protocol.Handshake{Version: protocol.Version, Name: "raw"}})
	require.NoError(t, raw.Send(hs))

	var acked bool
	ok := h.pump(func() bool {
		for _, frame := range drainFrames(t, raw) {
			pkt, err := protocol.Decode(frame)
			require.NoError(t, err)
			if _, isAck := pkt.Message.(*protocol.HandshakeAck); isAck {
				acked = true
			}
		}
		return acked
	}, nil)
	require.True(t, ok, "соединение пережило одно повреждённое сообщение")
}

func TestVersionMismatchIsRejected(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	raw, serverEnd := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	h.server.Attach(serverEnd)

	hs := protocol.Encode(protocol.Packet{Seq: 1, Message: &protocol.Handshake{Version: protocol.Version + 1}})
	require.NoError(t, raw.Send(hs))

	var reason string
	ok := h.pump(func() bool {
		for _, frame := range drainFrames(t, raw) {
			pkt, err := protocol.Decode(frame)
			require.NoError(t, err)
			if d, isDisconnect := pkt.Message.(*protocol.Disconnect); isDisconnect {
				reason = d.Reason
			}
		}
		return reason != ""
	}, nil)
	require.True(t, ok)
	assert.Equal(t, ReasonVersion, reason)
}

func TestSilentConnectionTimesOut(t *testing.T) {
	cfg := testServerConfig()
	cfg.LivenessTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg, nil)
	raw, serverEnd := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	h.server.Attach(serverEnd)

	hs := protocol.Encode(protocol.Packet{Seq: 1, Message: &protocol.Handshake{Version: protocol.Version, Name: "silent"}})
	require.NoError(t, raw.Send(hs))

	var reason string
	ok := h.pump(func() bool {
		for _, frame := range drainFrames(t, raw) {
			pkt, err := protocol.Decode(frame)
			require.NoError(t, err)
			if d, isDisconnect := pkt.Message.(*protocol.Disconnect); isDisconnect {
				reason = d.Reason
			}
		}
		return reason != ""
	}, nil)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, reason)
	assert.Empty(t, h.server.Connections())
}

func TestClientTimesOutWhenServerGoesQuiet(t *testing.T) {
	h := newHarness(t, testServerConfig(), nil)
	h.clientCfg.LivenessTimeout = 200 * time.Millisecond
	c := h.connect("lonely", DefaultPipeConfig(), DefaultPipeConfig())
	h.waitLive(c)

	h.ends[c].SetDrop(func([]byte) bool { return true })

	ok := h.pump(func() bool { return c.State() == StateDisconnected }, nil)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, c.DisconnectReason())
}

func TestPlayerPositionPersistsAcrossSessions(t *testing.T) {
	repo := storage.NewMemoryPlayerRepo()
	h := newHarness(t, testServerConfig(), repo)

	first := h.connect("bob", DefaultPipeConfig(), DefaultPipeConfig())
	h.waitLive(first)

	frames := 0
	walk := func(c *Client) (physics.InputCommand, bool) {
		frames++
		return physics.InputCommand{Forward: 1}, frames <= 20
	}
	require.True(t, h.pump(func() bool {
		return frames > 20 && len(first.Predictor().Pending()) == 0
	}, walk))
	left := first.Predictor().Confirmed().Position

	first.Close()
	h.clients = nil
	require.True(t, h.pump(func() bool {
		_, found, err := repo.Load(context.Background(), "bob")
		return err == nil && found
	}, nil), "позиция не сохранена после отключения")

	second := h.connect("bob", DefaultPipeConfig(), DefaultPipeConfig())
	h.waitLive(second)
	state, ok := second.Predicted()
	require.True(t, ok)
	assert.InDelta(t, left[2], state.Position[2], 1e-9)
}

func TestAttachAfterShutdownDoesNotBlock(t *testing.T) {
	cfg := testServerConfig()
	cfg.InboundQueue = 1
	h := newHarness(t, cfg, nil)

	_, first := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	h.server.Attach(first)
	h.server.Close()

	_, second := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	attached := make(chan struct{})
	go func() {
		h.server.Attach(second)
		close(attached)
	}()

	select {
	case <-attached:
	case <-time.After(2 * time.Second):
		t.Fatal("Attach завис на заполненной очереди после остановки")
	}
	select {
	case <-second.(*pipeEnd).closed:
	default:
		t.Fatal("отклонённое соединение должно быть закрыто")
	}
}

// bareClient клиент после рукопожатия без сервера; handle* вызываются напрямую
func bareClient(t *testing.T) *Client {
	t.Helper()
	clientEnd, _ := NewPipe(DefaultPipeConfig(), DefaultPipeConfig())
	c := NewClient(clientEnd, DefaultClientConfig(), ClientDeps{
		Store:    world.NewChunkStore(world.DefaultStoreConfig()),
		Registry: block.DefaultRegistry(),
		Engine:   physics.NewEngine(physics.DefaultConfig()),
		Logger:   logging.NewWriterLogger("test", io.Discard, logging.ERROR),
	})
	t.Cleanup(c.Close)

	c.playerID = 1
	c.distance = world.UniformDistance(1)
	c.predictor = NewPredictor(c.deps.Engine, c.query, 0.05, physics.PlayerState{ID: 1, Position: mgl64.Vec3{0.5, 1, 0.5}})
	return c
}

func TestOlderSnapshotDoesNotMoveOtherPlayers(t *testing.T) {
	c := bareClient(t)

	c.handleSnapshot(&protocol.Snapshot{Tick: 10, Players: []physics.PlayerState{{ID: 2, Position: mgl64.Vec3{5, 1, 5}}}})
	// старый снимок без своего игрока приходит позже
	c.handleSnapshot(&protocol.Snapshot{Tick: 8, Players: []physics.PlayerState{{ID: 2, Position: mgl64.Vec3{1, 1, 1}}}})

	others := c.Players()
	require.Len(t, others, 1)
	assert.Equal(t, mgl64.Vec3{5, 1, 5}, others[0].Position, "чужой игрок не должен откатываться")
}

func TestClientRetainsViewPlusNeighbourRing(t *testing.T) {
	c := bareClient(t)
	for x := int32(1); x <= 3; x++ {
		c.deps.Store.Insert(world.NewChunk(vec.ChunkCoord{X: x}))
	}

	c.retain()

	_, view := c.deps.Store.Get(vec.ChunkCoord{X: 1})
	_, ring := c.deps.Store.Get(vec.ChunkCoord{X: 2})
	_, beyond := c.deps.Store.Get(vec.ChunkCoord{X: 3})
	assert.True(t, view)
	assert.True(t, ring, "кольцо соседей нужно мешингу и получает правки сервера")
	assert.False(t, beyond, "дальше кольца сервер правки не шлёт")
}
