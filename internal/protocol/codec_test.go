package protocol

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

func TestSnapshotFloatsAreBitExact(t *testing.T) {
	negZero := math.Copysign(0, -1)
	state := physics.PlayerState{
		ID:        7,
		Position:  mgl64.Vec3{0.1 + 0.2, negZero, -1e-300},
		Velocity:  mgl64.Vec3{math.SmallestNonzeroFloat64, 3.5, -2},
		Yaw:       math.Pi,
		Pitch:     -0.25,
		OnGround:  true,
		LastInput: 42,
	}

	data := Encode(Packet{Ack: 3, Message: &Snapshot{Tick: 99, Players: []physics.PlayerState{state}}})
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), p.Ack)

	snap, ok := p.Message.(*Snapshot)
	require.True(t, ok)
	got, ok := snap.Find(7)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		assert.Equal(t, math.Float64bits(state.Position[i]), math.Float64bits(got.Position[i]))
		assert.Equal(t, math.Float64bits(state.Velocity[i]), math.Float64bits(got.Velocity[i]))
	}
	assert.Equal(t, state, got)
	assert.Equal(t, uint64(99), snap.Tick)
}

func TestChunkDataIsCompressed(t *testing.T) {
	gen := world.NewPerlinGenerator(3)
	c := gen.Generate(vec.ChunkCoord{X: -2, Y: 0, Z: 5})

	data := Encode(Packet{Seq: 1, Message: &ChunkData{Coord: c.Coord(), EditSeq: 4, Blocks: c.Snapshot()}})
	assert.Less(t, len(data), world.EncodedBlocksSize/4, "чанк должен передаваться сжатым")

	p, err := Decode(data)
	require.NoError(t, err)
	cd := p.Message.(*ChunkData)
	assert.Equal(t, c.Coord(), cd.Coord)
	assert.Equal(t, uint64(4), cd.EditSeq)
	assert.Equal(t, *c.Snapshot(), *cd.Blocks)
}

func TestBlockEditAndInputs(t *testing.T) {
	edit := &BlockEdit{
		Coord: vec.ChunkCoord{X: -1, Y: 2, Z: -3},
		Local: vec.LocalPos{X: 31, Y: 0, Z: 17},
		Block: block.GlassBlockID,
		Seq:   12,
	}
	p, err := Decode(Encode(Packet{Seq: 5, Ack: 2, Message: edit}))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), p.Seq)
	assert.Equal(t, edit, p.Message)

	batch := &InputBatch{Commands: []physics.InputCommand{
		{Sequence: 4, Forward: 1, Yaw: 0.5},
		{Sequence: 5, Forward: 1, Strafe: -1, Actions: physics.ActionJump | physics.ActionPlace, Block: block.StoneBlockID},
	}}
	p, err = Decode(Encode(Packet{Message: batch}))
	require.NoError(t, err)
	assert.Equal(t, batch, p.Message)
}

func TestMalformedPackets(t *testing.T) {
	valid := Encode(Packet{Message: &Heartbeat{SentAt: 123}})

	cases := map[string][]byte{
		"пустой":         nil,
		"обрезанный":     valid[:len(valid)-1],
		"мусор":          {0xff, 0xff, 0xff},
		"без тела":       appendUint(nil, 1, uint64(MsgHeartbeat)),
		"тип вне списка": appendBytes(appendUint(nil, 1, 200), 4, nil),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestMalformedContent(t *testing.T) {
	t.Run("правка вне чанка", func(t *testing.T) {
		data := Encode(Packet{Seq: 1, Message: &BlockEdit{Local: vec.LocalPos{X: 32}}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("номера ввода не возрастают", func(t *testing.T) {
		data := Encode(Packet{Message: &InputBatch{Commands: []physics.InputCommand{{Sequence: 3}, {Sequence: 3}}}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("NaN во вводе", func(t *testing.T) {
		data := Encode(Packet{Message: &InputBatch{Commands: []physics.InputCommand{{Sequence: 1, Forward: math.NaN()}}}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("ненадёжное сообщение с номером", func(t *testing.T) {
		data := Encode(Packet{Seq: 9, Message: &Snapshot{Tick: 1}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("нулевая частота тиков", func(t *testing.T) {
		data := Encode(Packet{Seq: 1, Message: &HandshakeAck{PlayerID: 1, Distance: world.UniformDistance(1)}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("чанк без данных", func(t *testing.T) {
		data := Encode(Packet{Seq: 1, Message: &ChunkData{Coord: vec.ChunkCoord{X: 1}}})
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("неверный wire-тип", func(t *testing.T) {
		body := protowire.AppendTag(nil, 1, protowire.Fixed64Type)
		body = protowire.AppendFixed64(body, 1)
		data := appendBytes(appendUint(nil, 1, uint64(MsgSyncComplete)), 4, body)
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	body := (&Disconnect{Reason: "bye"}).appendFields(nil)
	body = appendString(body, 15, "новое поле")

	data := appendUint(nil, 1, uint64(MsgDisconnect))
	data = appendBytes(data, 4, body)
	data = appendUint(data, 9, 1)

	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, &Disconnect{Reason: "bye"}, p.Message)
}

func TestHandshakeAckCarriesDistance(t *testing.T) {
	ack := &HandshakeAck{
		PlayerID: 3,
		Tick:     1000,
		TickRate: 20,
		Distance: world.RenderDistance{XMin: 1, XMax: 2, YMin: 0, YMax: 1, ZMin: 3, ZMax: 4},
		State:    physics.PlayerState{ID: 3, Position: mgl64.Vec3{1, 2, 3}},
	}
	p, err := Decode(Encode(Packet{Seq: 1, Message: ack}))
	require.NoError(t, err)
	assert.Equal(t, ack, p.Message)
	assert.True(t, MsgHandshakeAck.Reliable())
	assert.False(t, MsgSnapshot.Reliable())
	assert.Equal(t, "handshake_ack", MsgHandshakeAck.String())
}
