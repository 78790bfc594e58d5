package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// ErrMalformed сообщение не удалось разобрать
var ErrMalformed = errors.New("malformed message")

// codeWrongType поле пришло с неожиданным wire-типом
const codeWrongType = -100

var (
	chunkEncoder *zstd.Encoder
	chunkDecoder *zstd.Decoder
)

func init() {
	var err error
	chunkEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("не удалось создать zstd encoder: %v", err))
	}
	chunkDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(world.EncodedBlocksSize)*2))
	if err != nil {
		panic(fmt.Sprintf("не удалось создать zstd decoder: %v", err))
	}
}

// Packet пакет транспорта: заголовок надёжного потока и одно сообщение
type Packet struct {
	Seq     uint32 // номер в надёжном потоке, 0 для ненадёжных сообщений
	Ack     uint32 // последний подряд полученный надёжный номер
	Message Message
}

// Encode кодирует пакет в wire-формат protobuf
func Encode(p Packet) []byte {
	body := p.Message.appendFields(nil)

	b := make([]byte, 0, len(body)+16)
	b = appendUint(b, 1, uint64(p.Message.Type()))
	b = appendUint(b, 2, uint64(p.Seq))
	b = appendUint(b, 3, uint64(p.Ack))
	b = appendBytes(b, 4, body)
	return b
}

// Decode разбирает пакет; любая ошибка оборачивает ErrMalformed
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, fmt.Errorf("%w: пустой пакет", ErrMalformed)
	}

	var (
		p       Packet
		msgType uint64
		body    []byte
		hasBody bool
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readUint64(typ, b, &msgType)
		case 2:
			return readUint32(typ, b, &p.Seq)
		case 3:
			return readUint32(typ, b, &p.Ack)
		case 4:
			hasBody = true
			return readBytes(typ, b, &body)
		}
		return 0
	})
	if err != nil {
		return Packet{}, err
	}
	if !hasBody {
		return Packet{}, fmt.Errorf("%w: нет тела сообщения", ErrMalformed)
	}

	t := MessageType(msgType)
	msg, ok := newMessage(t)
	if !ok || msgType > math.MaxUint8 {
		return Packet{}, fmt.Errorf("%w: неизвестный тип %d", ErrMalformed, msgType)
	}
	if p.Seq != 0 && !t.Reliable() {
		return Packet{}, fmt.Errorf("%w: %s с номером надёжного потока", ErrMalformed, t)
	}
	if err := msg.decodeFields(body); err != nil {
		return Packet{}, fmt.Errorf("%w: %s: %v", ErrMalformed, t, err)
	}
	p.Message = msg
	return p, nil
}

// ---- запись ----

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

// appendFloat пишет биты float64 без потерь, включая -0 и NaN
func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendCoord(b []byte, c vec.ChunkCoord) []byte {
	b = appendInt(b, 1, int64(c.X))
	b = appendInt(b, 2, int64(c.Y))
	return appendInt(b, 3, int64(c.Z))
}

// ---- чтение ----

// fieldFunc разбирает одно поле; 0 означает неизвестное поле, отрицательное значение ошибку
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: тег: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m == codeWrongType {
			return fmt.Errorf("%w: поле %d: неверный тип %d", ErrMalformed, num, typ)
		}
		if m < 0 {
			return fmt.Errorf("%w: поле %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func readUint64(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return codeWrongType
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		*dst = v
	}
	return n
}

func readUint32(typ protowire.Type, b []byte, dst *uint32) int {
	var v uint64
	n := readUint64(typ, b, &v)
	if n > 0 {
		if v > math.MaxUint32 {
			return codeWrongType
		}
		*dst = uint32(v)
	}
	return n
}

func readInt64(typ protowire.Type, b []byte, dst *int64) int {
	var v uint64
	n := readUint64(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeZigZag(v)
	}
	return n
}

func readInt32(typ protowire.Type, b []byte, dst *int32) int {
	var v int64
	n := readInt64(typ, b, &v)
	if n > 0 {
		if v < math.MinInt32 || v > math.MaxInt32 {
			return codeWrongType
		}
		*dst = int32(v)
	}
	return n
}

func readInt(typ protowire.Type, b []byte, dst *int) int {
	var v int32
	n := readInt32(typ, b, &v)
	if n > 0 {
		*dst = int(v)
	}
	return n
}

func readBool(typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := readUint64(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func readFloat(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return codeWrongType
	}
	v, n := protowire.ConsumeFixed64(b)
	if n > 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func readBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return codeWrongType
	}
	v, n := protowire.ConsumeBytes(b)
	if n > 0 {
		*dst = v
	}
	return n
}

func readString(typ protowire.Type, b []byte, dst *string) int {
	var v []byte
	n := readBytes(typ, b, &v)
	if n > 0 {
		*dst = string(v)
	}
	return n
}

func readCoord(num protowire.Number, typ protowire.Type, b []byte, c *vec.ChunkCoord) int {
	switch num {
	case 1:
		return readInt32(typ, b, &c.X)
	case 2:
		return readInt32(typ, b, &c.Y)
	case 3:
		return readInt32(typ, b, &c.Z)
	}
	return 0
}

// ---- вложенные структуры ----

func appendPlayerState(b []byte, s physics.PlayerState) []byte {
	b = appendUint(b, 1, uint64(s.ID))
	for i := 0; i < 3; i++ {
		b = appendFloat(b, protowire.Number(2+i), s.Position[i])
		b = appendFloat(b, protowire.Number(5+i), s.Velocity[i])
	}
	b = appendFloat(b, 8, s.Yaw)
	b = appendFloat(b, 9, s.Pitch)
	b = appendBool(b, 10, s.OnGround)
	return appendUint(b, 11, uint64(s.LastInput))
}

func decodePlayerState(data []byte) (physics.PlayerState, error) {
	var s physics.PlayerState
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1:
			return readUint32(typ, b, &s.ID)
		case num >= 2 && num <= 4:
			return readFloat(typ, b, &s.Position[num-2])
		case num >= 5 && num <= 7:
			return readFloat(typ, b, &s.Velocity[num-5])
		case num == 8:
			return readFloat(typ, b, &s.Yaw)
		case num == 9:
			return readFloat(typ, b, &s.Pitch)
		case num == 10:
			return readBool(typ, b, &s.OnGround)
		case num == 11:
			return readUint32(typ, b, &s.LastInput)
		}
		return 0
	})
	return s, err
}

func appendInput(b []byte, in physics.InputCommand) []byte {
	b = appendUint(b, 1, uint64(in.Sequence))
	b = appendFloat(b, 2, in.Forward)
	b = appendFloat(b, 3, in.Strafe)
	b = appendFloat(b, 4, in.Yaw)
	b = appendFloat(b, 5, in.Pitch)
	b = appendUint(b, 6, uint64(in.Actions))
	return appendUint(b, 7, uint64(in.Block))
}

func decodeInput(data []byte) (physics.InputCommand, error) {
	var (
		in          physics.InputCommand
		actions, id uint64
	)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readUint32(typ, b, &in.Sequence)
		case 2:
			return readFloat(typ, b, &in.Forward)
		case 3:
			return readFloat(typ, b, &in.Strafe)
		case 4:
			return readFloat(typ, b, &in.Yaw)
		case 5:
			return readFloat(typ, b, &in.Pitch)
		case 6:
			return readUint64(typ, b, &actions)
		case 7:
			return readUint64(typ, b, &id)
		}
		return 0
	})
	if err != nil {
		return in, err
	}
	if actions > math.MaxUint8 || id > math.MaxUint16 {
		return in, fmt.Errorf("значение вне диапазона")
	}
	for _, v := range [...]float64{in.Forward, in.Strafe, in.Yaw, in.Pitch} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return in, fmt.Errorf("нечисловое значение во вводе %d", in.Sequence)
		}
	}
	in.Actions = physics.Action(actions)
	in.Block = block.BlockID(id)
	return in, nil
}

// ---- сообщения ----

func (m *Handshake) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Version))
	b = appendString(b, 2, m.Name)
	return appendString(b, 3, m.Token)
}

func (m *Handshake) decodeFields(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readUint32(typ, b, &m.Version)
		case 2:
			return readString(typ, b, &m.Name)
		case 3:
			return readString(typ, b, &m.Token)
		}
		return 0
	})
}

func (m *HandshakeAck) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.PlayerID))
	b = appendUint(b, 2, m.Tick)
	b = appendUint(b, 3, uint64(m.TickRate))

	d := m.Distance
	var dist []byte
	for i, v := range [...]int32{d.XMin, d.XMax, d.YMin, d.YMax, d.ZMin, d.ZMax} {
		dist = appendInt(dist, protowire.Number(i+1), int64(v))
	}
	b = appendBytes(b, 4, dist)
	return appendBytes(b, 5, appendPlayerState(nil, m.State))
}

func (m *HandshakeAck) decodeFields(data []byte) error {
	var dist, state []byte
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readUint32(typ, b, &m.PlayerID)
		case 2:
			return readUint64(typ, b, &m.Tick)
		case 3:
			return readUint32(typ, b, &m.TickRate)
		case 4:
			return readBytes(typ, b, &dist)
		case 5:
			return readBytes(typ, b, &state)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if m.TickRate == 0 {
		return fmt.Errorf("нулевая частота тиков")
	}

	d := &m.Distance
	fields := [...]*int32{&d.XMin, &d.XMax, &d.YMin, &d.YMax, &d.ZMin, &d.ZMax}
	err = walkFields(dist, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num >= 1 && int(num) <= len(fields) {
			return readInt32(typ, b, fields[num-1])
		}
		return 0
	})
	if err != nil {
		return err
	}
	for _, v := range fields {
		if *v < 0 {
			return fmt.Errorf("отрицательная дальность обзора")
		}
	}

	m.State, err = decodePlayerState(state)
	return err
}

// appendFields сжимает блоки в момент кодирования
func (m *ChunkData) appendFields(b []byte) []byte {
	b = appendCoord(b, m.Coord)
	b = appendUint(b, 4, m.EditSeq)
	if m.Blocks != nil {
		b = appendBytes(b, 5, chunkEncoder.EncodeAll(world.EncodeBlocks(m.Blocks), nil))
	}
	return b
}

func (m *ChunkData) decodeFields(data []byte) error {
	var payload []byte
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1, 2, 3:
			return readCoord(num, typ, b, &m.Coord)
		case 4:
			return readUint64(typ, b, &m.EditSeq)
		case 5:
			return readBytes(typ, b, &payload)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("нет данных чанка %s", m.Coord)
	}

	raw, err := chunkDecoder.DecodeAll(payload, make([]byte, 0, world.EncodedBlocksSize))
	if err != nil {
		return fmt.Errorf("распаковка чанка %s: %v", m.Coord, err)
	}
	m.Blocks, err = world.DecodeBlocks(raw)
	return err
}

func (m *BlockEdit) appendFields(b []byte) []byte {
	b = appendCoord(b, m.Coord)
	b = appendInt(b, 4, int64(m.Local.X))
	b = appendInt(b, 5, int64(m.Local.Y))
	b = appendInt(b, 6, int64(m.Local.Z))
	b = appendUint(b, 7, uint64(m.Block))
	return appendUint(b, 8, m.Seq)
}

func (m *BlockEdit) decodeFields(data []byte) error {
	var id uint64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1, 2, 3:
			return readCoord(num, typ, b, &m.Coord)
		case 4:
			return readInt(typ, b, &m.Local.X)
		case 5:
			return readInt(typ, b, &m.Local.Y)
		case 6:
			return readInt(typ, b, &m.Local.Z)
		case 7:
			return readUint64(typ, b, &id)
		case 8:
			return readUint64(typ, b, &m.Seq)
		}
		return 0
	})
	if err != nil {
		return err
	}
	if !m.Local.InBounds() {
		return fmt.Errorf("позиция %d,%d,%d вне чанка", m.Local.X, m.Local.Y, m.Local.Z)
	}
	if id > math.MaxUint16 {
		return fmt.Errorf("блок %d вне диапазона", id)
	}
	m.Block = block.BlockID(id)
	return nil
}

func (m *InputBatch) appendFields(b []byte) []byte {
	for _, in := range m.Commands {
		b = appendBytes(b, 1, appendInput(nil, in))
	}
	return b
}

func (m *InputBatch) decodeFields(data []byte) error {
	var inner error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 {
			return 0
		}
		var raw []byte
		n := readBytes(typ, b, &raw)
		if n < 0 {
			return n
		}
		if len(m.Commands) >= MaxInputBatch {
			inner = fmt.Errorf("больше %d команд", MaxInputBatch)
			return n
		}
		in, err := decodeInput(raw)
		if err != nil && inner == nil {
			inner = err
		}
		m.Commands = append(m.Commands, in)
		return n
	})
	if err != nil {
		return err
	}
	if inner != nil {
		return inner
	}
	for i := 1; i < len(m.Commands); i++ {
		if m.Commands[i].Sequence <= m.Commands[i-1].Sequence {
			return fmt.Errorf("номера ввода не возрастают")
		}
	}
	return nil
}

func (m *Snapshot) appendFields(b []byte) []byte {
	b = appendUint(b, 1, m.Tick)
	for _, p := range m.Players {
		b = appendBytes(b, 2, appendPlayerState(nil, p))
	}
	return b
}

func (m *Snapshot) decodeFields(data []byte) error {
	var inner error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return readUint64(typ, b, &m.Tick)
		case 2:
			var raw []byte
			n := readBytes(typ, b, &raw)
			if n < 0 {
				return n
			}
			if len(m.Players) >= MaxSnapshotPlayers {
				inner = fmt.Errorf("больше %d игроков", MaxSnapshotPlayers)
				return n
			}
			s, err := decodePlayerState(raw)
			if err != nil && inner == nil {
				inner = err
			}
			m.Players = append(m.Players, s)
			return n
		}
		return 0
	})
	if err != nil {
		return err
	}
	return inner
}

func (m *SyncComplete) appendFields(b []byte) []byte {
	return appendUint(b, 1, m.Tick)
}

func (m *SyncComplete) decodeFields(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return readUint64(typ, b, &m.Tick)
		}
		return 0
	})
}

func (m *Ack) appendFields(b []byte) []byte { return b }

func (m *Ack) decodeFields(data []byte) error {
	return walkFields(data, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

func (m *Heartbeat) appendFields(b []byte) []byte {
	return appendInt(b, 1, m.SentAt)
}

func (m *Heartbeat) decodeFields(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return readInt64(typ, b, &m.SentAt)
		}
		return 0
	})
}

func (m *Disconnect) appendFields(b []byte) []byte {
	return appendString(b, 1, m.Reason)
}

func (m *Disconnect) decodeFields(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return readString(typ, b, &m.Reason)
		}
		return 0
	})
}
