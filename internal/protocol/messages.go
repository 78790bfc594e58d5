package protocol

import (
	"fmt"

	"github.com/annel0/blockverse/internal/physics"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// Version версия протокола, проверяется при рукопожатии
const Version = 1

// MaxInputBatch предел команд ввода в одном пакете
const MaxInputBatch = 128

// MaxSnapshotPlayers предел игроков в одном снимке
const MaxSnapshotPlayers = 1024

// MessageType тип сообщения
type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgHandshake
	MsgHandshakeAck
	MsgChunkData
	MsgBlockEdit
	MsgInputBatch
	MsgSnapshot
	MsgSyncComplete
	MsgAck
	MsgHeartbeat
	MsgDisconnect
)

var messageNames = map[MessageType]string{
	MsgHandshake:    "handshake",
	MsgHandshakeAck: "handshake_ack",
	MsgChunkData:    "chunk_data",
	MsgBlockEdit:    "block_edit",
	MsgInputBatch:   "input_batch",
	MsgSnapshot:     "snapshot",
	MsgSyncComplete: "sync_complete",
	MsgAck:          "ack",
	MsgHeartbeat:    "heartbeat",
	MsgDisconnect:   "disconnect",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Reliable сообщения этого типа идут по надёжному упорядоченному потоку
func (t MessageType) Reliable() bool {
	switch t {
	case MsgHandshake, MsgHandshakeAck, MsgChunkData, MsgBlockEdit, MsgSyncComplete, MsgDisconnect:
		return true
	}
	return false
}

// Message сообщение протокола
type Message interface {
	Type() MessageType
	appendFields(b []byte) []byte
	decodeFields(b []byte) error
}

// Handshake первое сообщение клиента
type Handshake struct {
	Version uint32
	Name    string
	Token   string // JWT, если сервер требует авторизацию
}

// HandshakeAck ответ сервера на рукопожатие
type HandshakeAck struct {
	PlayerID uint32
	Tick     uint64
	TickRate uint32
	Distance world.RenderDistance
	State    physics.PlayerState
}

// ChunkData полное содержимое чанка
type ChunkData struct {
	Coord   vec.ChunkCoord
	EditSeq uint64
	Blocks  *world.Blocks
}

// BlockEdit авторитетная правка блока
type BlockEdit struct {
	Coord vec.ChunkCoord
	Local vec.LocalPos
	Block block.BlockID
	Seq   uint64
}

// ToWorld переводит правку в тип хранилища
func (e BlockEdit) ToWorld() world.BlockEdit {
	return world.BlockEdit{Coord: e.Coord, Local: e.Local, Block: e.Block, Seq: e.Seq}
}

// EditFromWorld строит сообщение из правки хранилища
func EditFromWorld(e world.BlockEdit) *BlockEdit {
	return &BlockEdit{Coord: e.Coord, Local: e.Local, Block: e.Block, Seq: e.Seq}
}

// InputBatch неподтверждённые команды ввода клиента по возрастанию номера
type InputBatch struct {
	Commands []physics.InputCommand
}

// Snapshot авторитетное состояние игроков на тике
type Snapshot struct {
	Tick    uint64
	Players []physics.PlayerState
}

// Find ищет состояние игрока в снимке
func (s *Snapshot) Find(id uint32) (physics.PlayerState, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return physics.PlayerState{}, false
}

// SyncComplete начальный набор чанков доставлен
type SyncComplete struct {
	Tick uint64
}

// Ack подтверждение без полезной нагрузки; номер подтверждения в заголовке пакета
type Ack struct{}

// Heartbeat проверка живости соединения
type Heartbeat struct {
	SentAt int64 // unix nano
}

// Disconnect завершение соединения с причиной
type Disconnect struct {
	Reason string
}

func (*Handshake) Type() MessageType    { return MsgHandshake }
func (*HandshakeAck) Type() MessageType { return MsgHandshakeAck }
func (*ChunkData) Type() MessageType    { return MsgChunkData }
func (*BlockEdit) Type() MessageType    { return MsgBlockEdit }
func (*InputBatch) Type() MessageType   { return MsgInputBatch }
func (*Snapshot) Type() MessageType     { return MsgSnapshot }
func (*SyncComplete) Type() MessageType { return MsgSyncComplete }
func (*Ack) Type() MessageType          { return MsgAck }
func (*Heartbeat) Type() MessageType    { return MsgHeartbeat }
func (*Disconnect) Type() MessageType   { return MsgDisconnect }

func newMessage(t MessageType) (Message, bool) {
	switch t {
	case MsgHandshake:
		return &Handshake{}, true
	case MsgHandshakeAck:
		return &HandshakeAck{}, true
	case MsgChunkData:
		return &ChunkData{}, true
	case MsgBlockEdit:
		return &BlockEdit{}, true
	case MsgInputBatch:
		return &InputBatch{}, true
	case MsgSnapshot:
		return &Snapshot{}, true
	case MsgSyncComplete:
		return &SyncComplete{}, true
	case MsgAck:
		return &Ack{}, true
	case MsgHeartbeat:
		return &Heartbeat{}, true
	case MsgDisconnect:
		return &Disconnect{}, true
	}
	return nil, false
}
