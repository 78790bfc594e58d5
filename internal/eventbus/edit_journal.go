package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/vec"
	"github.com/annel0/blockverse/internal/world"
	"github.com/annel0/blockverse/internal/world/block"
)

// EventBlockEdit тип события подтверждённой правки блока
const EventBlockEdit = "block_edit"

// editPayload полезная нагрузка события правки
type editPayload struct {
	Chunk [3]int32 `json:"chunk"`
	Local [3]int   `json:"local"`
	Block uint16   `json:"block"`
	Seq   uint64   `json:"seq"`
}

// EncodeEdit упаковывает правку в Envelope
func EncodeEdit(source string, edit world.BlockEdit) (*Envelope, error) {
	payload, err := json.Marshal(editPayload{
		Chunk: [3]int32{edit.Coord.X, edit.Coord.Y, edit.Coord.Z},
		Local: [3]int{edit.Local.X, edit.Local.Y, edit.Local.Z},
		Block: uint16(edit.Block),
		Seq:   edit.Seq,
	})
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		EventType: EventBlockEdit,
		Version:   1,
		Priority:  5,
		Payload:   payload,
	}, nil
}

// DecodeEdit разбирает правку из Envelope
func DecodeEdit(ev *Envelope) (world.BlockEdit, error) {
	if ev.EventType != EventBlockEdit {
		return world.BlockEdit{}, fmt.Errorf("событие %s не является правкой", ev.EventType)
	}
	var p editPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return world.BlockEdit{}, fmt.Errorf("разбор правки %s: %w", ev.ID, err)
	}
	edit := world.BlockEdit{
		Coord: vec.ChunkCoord{X: p.Chunk[0], Y: p.Chunk[1], Z: p.Chunk[2]},
		Local: vec.LocalPos{X: p.Local[0], Y: p.Local[1], Z: p.Local[2]},
		Block: block.BlockID(p.Block),
		Seq:   p.Seq,
	}
	if !edit.Local.InBounds() {
		return world.BlockEdit{}, fmt.Errorf("%w: %v", world.ErrOutOfBounds, p.Local)
	}
	return edit, nil
}

// EditJournal публикует правки блоков в шину вне потока симуляции.
// PublishEdit не блокирует: при переполнении очереди правка теряется для журнала
// (в мире и у клиентов она уже применена).
type EditJournal struct {
	bus    EventBus
	source string
	logger *logging.Logger

	queue   chan world.BlockEdit
	mu      sync.Mutex
	dropped uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewEditJournal запускает горутину публикации
func NewEditJournal(bus EventBus, source string, buffer int, logger *logging.Logger) *EditJournal {
	if buffer <= 0 {
		buffer = 1024
	}
	j := &EditJournal{
		bus:    bus,
		source: source,
		logger: logger,
		queue:  make(chan world.BlockEdit, buffer),
	}
	j.wg.Add(1)
	go j.loop()
	return j
}

// PublishEdit реализует network.EditSink
func (j *EditJournal) PublishEdit(edit world.BlockEdit) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- edit:
	default:
		j.dropped++
	}
}

// Dropped количество правок, не попавших в журнал
func (j *EditJournal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *EditJournal) loop() {
	defer j.wg.Done()
	for edit := range j.queue {
		ev, err := EncodeEdit(j.source, edit)
		if err != nil {
			j.logger.Error("Ошибка кодирования правки %s: %v", edit.Coord, err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := j.bus.Publish(ctx, ev); err != nil {
			j.logger.Warn("Правка %s#%d не опубликована: %v", edit.Coord, edit.Seq, err)
		}
		cancel()
	}
}

// Close публикует остаток очереди и останавливает горутину
func (j *EditJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
}
