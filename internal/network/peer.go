package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/annel0/blockverse/internal/logging"
	"github.com/annel0/blockverse/internal/metrics"
	"github.com/annel0/blockverse/internal/protocol"
)

// eventKind тип события из горутин ввода-вывода в тик
type eventKind int

const (
	eventConnected eventKind = iota
	eventPacket
	eventAbuse
	eventClosed
	eventRestored
)

// event сообщение из горутины ввода-вывода в тик
type event struct {
	kind   eventKind
	peer   *peer
	packet protocol.Packet
	err    error
	extra  interface{}
}

// PeerConfig параметры соединения
type PeerConfig struct {
	OutboundQueue      int
	ResendAfter        time.Duration
	MalformedPerSecond float64
	MalformedBurst     int
}

// peer сторона соединения: горутины чтения и записи плюс состояние надёжного потока.
// rel и lastHeard принадлежат тику.
type peer struct {
	id      string
	conn    Conn
	state   *StateMachine
	rel     *reliableStream
	out     chan []byte
	limiter *rate.Limiter
	logger  *logging.Logger
	metrics *metrics.Metrics

	lastHeard time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeer(conn Conn, cfg PeerConfig, logger *logging.Logger, m *metrics.Metrics, now time.Time) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:        uuid.NewString(),
		conn:      conn,
		state:     NewStateMachine(),
		rel:       newReliableStream(cfg.ResendAfter),
		out:       make(chan []byte, cfg.OutboundQueue),
		limiter:   rate.NewLimiter(rate.Limit(cfg.MalformedPerSecond), cfg.MalformedBurst),
		logger:    logger,
		metrics:   m,
		lastHeard: now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// start запускает горутины чтения и записи
func (p *peer) start(wg *sync.WaitGroup, inbound chan<- event) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readLoop(inbound)
	}()
	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
}

// deliver блокирующая доставка служебного события
func (p *peer) deliver(inbound chan<- event, ev event) {
	select {
	case inbound <- ev:
	case <-p.ctx.Done():
	}
}

func (p *peer) readLoop(inbound chan<- event) {
	for {
		frame, err := p.conn.Receive(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				p.deliver(inbound, event{kind: eventClosed, peer: p, err: err})
			}
			return
		}

		pkt, err := protocol.Decode(frame)
		if err != nil {
			p.metrics.Malformed()
			p.logger.LogProtocolError(p.id, err, frame)
			if !p.limiter.Allow() {
				p.deliver(inbound, event{kind: eventAbuse, peer: p, err: err})
				return
			}
			continue
		}
		p.metrics.MessageIn(pkt.Message.Type().String())

		// Очередь ограничена: при переполнении пакет теряется, надёжные будут повторены
		select {
		case inbound <- event{kind: eventPacket, peer: p, packet: pkt}:
		case <-p.ctx.Done():
			return
		default:
			p.logger.Warn("Входящая очередь переполнена, пакет %s от %s отброшен", pkt.Message.Type(), p.id)
		}
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case frame := <-p.out:
			if err := p.conn.Send(frame); err != nil {
				if !errors.Is(err, ErrTransportClosed) {
					p.logger.Warn("Ошибка отправки %s: %v", p.id, err)
				}
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// send отправляет сообщение; надёжные типы идут через поток с подтверждениями.
// done вызывается для надёжных сообщений при подтверждении или отмене.
func (p *peer) send(m protocol.Message, now time.Time, done func(acked bool)) {
	if m.Type().Reliable() {
		p.transmit(p.rel.push(m, now, done))
		return
	}
	p.transmit(protocol.Packet{Message: m})
}

// transmit кодирует пакет с текущим подтверждением и ставит в очередь без блокировки
func (p *peer) transmit(pkt protocol.Packet) {
	pkt.Ack = p.rel.ack()
	p.rel.ackDue = false

	frame := protocol.Encode(pkt)
	select {
	case p.out <- frame:
		p.metrics.MessageOut(pkt.Message.Type().String())
	default:
		p.logger.Debug("Исходящая очередь %s заполнена, %s отброшен", p.id, pkt.Message.Type())
	}
}

// handle обрабатывает пакет и возвращает сообщения в порядке доставки
func (p *peer) handle(pkt protocol.Packet, now time.Time) []protocol.Message {
	p.lastHeard = now
	p.rel.acknowledge(pkt.Ack)

	if pkt.Seq != 0 {
		return p.rel.receive(pkt)
	}
	if pkt.Message.Type() == protocol.MsgAck {
		return nil
	}
	return []protocol.Message{pkt.Message}
}

// flush повторяет неподтверждённые сообщения и отправляет отдельное подтверждение при необходимости
func (p *peer) flush(now time.Time) {
	for _, pkt := range p.rel.due(now) {
		p.metrics.Retransmit()
		p.transmit(pkt)
	}
	if p.rel.ackDue {
		p.transmit(protocol.Packet{Message: &protocol.Ack{}})
	}
}

// sendFinal отправляет прощальное сообщение напрямую, минуя очередь
func (p *peer) sendFinal(m protocol.Message) {
	frame := protocol.Encode(protocol.Packet{Ack: p.rel.ack(), Message: m})
	if err := p.conn.Send(frame); err != nil {
		p.logger.Debug("Не удалось отправить %s для %s: %v", m.Type(), p.id, err)
	}
}

// close останавливает горутины и закрывает транспорт
func (p *peer) close() {
	p.cancel()
	if err := p.conn.Close(); err != nil {
		p.logger.Debug("Ошибка закрытия соединения %s: %v", p.id, err)
	}
	p.rel.drop()
}
