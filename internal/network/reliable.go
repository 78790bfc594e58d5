package network

import (
	"time"

	"github.com/annel0/blockverse/internal/protocol"
)

// maxHeld предел сообщений, удерживаемых до восстановления порядка
const maxHeld = 1024

// pendingReliable отправленное, но не подтверждённое сообщение
type pendingReliable struct {
	seq    uint32
	msg    protocol.Message
	sentAt time.Time
	tries  int
	done   func(acked bool)
}

// reliableStream надёжный упорядоченный поток поверх ненадёжного транспорта.
// Подтверждения накопительные: Ack=N подтверждает все номера до N включительно.
// Принадлежит одной горутине (тику), синхронизации нет.
type reliableStream struct {
	resendAfter time.Duration

	nextSeq uint32
	unacked []*pendingReliable

	recvNext uint32
	held     map[uint32]protocol.Message
	ackDue   bool
}

func newReliableStream(resendAfter time.Duration) *reliableStream {
	return &reliableStream{
		resendAfter: resendAfter,
		nextSeq:     1,
		recvNext:    1,
		held:        make(map[uint32]protocol.Message),
	}
}

// push назначает сообщению номер и запоминает его до подтверждения
func (r *reliableStream) push(m protocol.Message, now time.Time, done func(acked bool)) protocol.Packet {
	seq := r.nextSeq
	r.nextSeq++
	r.unacked = append(r.unacked, &pendingReliable{seq: seq, msg: m, sentAt: now, tries: 1, done: done})
	return protocol.Packet{Seq: seq, Message: m}
}

// ack последний номер, полученный без пропусков
func (r *reliableStream) ack() uint32 {
	return r.recvNext - 1
}

// acknowledge снимает подтверждённые сообщения; возвращает их количество
func (r *reliableStream) acknowledge(ack uint32) int {
	n := 0
	for n < len(r.unacked) && r.unacked[n].seq <= ack {
		n++
	}
	if n == 0 {
		return 0
	}
	acked := r.unacked[:n]
	r.unacked = append(r.unacked[:0:0], r.unacked[n:]...)
	for _, p := range acked {
		if p.done != nil {
			p.done(true)
		}
	}
	return n
}

// receive принимает надёжный пакет и возвращает сообщения, ставшие доступными по порядку
func (r *reliableStream) receive(p protocol.Packet) []protocol.Message {
	r.ackDue = true

	switch {
	case p.Seq < r.recvNext:
		return nil // повтор
	case p.Seq > r.recvNext:
		if p.Seq-r.recvNext <= maxHeld {
			r.held[p.Seq] = p.Message
		}
		return nil
	}

	out := []protocol.Message{p.Message}
	r.recvNext++
	for {
		m, ok := r.held[r.recvNext]
		if !ok {
			break
		}
		delete(r.held, r.recvNext)
		out = append(out, m)
		r.recvNext++
	}
	return out
}

// due возвращает пакеты для повторной отправки
func (r *reliableStream) due(now time.Time) []protocol.Packet {
	var out []protocol.Packet
	for _, p := range r.unacked {
		if now.Sub(p.sentAt) >= r.resendAfter {
			p.sentAt = now
			p.tries++
			out = append(out, protocol.Packet{Seq: p.seq, Message: p.msg})
		}
	}
	return out
}

// pending количество неподтверждённых сообщений
func (r *reliableStream) pending() int {
	return len(r.unacked)
}

// drop отменяет все неподтверждённые сообщения (соединение закрыто)
func (r *reliableStream) drop() {
	unacked := r.unacked
	r.unacked = nil
	for _, p := range unacked {
		if p.done != nil {
			p.done(false)
		}
	}
}
