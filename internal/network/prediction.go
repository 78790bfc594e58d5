package network

import (
	"github.com/annel0/blockverse/internal/physics"
)

// InputRingSize ёмкость буфера неподтверждённого ввода
const InputRingSize = 128

// ReconcileResult итог сверки со снимком
type ReconcileResult int

const (
	// ReconcileStale снимок не новее уже применённого
	ReconcileStale ReconcileResult = iota
	// ReconcileMatched предсказание совпало, буфер подрезан
	ReconcileMatched
	// ReconcileReplayed расхождение: состояние сброшено и ввод переигран
	ReconcileReplayed
)

func (r ReconcileResult) String() string {
	switch r {
	case ReconcileStale:
		return "stale"
	case ReconcileMatched:
		return "matched"
	case ReconcileReplayed:
		return "replayed"
	}
	return "unknown"
}

// predictedInput команда и состояние сразу после её применения
type predictedInput struct {
	cmd   physics.InputCommand
	state physics.PlayerState
}

// Predictor предсказание на клиенте: подтверждённое и предсказанное состояние
// плюс кольцевой буфер неподтверждённого ввода для переигрывания.
type Predictor struct {
	engine *physics.Engine
	query  physics.SolidQuery
	dt     float64

	confirmed physics.PlayerState
	predicted physics.PlayerState

	ring  [InputRingSize]predictedInput
	head  int
	count int

	lastAcked predictedInput
	nextSeq   uint32
	lastTick  uint64
	replays   int
}

// NewPredictor начинает с подтверждённого состояния сервера
func NewPredictor(engine *physics.Engine, query physics.SolidQuery, dt float64, initial physics.PlayerState) *Predictor {
	return &Predictor{
		engine:    engine,
		query:     query,
		dt:        dt,
		confirmed: initial,
		predicted: initial,
		lastAcked: predictedInput{cmd: physics.InputCommand{Sequence: initial.LastInput}, state: initial},
		nextSeq:   initial.LastInput + 1,
	}
}

// Predict назначает команде номер и сразу применяет её к предсказанному состоянию
func (p *Predictor) Predict(cmd physics.InputCommand) physics.InputCommand {
	cmd.Sequence = p.nextSeq
	p.nextSeq++

	p.predicted = p.engine.Step(p.query, p.predicted, cmd, p.dt)

	if p.count == InputRingSize {
		p.pop()
	}
	p.ring[(p.head+p.count)%InputRingSize] = predictedInput{cmd: cmd, state: p.predicted}
	p.count++
	return cmd
}

func (p *Predictor) pop() predictedInput {
	e := p.ring[p.head]
	p.head = (p.head + 1) % InputRingSize
	p.count--
	return e
}

// Pending неподтверждённые команды по возрастанию номера
func (p *Predictor) Pending() []physics.InputCommand {
	out := make([]physics.InputCommand, 0, p.count)
	for i := 0; i < p.count; i++ {
		out = append(out, p.ring[(p.head+i)%InputRingSize].cmd)
	}
	return out
}

// Reconcile сверяет авторитетное состояние снимка tick с предсказанием на его номере ввода.
// При совпадении подрезает буфер, при расхождении переигрывает оставшийся ввод от
// авторитетного состояния; результат переигрывания всегда заменяет старое предсказание.
func (p *Predictor) Reconcile(tick uint64, auth physics.PlayerState) ReconcileResult {
	if tick <= p.lastTick {
		return ReconcileStale
	}
	p.lastTick = tick
	p.confirmed = auth

	for p.count > 0 && p.ring[p.head].cmd.Sequence <= auth.LastInput {
		p.lastAcked = p.pop()
	}

	if p.lastAcked.cmd.Sequence == auth.LastInput && p.lastAcked.state == auth {
		return ReconcileMatched
	}

	s := auth
	for i := 0; i < p.count; i++ {
		e := &p.ring[(p.head+i)%InputRingSize]
		s = p.engine.Step(p.query, s, e.cmd, p.dt)
		e.state = s
	}
	p.predicted = s
	p.lastAcked = predictedInput{cmd: physics.InputCommand{Sequence: auth.LastInput}, state: auth}
	p.replays++
	return ReconcileReplayed
}

// Predicted текущее предсказанное состояние
func (p *Predictor) Predicted() physics.PlayerState {
	return p.predicted
}

// Confirmed последнее авторитетное состояние
func (p *Predictor) Confirmed() physics.PlayerState {
	return p.confirmed
}

// Replays сколько раз пришлось переигрывать ввод
func (p *Predictor) Replays() int {
	return p.replays
}
