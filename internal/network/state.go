package network

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrIllegalTransition недопустимый переход состояния соединения
	ErrIllegalTransition = errors.New("illegal connection state transition")
	// ErrConnectionLost соединение потеряно
	ErrConnectionLost = errors.New("connection lost")
	// ErrDesyncDetected предсказание клиента разошлось с сервером; исправляется сверкой
	ErrDesyncDetected = errors.New("desync detected")
)

// Причины отключения
const (
	ReasonConnectionLost = "connection lost"
	ReasonTimeout        = "timeout"
	ReasonProtocolAbuse  = "protocol abuse"
	ReasonUnauthorized   = "unauthorized"
	ReasonVersion        = "protocol version mismatch"
	ReasonShutdown       = "server shutdown"
	ReasonClientClosed   = "client closed"
)

// ConnState состояние соединения
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSyncing
	StateLive
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Допустимые переходы; Disconnected конечное
var transitions = map[ConnState][]ConnState{
	StateConnecting: {StateSyncing, StateDisconnected},
	StateSyncing:    {StateLive, StateDisconnected},
	StateLive:       {StateDisconnected},
}

// StateMachine состояние соединения, безопасное для чтения из других горутин
type StateMachine struct {
	state atomic.Int32
}

// NewStateMachine начинает в Connecting
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// State текущее состояние
func (m *StateMachine) State() ConnState {
	return ConnState(m.state.Load())
}

// Transition переводит в состояние to или возвращает ErrIllegalTransition
func (m *StateMachine) Transition(to ConnState) error {
	for {
		from := m.State()
		if !allowed(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if m.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func allowed(from, to ConnState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
