package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
)

// ErrTransportClosed транспорт закрыт локально или удалённой стороной
var ErrTransportClosed = errors.New("transport closed")

// Conn соединение транспорта: обмен отдельными кадрами.
// Доставка и порядок кадров не гарантируются, надёжность обеспечивает уровень выше.
type Conn interface {
	Send(frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	RemoteAddr() string
	Close() error
}

// Listener принимает входящие соединения
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Dialer устанавливает исходящие соединения
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// PipeConfig параметры канала в памяти
type PipeConfig struct {
	Buffer   int                    // ёмкость очереди в каждую сторону
	DropRate float64                // доля случайно теряемых кадров
	Seed     int64                  // зерно генератора потерь
	Drop     func(frame []byte) bool // точечный фильтр потерь, true — кадр теряется
}

// DefaultPipeConfig канал без потерь
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{Buffer: 1024}
}

// pipeEnd один конец канала в памяти
type pipeEnd struct {
	name   string
	in     chan []byte
	peer   *pipeEnd
	cfg    PipeConfig
	rng    *rand.Rand
	rngMu  sync.Mutex
	closed chan struct{}
	once   sync.Once
	dropMu sync.RWMutex
}

// NewPipe создаёт пару связанных соединений в памяти
func NewPipe(a, b PipeConfig) (Conn, Conn) {
	left := newPipeEnd("pipe-"+uuid.NewString()[:8], a)
	right := newPipeEnd("pipe-"+uuid.NewString()[:8], b)
	left.peer, right.peer = right, left
	return left, right
}

func newPipeEnd(name string, cfg PipeConfig) *pipeEnd {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultPipeConfig().Buffer
	}
	return &pipeEnd{
		name:   name,
		in:     make(chan []byte, cfg.Buffer),
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		closed: make(chan struct{}),
	}
}

// SetDrop меняет фильтр потерь исходящих кадров
func (p *pipeEnd) SetDrop(fn func(frame []byte) bool) {
	p.dropMu.Lock()
	p.cfg.Drop = fn
	p.dropMu.Unlock()
}

func (p *pipeEnd) dropped(frame []byte) bool {
	p.dropMu.RLock()
	drop := p.cfg.Drop
	p.dropMu.RUnlock()
	if drop != nil && drop(frame) {
		return true
	}
	if p.cfg.DropRate <= 0 {
		return false
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64() < p.cfg.DropRate
}

// Send кладёт кадр в очередь другой стороны; при переполнении кадр теряется
func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	default:
	}
	if p.dropped(frame) {
		return nil
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.peer.in <- buf:
	default:
	}
	return nil
}

// Receive ждёт следующий кадр
func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-p.peer.closed:
		// Дочитываем то, что уже в очереди
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, ErrTransportClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) RemoteAddr() string {
	return p.peer.name
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// MemoryNetwork сеть в памяти: слушатели по именам и набор соединений для тестов
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
	client    PipeConfig
	server    PipeConfig
}

// NewMemoryNetwork создаёт сеть; client и server задают потери в каждую сторону
func NewMemoryNetwork(client, server PipeConfig) *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryListener),
		client:    client,
		server:    server,
	}
}

// Listen регистрирует слушателя по адресу
func (n *MemoryNetwork) Listen(addr string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("адрес %s уже занят", addr)
	}
	l := &MemoryListener{
		addr:    addr,
		network: n,
		accept:  make(chan Conn, 64),
		closed:  make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// Dial соединяется со слушателем по адресу
func (n *MemoryNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("нет слушателя на %s", addr)
	}

	clientEnd, serverEnd := NewPipe(n.client, n.server)
	select {
	case l.accept <- serverEnd:
		return clientEnd, nil
	case <-l.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryListener слушатель сети в памяти
type MemoryListener struct {
	addr    string
	network *MemoryNetwork
	accept  chan Conn
	closed  chan struct{}
	once    sync.Once
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Addr() string {
	return l.addr
}

func (l *MemoryListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		delete(l.network.listeners, l.addr)
		l.network.mu.Unlock()
	})
	return nil
}
