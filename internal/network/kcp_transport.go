package network

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xtaci/kcp-go/v5"
)

// MaxFrameSize предельный размер кадра KCP
const MaxFrameSize = 1 << 20

// tuneSession настройки KCP для игрового трафика
func tuneSession(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(1, 20, 2, 1)
	s.SetWindowSize(512, 512)
	s.SetMtu(1400)
}

// KCPConn соединение поверх KCP; кадры разделяются 4-байтовой длиной (little endian)
type KCPConn struct {
	session *kcp.UDPSession
	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	once    sync.Once

	errMu   sync.Mutex
	readErr error
}

func newKCPConn(s *kcp.UDPSession) *KCPConn {
	tuneSession(s)
	c := &KCPConn{
		session: s,
		frames:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// DialKCP устанавливает соединение с сервером
func DialKCP(addr string) (*KCPConn, error) {
	s, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return newKCPConn(s), nil
}

// KCPDialer реализует Dialer
type KCPDialer struct{}

func (KCPDialer) Dial(_ context.Context, addr string) (Conn, error) {
	return DialKCP(addr)
}

func (c *KCPConn) setReadErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *KCPConn) readLoop() {
	defer c.Close()

	r := bufio.NewReader(c.session)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			c.setReadErr(err)
			return
		}
		size := binary.LittleEndian.Uint32(header)
		if size > MaxFrameSize {
			c.setReadErr(fmt.Errorf("кадр %d байт превышает предел", size))
			return
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			c.setReadErr(err)
			return
		}

		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// Send пишет кадр с заголовком длины
func (c *KCPConn) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("кадр %d байт превышает предел", len(frame))
	}
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	data := make([]byte, 4+len(frame))
	binary.LittleEndian.PutUint32(data, uint32(len(frame)))
	copy(data[4:], frame)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.session.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// Receive ждёт следующий кадр
func (c *KCPConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		c.errMu.Lock()
		readErr := c.readErr
		c.errMu.Unlock()
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrTransportClosed, readErr)
		}
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *KCPConn) RemoteAddr() string {
	return c.session.RemoteAddr().String()
}

func (c *KCPConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.session.Close()
	})
	return err
}

// KCPListener слушатель KCP
type KCPListener struct {
	listener *kcp.Listener
	accepted chan Conn
	done     chan struct{}
	once     sync.Once
}

// ListenKCP начинает приём соединений на адресе
func ListenKCP(addr string) (*KCPListener, error) {
	l, err := kcp.ListenWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	kl := &KCPListener{
		listener: l,
		accepted: make(chan Conn, 16),
		done:     make(chan struct{}),
	}
	go kl.acceptLoop()
	return kl, nil
}

func (l *KCPListener) acceptLoop() {
	for {
		s, err := l.listener.AcceptKCP()
		if err != nil {
			l.Close()
			return
		}
		select {
		case l.accepted <- newKCPConn(s):
		case <-l.done:
			s.Close()
			return
		}
	}
}

// Accept ждёт следующее соединение
func (l *KCPListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KCPListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *KCPListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.listener.Close()
	})
	return err
}
