package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"
)

// DefaultControlPort порт управляющего канала по умолчанию
const DefaultControlPort = 8888

// ControlListener надежный канал: принимает управляющие TCP соединения
type ControlListener struct {
	listener net.Listener
	closed   atomic.Bool
}

// ListenControl начинает слушать управляющий порт.
// Занятый порт возвращается как ErrPortInUse.
func ListenControl(addr string) (*ControlListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, wrapBindError("tcp", addr, err)
	}
	return &ControlListener{listener: listener}, nil
}

// Accept ждет следующее соединение.
// После Close возвращает ошибку, удовлетворяющую errors.Is(err, ErrClosed).
func (l *ControlListener) Accept() (net.Conn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("tcp accept: %w", ErrClosed)
		}
		return nil, classifyNetworkError("tcp accept", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Управляющие сообщения по 1-3 байта, задержка Нейгла недопустима для HELLO
		_ = tcpConn.SetNoDelay(true)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(15 * time.Second)
	}
	return conn, nil
}

// Addr возвращает адрес слушателя
func (l *ControlListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port возвращает фактический порт слушателя
func (l *ControlListener) Port() uint16 {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Close закрывает слушатель, ожидающий Accept завершается с ErrClosed
func (l *ControlListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.listener.Close()
}

// CloseConn закрывает управляющее соединение: сначала сторону записи,
// затем соединение целиком
func CloseConn(conn net.Conn) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}
	return conn.Close()
}

// RemoteAddrPort извлекает адрес удаленной стороны соединения.
// IPv4-mapped адреса приводятся к IPv4.
func RemoteAddrPort(conn net.Conn) (netip.AddrPort, error) {
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		ap := addr.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	default:
		ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("неподдерживаемый адрес %q: %w", conn.RemoteAddr(), err)
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
}
