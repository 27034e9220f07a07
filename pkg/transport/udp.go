package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// Константы аудио канала
const (
	// DefaultBufferSize размер буфера приема по умолчанию (MTU Ethernet)
	DefaultBufferSize = 1500

	// DefaultReceiveTimeout таймаут одного ожидания датаграммы при приеме.
	// Каждые 100ms проверяется контекст вызывающей стороны.
	DefaultReceiveTimeout = 100 * time.Millisecond

	// VoiceOptimizedSendBuffer размер буфера отправки сокета для голоса
	VoiceOptimizedSendBuffer = 65535

	// VoiceOptimizedRecvBuffer размер буфера приема сокета для голоса
	VoiceOptimizedRecvBuffer = 65535

	// DSCPExpeditedForwarding EF (101110) для интерактивного аудио согласно RFC 4594
	DSCPExpeditedForwarding = 46
	// DSCPBestEffort обычный трафик без гарантий
	DSCPBestEffort = 0
)

// UDPConfig конфигурация ненадежного аудио канала
type UDPConfig struct {
	LocalAddr      string        // Локальный адрес, ":0" - системный эфемерный порт
	BufferSize     int           // Размер буфера приема одной датаграммы
	ReceiveTimeout time.Duration // Шаг ожидания при приеме
	DSCP           int           // DSCP маркировка (0 - не выставлять)
}

// DefaultUDPConfig возвращает конфигурацию по умолчанию
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		LocalAddr:      ":0",
		BufferSize:     DefaultBufferSize,
		ReceiveTimeout: DefaultReceiveTimeout,
		DSCP:           DSCPExpeditedForwarding,
	}
}

// ApplyDefaults заполняет незаданные поля
func (c *UDPConfig) ApplyDefaults() {
	if c.LocalAddr == "" {
		c.LocalAddr = ":0"
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
}

// Validate проверяет корректность конфигурации
func (c *UDPConfig) Validate() error {
	if c.BufferSize < 0 {
		return fmt.Errorf("размер буфера не может быть отрицательным")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("DSCP должен быть в диапазоне 0-63")
	}
	return nil
}

// UDPChannel ненадежный канал датаграмм для аудио.
// Не дает гарантий доставки и порядка; отправка не блокируется очередью,
// при перегрузке датаграммы отбрасываются ядром.
type UDPChannel struct {
	conn   *net.UDPConn
	config UDPConfig
	closed atomic.Bool
	mu     sync.Mutex
}

// NewUDPChannel создает и привязывает UDP сокет.
// Занятый порт возвращается как ErrPortInUse.
func NewUDPChannel(config UDPConfig) (*UDPChannel, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация UDP: %w", err)
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, wrapBindError("udp", config.LocalAddr, err)
	}

	if err := setSockOptForVoice(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPChannel{conn: conn, config: config}, nil
}

// SendTo отправляет одну датаграмму. Не выделяет память в успешном случае.
func (c *UDPChannel) SendTo(frame []byte, addr netip.AddrPort) error {
	if _, err := c.conn.WriteToUDPAddrPort(frame, addr); err != nil {
		return classifyNetworkError("udp write", err)
	}
	return nil
}

// Receive принимает одну датаграмму в buf.
// Ожидание дробится на шаги ReceiveTimeout, между ними проверяется ctx.
func (c *UDPChannel) Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, netip.AddrPort{}, err
		}
		if c.closed.Load() {
			return 0, netip.AddrPort{}, ErrClosed
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReceiveTimeout))
		n, addr, err := c.conn.ReadFromUDPAddrPort(buf)
		if err == nil {
			return n, addr, nil
		}

		err = classifyNetworkError("udp read", err)
		if IsTimeout(err) {
			continue
		}
		return 0, netip.AddrPort{}, err
	}
}

// LocalAddr возвращает локальный адрес
func (c *UDPChannel) LocalAddr() netip.AddrPort {
	addr, ok := c.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

// Port возвращает локальный порт
func (c *UDPChannel) Port() uint16 {
	return c.LocalAddr().Port()
}

// Close закрывает канал. Повторный вызов безопасен.
func (c *UDPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// IsActive проверяет активность канала
func (c *UDPChannel) IsActive() bool {
	return !c.closed.Load()
}
