// Package client реализует сторону приемника: подключение к сервису
// микрофона, согласование аудио порта и прием датаграмм.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/omic/pkg/protocol"
	"github.com/arzzra/omic/pkg/transport"
)

// ErrClosed приемник закрыт
var ErrClosed = errors.New("client: receiver closed")

// Config параметры приемника
type Config struct {
	// ServerAddr адрес управляющего порта сервиса
	ServerAddr string
	// AudioAddr локальный адрес приема аудио, ":0" - эфемерный порт
	AudioAddr string
	// DialTimeout таймаут подключения
	DialTimeout time.Duration
	// Logger логгер приемника
	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ServerAddr:  fmt.Sprintf("127.0.0.1:%d", transport.DefaultControlPort),
		AudioAddr:   ":0",
		DialTimeout: 5 * time.Second,
	}
}

// Receiver подключение к сервису микрофона
type Receiver struct {
	control net.Conn
	audio   *transport.UDPChannel
	logger  *slog.Logger

	// mu сериализует запросы по управляющему соединению
	mu     sync.Mutex
	closed atomic.Bool
}

// Dial подключается к сервису и запрашивает трансляцию на локальный аудио порт
func Dial(ctx context.Context, config Config) (*Receiver, error) {
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("адрес сервиса не задан")
	}
	if config.AudioAddr == "" {
		config.AudioAddr = ":0"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "receiver"))

	audio, err := transport.NewUDPChannel(transport.UDPConfig{LocalAddr: config.AudioAddr})
	if err != nil {
		return nil, fmt.Errorf("аудио порт: %w", err)
	}

	dialer := net.Dialer{Timeout: config.DialTimeout}
	control, err := dialer.DialContext(ctx, "tcp", config.ServerAddr)
	if err != nil {
		audio.Close()
		return nil, fmt.Errorf("ошибка подключения к %s: %w", config.ServerAddr, err)
	}
	if tcpConn, ok := control.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	r := &Receiver{
		control: control,
		audio:   audio,
		logger:  logger,
	}

	if _, err := control.Write(protocol.Encode(protocol.Connect(audio.Port()))); err != nil {
		r.closeSockets()
		return nil, fmt.Errorf("ошибка отправки CONNECT: %w", err)
	}

	logger.Info("подключено к сервису",
		slog.String("server", config.ServerAddr),
		slog.Int("audio_port", int(audio.Port())))
	return r, nil
}

// AudioPort локальный порт приема аудио
func (r *Receiver) AudioPort() uint16 {
	return r.audio.Port()
}

// Ping отправляет HELLO и возвращает время до ответа
func (r *Receiver) Ping(ctx context.Context) (time.Duration, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := r.control.SetDeadline(deadline); err != nil {
		return 0, err
	}
	defer r.control.SetDeadline(time.Time{})

	start := time.Now()
	if _, err := r.control.Write(protocol.Encode(protocol.Hello())); err != nil {
		return 0, fmt.Errorf("ошибка отправки HELLO: %w", err)
	}

	var reply [1]byte
	if _, err := io.ReadFull(r.control, reply[:]); err != nil {
		return 0, fmt.Errorf("нет ответа на HELLO: %w", err)
	}
	if tag := protocol.Tag(reply[0]); tag != protocol.TagHello {
		return 0, fmt.Errorf("неожиданный ответ на HELLO: %s", tag)
	}
	return time.Since(start), nil
}

// ReadFrame ждет следующую аудио датаграмму
func (r *Receiver) ReadFrame(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	if r.closed.Load() {
		return 0, netip.AddrPort{}, ErrClosed
	}
	return r.audio.Receive(ctx, buf)
}

// Close отправляет DISCONNECT и закрывает оба сокета
func (r *Receiver) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	_ = r.control.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := r.control.Write(protocol.Encode(protocol.Disconnect()))
	r.mu.Unlock()
	if err != nil {
		r.logger.Debug("ошибка отправки DISCONNECT", slog.Any("error", err))
	}

	r.closeSockets()
	r.logger.Info("отключено от сервиса")
	return nil
}

func (r *Receiver) closeSockets() {
	_ = transport.CloseConn(r.control)
	_ = r.audio.Close()
}
