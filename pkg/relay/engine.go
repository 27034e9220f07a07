// Package relay реализует цикл ретрансляции аудио: кадры из источника
// захвата отправляются датаграммами на согласованный адрес клиента.
//
// Цикл является критичным по задержке путем: в установившемся режиме
// он не выделяет память и не пишет в лог, буфер кадра переиспользуется.
package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/transport"
)

var (
	// ErrSourceFailed ошибка источника захвата (устройство занято, нет разрешения)
	ErrSourceFailed = errors.New("relay: audio source failed")
	// ErrChannelClosed аудио канал закрыт во время ретрансляции
	ErrChannelClosed = errors.New("relay: audio channel closed")
)

// DefaultPollInterval пауза после чтения без данных.
// Ограничивает задержку реакции на флаг живости в неблокирующем режиме
// и не дает циклу крутиться вхолостую.
const DefaultPollInterval = 2 * time.Millisecond

// Flags флаги сессии, которые цикл только читает
type Flags interface {
	// Alive false - цикл должен завершиться после текущей итерации
	Alive() bool
	// Muted true - кадры читаются, но не отправляются
	Muted() bool
}

// Sender ненадежный канал отправки датаграмм
type Sender interface {
	SendTo(frame []byte, addr netip.AddrPort) error
}

// Stats счетчики цикла. Методы вызываются из горячего пути и
// не должны выделять память или блокироваться.
type Stats interface {
	FrameSent(bytes int)
	FrameMuted()
	EmptyRead()
	SendError()
}

// Config параметры движка
type Config struct {
	FrameSize    int
	PollInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		FrameSize:    audio.DefaultFrameSize,
		PollInterval: DefaultPollInterval,
	}
}

// Engine движок ретрансляции. Одновременно допускается один Run:
// источник захвата принадлежит циклу все время его работы.
type Engine struct {
	source    audio.Source
	sender    Sender
	transform audio.Transform
	stats     Stats
	config    Config
}

// Option настройка движка
type Option func(*Engine)

// WithTransform задает преобразование кадров перед отправкой
func WithTransform(t audio.Transform) Option {
	return func(e *Engine) { e.transform = t }
}

// WithStats задает получателя счетчиков
func WithStats(s Stats) Option {
	return func(e *Engine) { e.stats = s }
}

// NewEngine создает движок поверх источника и канала отправки
func NewEngine(source audio.Source, sender Sender, config Config, opts ...Option) *Engine {
	if config.FrameSize <= 0 {
		config.FrameSize = audio.DefaultFrameSize
	}
	if config.PollInterval < 0 {
		config.PollInterval = 0
	}

	e := &Engine{
		source: source,
		sender: sender,
		config: config,
		stats:  noopStats{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run запускает захват и пересылает кадры на peer, пока flags.Alive().
//
// Чтение без данных (0 байт) пропускается без отправки, цикл продолжается.
// Пустые датаграммы не отправляются никогда, кадр уходит ровно той длины,
// что вернул источник. Временные ошибки отправки поглощаются. Ошибка
// источника или закрытие канала завершают цикл и возвращаются вызывающему.
// При любом выходе источник останавливается.
func (e *Engine) Run(flags Flags, peer netip.AddrPort) (err error) {
	if err := e.source.Start(); err != nil {
		return fmt.Errorf("%w: start: %w", ErrSourceFailed, err)
	}
	defer func() {
		if stopErr := e.source.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("%w: stop: %w", ErrSourceFailed, stopErr)
		}
	}()

	frame := make([]byte, e.config.FrameSize)

	for flags.Alive() {
		n, readErr := e.source.Read(frame)
		if readErr != nil {
			return fmt.Errorf("%w: read: %w", ErrSourceFailed, readErr)
		}
		if n <= 0 {
			e.stats.EmptyRead()
			if e.config.PollInterval > 0 {
				time.Sleep(e.config.PollInterval)
			}
			continue
		}
		if n > len(frame) {
			return fmt.Errorf("%w: read returned %d bytes for %d byte frame", ErrSourceFailed, n, len(frame))
		}

		// Флаг мог смениться, пока чтение было заблокировано
		if !flags.Alive() {
			break
		}
		if flags.Muted() {
			e.stats.FrameMuted()
			continue
		}

		payload := frame[:n]
		if e.transform != nil {
			payload, readErr = e.transform.Apply(payload)
			if readErr != nil {
				e.stats.SendError()
				continue
			}
		}

		if sendErr := e.sender.SendTo(payload, peer); sendErr != nil {
			if errors.Is(sendErr, transport.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrChannelClosed, sendErr)
			}
			e.stats.SendError()
			continue
		}
		e.stats.FrameSent(len(payload))
	}

	return nil
}

type noopStats struct{}

func (noopStats) FrameSent(int) {}
func (noopStats) FrameMuted()   {}
func (noopStats) EmptyRead()    {}
func (noopStats) SendError()    {}
