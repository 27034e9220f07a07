package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
)

// ToneConfig параметры синтетического источника
type ToneConfig struct {
	Frequency float64 // Частота тона в Гц
	Amplitude float64 // Амплитуда 0.0-1.0
	FrameSize int     // Размер кадра в байтах
	Mode      ReadMode
	Format    Format
	// Realtime выдавать кадры с частотой реального устройства.
	// Без этого Read отдает кадры без задержки.
	Realtime bool
}

// DefaultToneConfig 440Hz, половинная амплитуда, реальное время
func DefaultToneConfig() ToneConfig {
	return ToneConfig{
		Frequency: 440,
		Amplitude: 0.5,
		FrameSize: DefaultFrameSize,
		Mode:      ReadBlocking,
		Format:    DefaultFormat(),
		Realtime:  true,
	}
}

// ToneSource генерирует синусоиду. Заменяет микрофон в демо и тестах.
type ToneSource struct {
	config ToneConfig

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	pacer   *pacer
	phase   float64
}

// NewToneSource создает генератор тона
func NewToneSource(config ToneConfig) *ToneSource {
	defaults := DefaultToneConfig()
	if config.FrameSize <= 0 {
		config.FrameSize = defaults.FrameSize
	}
	if config.Format.SampleRate == 0 {
		config.Format = defaults.Format
	}
	if config.Frequency <= 0 {
		config.Frequency = defaults.Frequency
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = defaults.Amplitude
	}
	return &ToneSource{config: config}
}

// Start начинает "запись"
func (s *ToneSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pacer = nil
	if s.config.Realtime {
		s.pacer = newPacer(s.config.Format.Duration(s.config.FrameSize), s.config.Mode)
	}
	s.started = true
	return nil
}

// Read заполняет buf очередным кадром тона
func (s *ToneSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	started, ctx, p := s.started, s.ctx, s.pacer
	s.mu.Unlock()

	if !started {
		return 0, ErrNotStarted
	}

	if ok, err := p.ready(ctx); err != nil || !ok {
		return 0, err
	}

	size := len(buf)
	if size > s.config.FrameSize {
		size = s.config.FrameSize
	}
	size -= size % 2

	step := 2 * math.Pi * s.config.Frequency / float64(s.config.Format.SampleRate)
	peak := s.config.Amplitude * math.MaxInt16
	for i := 0; i < size; i += 2 {
		sample := int16(peak * math.Sin(s.phase))
		binary.LittleEndian.PutUint16(buf[i:], uint16(sample))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return size, nil
}

// Stop останавливает генератор, ожидающий Read завершается с ErrStopped
func (s *ToneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	s.started = false
	return nil
}
