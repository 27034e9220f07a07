package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/youpy/go-wav"
)

// WAVConfig параметры файлового источника
type WAVConfig struct {
	Path      string
	Data      []byte // Содержимое WAV файла, если Path пуст
	FrameSize int
	Loop      bool // Начинать файл заново по достижении конца
	Mode      ReadMode
	Realtime  bool
}

// WAVSource воспроизводит PCM из WAV файла как будто это микрофон.
// Файл должен быть 16-бит моно с частотой потока; PCM загружается в память при Start.
type WAVSource struct {
	config WAVConfig

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	pacer   *pacer
	pcm     []byte
	format  Format
	offset  int
}

// NewWAVSource создает файловый источник
func NewWAVSource(config WAVConfig) *WAVSource {
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultFrameSize
	}
	return &WAVSource{config: config}
}

// Format возвращает формат загруженного файла (после Start)
func (s *WAVSource) Format() Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Start загружает и проверяет файл
func (s *WAVSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	data := s.config.Data
	if s.config.Path != "" {
		var err error
		data, err = os.ReadFile(s.config.Path)
		if err != nil {
			return fmt.Errorf("ошибка чтения WAV файла: %w", err)
		}
	}

	pcm, format, err := decodeWAV(data)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return fmt.Errorf("%w: WAV файл не содержит отсчетов", ErrFormatUnsupported)
	}

	s.pcm = pcm
	s.format = format
	s.offset = 0
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pacer = nil
	if s.config.Realtime {
		s.pacer = newPacer(format.Duration(s.config.FrameSize), s.config.Mode)
	}
	s.started = true
	return nil
}

// Read копирует следующий кадр файла.
// По концу файла без Loop возвращает io.EOF.
func (s *WAVSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	started, ctx, p := s.started, s.ctx, s.pacer
	s.mu.Unlock()

	if !started {
		return 0, ErrNotStarted
	}
	if ok, err := p.ready(ctx); err != nil || !ok {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offset >= len(s.pcm) {
		if !s.config.Loop {
			return 0, io.EOF
		}
		s.offset = 0
	}

	size := len(buf)
	if size > s.config.FrameSize {
		size = s.config.FrameSize
	}
	n := copy(buf[:size], s.pcm[s.offset:])
	s.offset += n
	return n, nil
}

// Stop останавливает источник
func (s *WAVSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()
	s.started = false
	return nil
}

// decodeWAV извлекает PCM и проверяет формат
func decodeWAV(data []byte) ([]byte, Format, error) {
	r := wav.NewReader(bytes.NewReader(data))
	wf, err := r.Format()
	if err != nil {
		return nil, Format{}, fmt.Errorf("ошибка разбора WAV заголовка: %w", err)
	}

	format := Format{
		SampleRate:    int(wf.SampleRate),
		Channels:      int(wf.NumChannels),
		BitsPerSample: int(wf.BitsPerSample),
	}
	if format.Channels != DefaultChannels || format.BitsPerSample != DefaultBitsPerSample {
		return nil, format, fmt.Errorf("%w: %d каналов, %d бит (нужно моно 16 бит)",
			ErrFormatUnsupported, format.Channels, format.BitsPerSample)
	}
	if format.SampleRate != DefaultSampleRate {
		return nil, format, fmt.Errorf("%w: частота %d Гц (нужно %d)",
			ErrFormatUnsupported, format.SampleRate, DefaultSampleRate)
	}

	var pcm []byte
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		pcm = append(pcm, chunk[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, format, fmt.Errorf("ошибка чтения WAV данных: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return pcm, format, nil
}
