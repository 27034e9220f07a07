package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	// DefaultWaitTimeout верхняя граница ожидания данных в блокирующем режиме
	DefaultWaitTimeout = 20 * time.Millisecond
	// DefaultQueueFrames число фрагментов в очереди между потоком и Read
	DefaultQueueFrames = 8
)

// ReaderConfig параметры потокового источника
type ReaderConfig struct {
	Mode ReadMode
	// WaitTimeout сколько блокирующий Read ждет данные, прежде чем
	// вернуть 0. Ограничивает время реакции цикла ретрансляции на
	// отключение, пока поток молчит.
	WaitTimeout time.Duration
	// ChunkSize размер одного чтения из потока
	ChunkSize int
	// QueueFrames емкость очереди фрагментов
	QueueFrames int
}

func (c *ReaderConfig) applyDefaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultFrameSize
	}
	if c.ChunkSize%2 == 1 {
		c.ChunkSize++
	}
	if c.QueueFrames <= 0 {
		c.QueueFrames = DefaultQueueFrames
	}
}

// ReaderSource читает сырой PCM s16le из потока (stdin, FIFO, pipe).
//
// Поток читается отдельной горутиной в очередь фрагментов, поэтому Read
// никогда не зависает на молчащем потоке: неблокирующий Read сразу
// возвращает 0, блокирующий ждет не дольше WaitTimeout. Конец потока
// фатален. Фрагменты, пришедшие до Start, отбрасываются.
type ReaderSource struct {
	r      io.Reader
	config ReaderConfig

	chunks    chan []byte
	free      chan []byte
	quit      chan struct{}
	pumpOnce  sync.Once
	closeOnce sync.Once

	// timer используется только горутиной Read
	timer *time.Timer

	mu      sync.Mutex
	started bool
	stopped chan struct{}
	current []byte // фрагмент, из которого читается pending
	pending []byte
	err     error // ошибка потока после закрытия chunks
}

// NewReaderSource создает источник поверх потока
func NewReaderSource(r io.Reader, config ReaderConfig) *ReaderSource {
	config.applyDefaults()
	return &ReaderSource{
		r:      r,
		config: config,
		chunks: make(chan []byte, config.QueueFrames),
		free:   make(chan []byte, config.QueueFrames+2),
		quit:   make(chan struct{}),
	}
}

// Start запускает чтение потока и сбрасывает накопленные данные
func (s *ReaderSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	s.recycle()
	s.drain()
	s.pumpOnce.Do(func() { go s.pump() })

	s.started = true
	s.stopped = make(chan struct{})
	return nil
}

// Read отдает не больше len(buf) байт из очереди
func (s *ReaderSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return 0, ErrNotStarted
	}
	if len(s.pending) > 0 {
		n := s.takePending(buf)
		s.mu.Unlock()
		return n, nil
	}
	stopped := s.stopped
	s.mu.Unlock()

	if s.config.Mode == ReadNonBlocking {
		select {
		case chunk, ok := <-s.chunks:
			return s.take(buf, chunk, ok)
		default:
			return 0, nil
		}
	}

	if s.timer == nil {
		s.timer = time.NewTimer(s.config.WaitTimeout)
	} else {
		s.timer.Reset(s.config.WaitTimeout)
	}
	defer s.timer.Stop()

	select {
	case chunk, ok := <-s.chunks:
		return s.take(buf, chunk, ok)
	case <-stopped:
		return 0, ErrStopped
	case <-s.timer.C:
		return 0, nil
	}
}

// Stop прерывает ожидающий Read. Поток продолжает читаться, пока
// источник не закрыт через Close.
func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	close(s.stopped)
	return nil
}

// Close останавливает горутину чтения. Сам поток не закрывается.
func (s *ReaderSource) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	return s.Stop()
}

// pump переносит данные потока в очередь до ошибки чтения или Close
func (s *ReaderSource) pump() {
	defer close(s.chunks)

	for {
		var b []byte
		select {
		case b = <-s.free:
		default:
			b = make([]byte, s.config.ChunkSize)
		}

		n, err := readAligned(s.r, b[:cap(b)])
		if n > 0 {
			select {
			case s.chunks <- b[:n]:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		select {
		case <-s.quit:
			return
		default:
		}
	}
}

// readAligned читает фрагмент, дочитывая нечетный хвост, чтобы
// 16-битный отсчет не разрезался между фрагментами
func readAligned(r io.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if n%2 == 1 && n < len(b) && err == nil {
		m, rerr := io.ReadFull(r, b[n:n+1])
		n += m
		err = rerr
	}
	return n, err
}

// take копирует полученный фрагмент в buf. Вызывается без s.mu.
func (s *ReaderSource) take(buf []byte, chunk []byte, ok bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok {
		err := s.err
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	s.current, s.pending = chunk, chunk
	return s.takePending(buf), nil
}

// takePending вызывается под s.mu
func (s *ReaderSource) takePending(buf []byte) int {
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.recycle()
	}
	return n
}

// recycle возвращает текущий фрагмент в пул. Вызывается под s.mu.
func (s *ReaderSource) recycle() {
	if s.current == nil {
		return
	}
	select {
	case s.free <- s.current[:cap(s.current)]:
	default:
	}
	s.current, s.pending = nil, nil
}

// drain отбрасывает устаревшие фрагменты. Вызывается под s.mu.
func (s *ReaderSource) drain() {
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return
			}
			select {
			case s.free <- chunk[:cap(chunk)]:
			default:
			}
		default:
			return
		}
	}
}

// CommandSource запускает внешнюю программу захвата и читает PCM из ее stdout,
// например: arecord -q -f S16_LE -r 48000 -c 1 -t raw
type CommandSource struct {
	name   string
	args   []string
	config ReaderConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	reader *ReaderSource
}

// NewCommandSource создает источник на основе программы захвата
func NewCommandSource(config ReaderConfig, name string, args ...string) *CommandSource {
	return &CommandSource{name: name, args: args, config: config}
}

// Start запускает процесс захвата
func (s *CommandSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.name, s.args...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("ошибка создания pipe для %s: %w", s.name, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ошибка запуска %s: %w", s.name, err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.reader = NewReaderSource(stdout, s.config)
	return s.reader.Start()
}

// Read читает следующий фрагмент вывода программы
func (s *CommandSource) Read(buf []byte) (int, error) {
	s.mu.Lock()
	reader := s.reader
	s.mu.Unlock()

	if reader == nil {
		return 0, ErrNotStarted
	}
	n, err := reader.Read(buf)
	if err != nil && !errors.Is(err, ErrStopped) {
		return n, fmt.Errorf("захват %s прерван: %w", s.name, err)
	}
	return n, err
}

// Stop убивает процесс захвата и ждет его завершения
func (s *CommandSource) Stop() error {
	s.mu.Lock()
	cmd, cancel, reader := s.cmd, s.cancel, s.reader
	s.cmd, s.cancel, s.reader = nil, nil, nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = reader.Close()
	cancel()
	// Процесс убит нами, код выхода не интересен
	_ = cmd.Wait()
	return nil
}
