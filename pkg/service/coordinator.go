// Package service связывает управляющий порт, аудио канал и сессии
// клиентов в один сервис сетевого микрофона.
//
// Координатор принимает соединения по одному, запускает для каждого
// сессию в отдельной горутине и публикует события подключения и
// отключения в канал Events. Одновременно транслировать аудио может
// только одна сессия.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/metrics"
	"github.com/arzzra/omic/pkg/relay"
	"github.com/arzzra/omic/pkg/session"
	"github.com/arzzra/omic/pkg/transport"
)

var (
	// ErrAlreadyStarted Start вызван повторно
	ErrAlreadyStarted = errors.New("service: already started")
	// ErrStopped координатор остановлен и не может быть запущен снова
	ErrStopped = errors.New("service: stopped")
)

// acceptRetryDelay пауза после временной ошибки Accept
const acceptRetryDelay = 50 * time.Millisecond

// Option настройка координатора
type Option func(*Coordinator)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier добавляет получателя событий помимо канала Events
func WithNotifier(n session.Notifier) Option {
	return func(c *Coordinator) {
		if n != nil {
			c.notifiers = append(c.notifiers, n)
		}
	}
}

// Coordinator сервис сетевого микрофона
type Coordinator struct {
	config    Config
	source    audio.Source
	logger    *slog.Logger
	base      *slog.Logger // логгер без атрибутов сервиса, для сессий
	metrics   *metrics.Collector
	notifiers []session.Notifier

	muted  atomic.Bool
	gate   session.Gate
	events chan session.Event

	mu       sync.Mutex
	control  *transport.ControlListener
	channel  *transport.UDPChannel
	engine   *relay.Engine
	sessions map[string]*session.Session
	started  bool
	stopped  bool

	ctx        context.Context
	cancel     context.CancelFunc
	acceptDone chan struct{}
	serving    sync.WaitGroup
	stopOnce   sync.Once
	stopErr    error
}

// New создает координатор поверх источника захвата
func New(config Config, source audio.Source, opts ...Option) (*Coordinator, error) {
	if source == nil {
		return nil, fmt.Errorf("источник аудио не задан")
	}
	if config.EventBuffer == 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	if config.Format.SampleRate == 0 {
		config.Format = audio.DefaultFormat()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация сервиса: %w", err)
	}

	c := &Coordinator{
		config:   config,
		source:   source,
		events:   make(chan session.Event, config.EventBuffer),
		sessions: make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.base = c.logger
	c.logger = c.logger.With(slog.String("component", "service"))
	return c, nil
}

// Start привязывает управляющий и аудио порты и запускает прием соединений.
// Занятый порт возвращается как transport.ErrPortInUse, при этом ни один
// порт не остается занятым.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	control, err := transport.ListenControl(c.config.ControlAddr)
	if err != nil {
		return fmt.Errorf("управляющий порт: %w", err)
	}

	channel, err := transport.NewUDPChannel(transport.UDPConfig{
		LocalAddr: c.config.AudioAddr,
		DSCP:      c.config.DSCP,
	})
	if err != nil {
		control.Close()
		return fmt.Errorf("аудио порт: %w", err)
	}

	relayOpts := []relay.Option{}
	if c.metrics != nil {
		relayOpts = append(relayOpts, relay.WithStats(c.metrics))
	}
	if t := audio.NewTransform(c.config.Framing, c.config.FrameSize, c.config.Format); t != nil {
		relayOpts = append(relayOpts, relay.WithTransform(t))
	}

	c.control = control
	c.channel = channel
	c.engine = relay.NewEngine(c.source, channel, relay.Config{
		FrameSize:    c.config.FrameSize,
		PollInterval: c.config.PollInterval,
	}, relayOpts...)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.acceptDone = make(chan struct{})
	c.started = true

	c.logger.Info("сервис запущен",
		slog.String("control", control.Addr().String()),
		slog.String("audio", channel.LocalAddr().String()),
		slog.String("framing", string(c.config.Framing)))

	go c.acceptLoop(control)
	return nil
}

// acceptLoop принимает соединения до закрытия слушателя
func (c *Coordinator) acceptLoop(control *transport.ControlListener) {
	defer close(c.acceptDone)

	for {
		conn, err := control.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			c.logger.Warn("ошибка приема соединения", slog.Any("error", err))
			time.Sleep(acceptRetryDelay)
			continue
		}

		s := session.New(conn, c.engine,
			session.WithConfig(session.Config{Strict: c.config.Strict}),
			session.WithLogger(c.base),
			session.WithNotifier(session.NotifierFunc(c.notify)),
			session.WithGate(&c.gate),
			session.WithMuted(&c.muted),
			session.WithMetrics(c.metrics))

		c.mu.Lock()
		c.sessions[s.ID()] = s
		c.mu.Unlock()
		c.metrics.SessionOpened()

		c.serving.Add(1)
		go c.serve(s)
	}
}

// serve выполняет сессию и забывает ее после уничтожения
func (c *Coordinator) serve(s *session.Session) {
	defer c.serving.Done()

	if err := s.Serve(c.ctx); err != nil {
		c.logger.Warn("сессия завершена с ошибкой",
			slog.String("session_id", s.ID()),
			slog.Any("error", err))
	}

	c.mu.Lock()
	delete(c.sessions, s.ID())
	c.mu.Unlock()
}

// notify публикует событие без блокировки
func (c *Coordinator) notify(e session.Event) {
	select {
	case c.events <- e:
	default:
		c.metrics.EventDropped()
		c.logger.Warn("событие отброшено: канал событий заполнен", slog.String("type", string(e.Type)))
	}
	for _, n := range c.notifiers {
		n.Notify(e)
	}
}

// Events канал событий подключения и отключения.
// Закрывается после завершения Stop.
func (c *Coordinator) Events() <-chan session.Event {
	return c.events
}

// Stop закрывает порты, отключает все сессии и ждет остановки
// ретрансляции. После возврата ни одна датаграмма не будет отправлена.
// Повторные вызовы возвращают результат первого.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		started := c.started
		c.mu.Unlock()

		if !started {
			close(c.events)
			return
		}

		c.logger.Info("остановка сервиса")

		var errs []error
		if err := c.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("управляющий порт: %w", err))
		}
		<-c.acceptDone

		c.cancel()
		c.serving.Wait()

		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("аудио порт: %w", err))
		}
		close(c.events)

		c.stopErr = errors.Join(errs...)
		c.logger.Info("сервис остановлен")
	})
	return c.stopErr
}

// SetMuted включает или выключает mute. Захват при этом не прерывается.
func (c *Coordinator) SetMuted(muted bool) {
	if c.muted.Swap(muted) != muted {
		c.logger.Info("mute изменен", slog.Bool("muted", muted))
	}
}

// Muted возвращает состояние mute
func (c *Coordinator) Muted() bool {
	return c.muted.Load()
}

// Disconnect отключает все соединенные сессии.
// Возвращает количество отключенных.
func (c *Coordinator) Disconnect() int {
	n := 0
	for _, s := range c.snapshot() {
		if s.Disconnect() {
			n++
		}
	}
	return n
}

// ControlAddr фактический адрес управляющего порта
func (c *Coordinator) ControlAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.control == nil {
		return netip.AddrPort{}
	}
	ap, err := netip.ParseAddrPort(c.control.Addr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

// AudioAddr фактический адрес аудио сокета
func (c *Coordinator) AudioAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return netip.AddrPort{}
	}
	return c.channel.LocalAddr()
}

// SessionStatus снимок состояния сессии
type SessionStatus struct {
	ID     string        `json:"id"`
	Remote string        `json:"remote"`
	Peer   string        `json:"peer,omitempty"`
	State  session.State `json:"state"`
}

// Status снимок состояния сервиса
type Status struct {
	Running     bool            `json:"running"`
	ControlAddr string          `json:"control_addr"`
	AudioAddr   string          `json:"audio_addr"`
	Muted       bool            `json:"muted"`
	Streaming   bool            `json:"streaming"`
	Sessions    []SessionStatus `json:"sessions"`
}

// Status возвращает снимок состояния сервиса
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	running := c.started && !c.stopped
	c.mu.Unlock()

	st := Status{
		Running:   running,
		Muted:     c.Muted(),
		Streaming: c.gate.Busy(),
		Sessions:  []SessionStatus{},
	}
	if ap := c.ControlAddr(); ap.IsValid() {
		st.ControlAddr = ap.String()
	}
	if ap := c.AudioAddr(); ap.IsValid() {
		st.AudioAddr = ap.String()
	}

	for _, s := range c.snapshot() {
		ss := SessionStatus{
			ID:     s.ID(),
			Remote: s.RemoteAddr().String(),
			State:  s.State(),
		}
		if peer := s.Peer(); peer.IsValid() {
			ss.Peer = peer.String()
		}
		st.Sessions = append(st.Sessions, ss)
	}
	return st
}

// snapshot возвращает сессии, упорядоченные по идентификатору
func (c *Coordinator) snapshot() []*session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
