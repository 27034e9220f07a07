// Package session реализует управляющую сессию одного клиента: разбор
// команд протокола, автомат состояний и запуск ретрансляции аудио на
// согласованный адрес.
//
// Состояния сессии:
//
//	idle -> connected -> streaming -> disconnecting -> closed
//	idle -> closed
//
// Переход в disconnecting происходит один раз: по DISCONNECT, ошибке
// чтения, ошибке ретрансляции или внешнему запросу. Сессия переходит в
// closed только после того, как цикл ретрансляции подтвердил остановку.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/omic/pkg/metrics"
	"github.com/arzzra/omic/pkg/protocol"
	"github.com/arzzra/omic/pkg/relay"
	"github.com/arzzra/omic/pkg/transport"
)

// State состояние сессии
type State string

const (
	StateIdle          State = "idle"
	StateConnected     State = "connected"
	StateStreaming     State = "streaming"
	StateDisconnecting State = "disconnecting"
	StateClosed        State = "closed"
)

// события автомата
const (
	eventConnect    = "connect"
	eventStream     = "stream"
	eventDisconnect = "disconnect"
	eventClose      = "close"
)

// Streamer цикл ретрансляции. Run блокируется до сброса flags.Alive()
// или фатальной ошибки.
type Streamer interface {
	Run(flags relay.Flags, peer netip.AddrPort) error
}

// Config параметры сессии
type Config struct {
	// Strict неизвестный байт протокола завершает сессию.
	// По умолчанию неизвестные байты пропускаются.
	Strict bool
}

// Option настройка сессии
type Option func(*Session)

// WithConfig задает параметры сессии
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.config = cfg }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithNotifier задает получателя событий
func WithNotifier(n Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// WithGate задает общее для сервиса разрешение на трансляцию
func WithGate(g StreamGate) Option {
	return func(s *Session) { s.gate = g }
}

// WithMuted задает общий флаг mute
func WithMuted(m *atomic.Bool) Option {
	return func(s *Session) { s.muted = m }
}

// WithMetrics задает сборщик метрик
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithID задает идентификатор сессии
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session управляющая сессия одного клиента
type Session struct {
	id       string
	conn     net.Conn
	remote   netip.AddrPort
	decoder  *protocol.Decoder
	streamer Streamer
	config   Config

	notifier Notifier
	gate     StreamGate
	muted    *atomic.Bool
	metrics  *metrics.Collector
	logger   *slog.Logger

	// alive читается циклом ретрансляции
	alive atomic.Bool

	mu        sync.Mutex
	fsm       *fsm.FSM
	peer      netip.AddrPort
	holdsGate bool
	closing   bool
	relayDone chan struct{}
	relayErr  error

	closeOnce sync.Once
	createdAt time.Time
}

// New создает сессию поверх принятого соединения.
// Соединение принадлежит сессии и закрывается ею.
func New(conn net.Conn, streamer Streamer, opts ...Option) *Session {
	s := &Session{
		id:        uuid.New().String(),
		conn:      conn,
		decoder:   protocol.NewDecoder(conn),
		streamer:  streamer,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "session"), slog.String("session_id", s.id))

	if remote, err := transport.RemoteAddrPort(conn); err == nil {
		s.remote = remote
	}

	s.initStateMachine()
	return s
}

// initStateMachine инициализирует конечный автомат состояний
func (s *Session) initStateMachine() {
	s.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			// Клиент согласовал аудио адрес
			{Name: eventConnect, Src: []string{string(StateIdle)}, Dst: string(StateConnected)},
			// Цикл ретрансляции запущен
			{Name: eventStream, Src: []string{string(StateConnected)}, Dst: string(StateStreaming)},
			// Начало отключения
			{Name: eventDisconnect, Src: []string{string(StateConnected), string(StateStreaming)}, Dst: string(StateDisconnecting)},
			// Сессия уничтожена
			{Name: eventClose, Src: []string{string(StateIdle), string(StateDisconnecting)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				s.metrics.StateTransition(e.Src, e.Dst)
				s.logger.Debug("переход состояния",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
}

// transition выполняет переход автомата. Вызывается под s.mu.
func (s *Session) transition(event string) error {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return newError(ErrorCodeTransition, s.id, "transition "+event+" from "+s.fsm.Current(), err)
	}
	return nil
}

// ID возвращает идентификатор сессии
func (s *Session) ID() string {
	return s.id
}

// State возвращает текущее состояние
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// RemoteAddr адрес клиента на управляющем соединении
func (s *Session) RemoteAddr() netip.AddrPort {
	return s.remote
}

// Peer возвращает согласованный аудио адрес клиента.
// Нулевое значение означает, что CONNECT еще не принят.
func (s *Session) Peer() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Info возвращает снимок данных соединения
func (s *Session) Info() ConnectionInfo {
	peer := s.Peer()
	if !peer.IsValid() {
		peer = s.remote
	}
	return ConnectionInfo{DisplayAddress: peer.String()}
}

// Alive реализует relay.Flags
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Muted реализует relay.Flags
func (s *Session) Muted() bool {
	return s.muted != nil && s.muted.Load()
}

// Serve читает команды до конца потока и завершает сессию.
// Отмена ctx равносильна остановке сервиса. Serve возвращается только
// после остановки цикла ретрансляции и закрытия соединения.
// Возвращает ошибку, если сессия завершена из-за нарушения протокола.
func (s *Session) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()
	defer s.finalize()

	s.logger.Info("сессия открыта", slog.String("remote", s.remote.String()))

	for {
		msg, err := s.decoder.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownTag) {
				s.metrics.DecodeError()
				if !s.config.Strict {
					s.logger.Debug("неизвестный байт пропущен", slog.String("tag", msg.Tag.String()))
					continue
				}
				s.logger.Warn("неизвестный байт в строгом режиме", slog.String("tag", msg.Tag.String()))
				s.endOfStream(ReasonProtocolError, err)
				return err
			}
			s.endOfStream(ReasonEndOfStream, err)
			return nil
		}

		s.metrics.ControlMessage(msg.Tag.String())

		if err := s.HandleMessage(msg); err != nil {
			if errors.Is(err, protocol.ErrEndOfStream) {
				s.endOfStream(ReasonEndOfStream, err)
				return nil
			}
			s.logger.Info("команда отклонена",
				slog.String("message", msg.String()),
				slog.Any("error", err))
		}
	}
}

// HandleMessage применяет одну команду к сессии.
// Отклоненный CONNECT возвращает ErrInvalidHandshake или ErrAlreadyStreaming,
// сессия при этом не меняется. Ошибка записи ответа на HELLO оборачивает
// protocol.ErrEndOfStream.
func (s *Session) HandleMessage(msg protocol.Message) error {
	switch msg.Tag {
	case protocol.TagConnect:
		return s.connect(msg.Port)
	case protocol.TagDisconnect:
		s.mu.Lock()
		defer s.mu.Unlock()
		// в idle DISCONNECT ничего не делает
		s.beginDisconnect(ReasonRequested, nil)
		return nil
	case protocol.TagHello:
		if _, err := s.conn.Write(protocol.Encode(protocol.Hello())); err != nil {
			return fmt.Errorf("%w: hello reply: %w", protocol.ErrEndOfStream, err)
		}
		return nil
	default:
		return nil
	}
}

// connect обрабатывает CONNECT: запоминает аудио адрес и запускает трансляцию
func (s *Session) connect(port uint16) error {
	if port == 0 {
		s.metrics.HandshakeRejected("invalid_port")
		return newError(ErrorCodeInvalidHandshake, s.id, "CONNECT with port 0", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return newError(ErrorCodeSessionClosed, s.id, "session is shutting down", nil)
	}
	if state := State(s.fsm.Current()); state != StateIdle {
		s.metrics.HandshakeRejected("already_connected")
		return newError(ErrorCodeAlreadyStreaming, s.id, "session is "+string(state), nil)
	}
	if s.gate != nil {
		if !s.gate.TryAcquire() {
			s.metrics.HandshakeRejected("busy")
			return newError(ErrorCodeAlreadyStreaming, s.id, "another client is streaming", nil)
		}
		s.holdsGate = true
	}

	s.peer = netip.AddrPortFrom(s.remote.Addr(), port)
	s.alive.Store(true)
	if err := s.transition(eventConnect); err != nil {
		s.alive.Store(false)
		s.releaseGate()
		return err
	}

	s.logger.Info("клиент подключен", slog.String("peer", s.peer.String()))
	s.emit(EventConnected, "", nil)

	s.metrics.StreamingStarted()
	s.relayDone = make(chan struct{})
	go s.runRelay(s.peer, s.relayDone)

	return s.transition(eventStream)
}

// runRelay выполняет цикл ретрансляции и сообщает о его завершении
func (s *Session) runRelay(peer netip.AddrPort, done chan<- struct{}) {
	defer close(done)

	err := s.streamer.Run(s, peer)
	s.metrics.StreamingStopped(err != nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayErr = err
	if err != nil {
		s.logger.Error("ретрансляция завершилась с ошибкой", slog.Any("error", err))
	}
	s.beginDisconnect(ReasonAudioFailure, err)
}

// Disconnect запрашивает отключение извне. Возвращает true, если
// сессия была соединена и перешла к отключению.
func (s *Session) Disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginDisconnect(ReasonRequested, nil)
}

// Shutdown завершает сессию в любом состоянии
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if !s.beginDisconnect(ReasonShutdown, nil) {
		s.closeConn()
	}
}

// endOfStream обрабатывает конец управляющего потока
func (s *Session) endOfStream(reason DisconnectReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if !s.beginDisconnect(reason, err) {
		s.closeConn()
	}
}

// beginDisconnect переводит соединенную сессию в disconnecting.
// Вызывается под s.mu. Возвращает false, если сессия не была соединена.
func (s *Session) beginDisconnect(reason DisconnectReason, err error) bool {
	switch State(s.fsm.Current()) {
	case StateConnected, StateStreaming:
	default:
		return false
	}

	s.alive.Store(false)
	if tErr := s.transition(eventDisconnect); tErr != nil {
		s.logger.Error("ошибка перехода", slog.Any("error", tErr))
	}
	s.closeConn()

	s.logger.Info("клиент отключен",
		slog.String("reason", string(reason)),
		slog.Any("error", err))
	s.emit(EventDisconnected, reason, err)
	return true
}

// finalize ждет остановки ретрансляции и уничтожает сессию
func (s *Session) finalize() {
	s.mu.Lock()
	done := s.relayDone
	s.mu.Unlock()

	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.closeConn()
	if err := s.transition(eventClose); err != nil {
		s.logger.Error("ошибка перехода", slog.Any("error", err))
	}
	s.releaseGate()
	s.mu.Unlock()

	s.metrics.SessionClosed(time.Since(s.createdAt))
	s.logger.Info("сессия закрыта")
}

// RelayErr возвращает ошибку, с которой завершилась ретрансляция
func (s *Session) RelayErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayErr
}

func (s *Session) releaseGate() {
	if s.holdsGate {
		s.gate.Release()
		s.holdsGate = false
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if err := transport.CloseConn(s.conn); err != nil {
			s.logger.Debug("ошибка закрытия соединения", slog.Any("error", err))
		}
	})
}

func (s *Session) emit(t EventType, reason DisconnectReason, err error) {
	if s.notifier == nil {
		return
	}
	info := ConnectionInfo{DisplayAddress: s.peer.String()}
	s.notifier.Notify(Event{
		Type:      t,
		SessionID: s.id,
		Info:      info,
		Peer:      s.peer,
		Reason:    reason,
		Err:       err,
		Time:      time.Now(),
	})
}
