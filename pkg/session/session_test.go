package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/omic/pkg/protocol"
	"github.com/arzzra/omic/pkg/relay"
	"github.com/arzzra/omic/pkg/transport"
)

const waitTimeout = 2 * time.Second

// fakeStreamer цикл ретрансляции, ожидающий сброса флага живости
type fakeStreamer struct {
	mu      sync.Mutex
	runs    int
	peers   []netip.AddrPort
	started chan struct{}
	stopped chan struct{}
	// fail ошибка, с которой завершится Run
	fail chan error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		started: make(chan struct{}, 4),
		stopped: make(chan struct{}, 4),
		fail:    make(chan error, 1),
	}
}

func (f *fakeStreamer) Run(flags relay.Flags, peer netip.AddrPort) error {
	f.mu.Lock()
	f.runs++
	f.peers = append(f.peers, peer)
	f.mu.Unlock()

	f.started <- struct{}{}
	defer func() { f.stopped <- struct{}{} }()

	for flags.Alive() {
		select {
		case err := <-f.fail:
			return err
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (f *fakeStreamer) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// recorder собирает события сессии
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 16)}
}

func (r *recorder) Notify(e Event) { r.events <- e }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-r.events:
		return e
	case <-time.After(waitTimeout):
		t.Fatal("событие не получено")
		return Event{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-r.events:
		t.Fatalf("неожиданное событие %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	session  *Session
	client   net.Conn
	streamer *fakeStreamer
	events   *recorder
	gate     *Gate
	muted    *atomic.Bool
	served   chan error
	cancel   context.CancelFunc
}

// startSession поднимает сессию поверх реального TCP соединения
func startSession(t *testing.T, cfg Config, gate *Gate) *harness {
	t.Helper()

	l, err := transport.ListenControl("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	conn, err := l.Accept()
	require.NoError(t, err)

	if gate == nil {
		gate = &Gate{}
	}
	h := &harness{
		client:   client,
		streamer: newFakeStreamer(),
		events:   newRecorder(),
		gate:     gate,
		muted:    &atomic.Bool{},
		served:   make(chan error, 1),
	}
	h.session = New(conn, h.streamer,
		WithConfig(cfg),
		WithNotifier(h.events),
		WithGate(gate),
		WithMuted(h.muted))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	go func() { h.served <- h.session.Serve(ctx) }()
	return h
}

func (h *harness) send(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		_, err := h.client.Write(protocol.Encode(m))
		require.NoError(t, err)
	}
}

func (h *harness) waitServed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.served:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Serve не завершился")
		return nil
	}
}

// ping отправляет HELLO и ждет эхо
func (h *harness) ping(t *testing.T) {
	t.Helper()
	h.send(t, protocol.Hello())
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(waitTimeout)))
	buf := make([]byte, 1)
	_, err := io.ReadFull(h.client, buf)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.TagHello), buf[0])
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal(what)
	}
}

// TestSessionConnectDisconnect полный цикл: CONNECT, трансляция, DISCONNECT
func TestSessionConnectDisconnect(t *testing.T) {
	h := startSession(t, Config{}, nil)
	assert.Equal(t, StateIdle, h.session.State())

	h.send(t, protocol.Connect(50000))

	ev := h.events.next(t)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, uint16(50000), ev.Peer.Port())
	assert.Equal(t, "127.0.0.1:50000", ev.Info.DisplayAddress)
	assert.Equal(t, h.session.ID(), ev.SessionID)

	waitSignal(t, h.streamer.started, "ретрансляция не запущена")
	assert.Eventually(t, func() bool { return h.session.State() == StateStreaming }, waitTimeout, time.Millisecond)
	assert.True(t, h.gate.Busy())
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:50000"), h.session.Peer())

	h.send(t, protocol.Disconnect())

	ev = h.events.next(t)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Equal(t, ReasonRequested, ev.Reason)
	assert.NoError(t, ev.Err)

	require.NoError(t, h.waitServed(t))
	waitSignal(t, h.streamer.stopped, "ретрансляция не остановлена")
	assert.Equal(t, StateClosed, h.session.State())
	assert.False(t, h.session.Alive())
	assert.False(t, h.gate.Busy(), "разрешение на трансляцию освобождено")
	h.events.none(t)

	// Сервер закрыл соединение
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := h.client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// TestSessionIdleCommands команды в idle не меняют состояние и не закрывают соединение
func TestSessionIdleCommands(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"DISCONNECT в idle", protocol.Disconnect()},
		{"CONNECT с портом 0", protocol.Connect(0)},
		{"HELLO в idle", protocol.Hello()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startSession(t, Config{}, nil)

			h.send(t, tt.msg)
			h.ping(t)

			assert.Equal(t, StateIdle, h.session.State())
			assert.Zero(t, h.streamer.runCount())
			assert.False(t, h.gate.Busy())
			h.events.none(t)
		})
	}
}

// TestSessionHandshakeErrors ошибки CONNECT возвращаются с кодом
func TestSessionHandshakeErrors(t *testing.T) {
	h := startSession(t, Config{}, nil)

	err := h.session.HandleMessage(protocol.Connect(0))
	assert.ErrorIs(t, err, ErrInvalidHandshake)

	var sessErr *Error
	require.True(t, errors.As(err, &sessErr))
	assert.Equal(t, ErrorCodeInvalidHandshake, sessErr.Code)
	assert.Equal(t, h.session.ID(), sessErr.SessionID)

	require.NoError(t, h.session.HandleMessage(protocol.Connect(40000)))
	h.events.next(t)

	err = h.session.HandleMessage(protocol.Connect(40001))
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.NotErrorIs(t, err, ErrInvalidHandshake)
}

// TestSessionSecondConnectIgnored повторный CONNECT не перезапускает трансляцию
func TestSessionSecondConnectIgnored(t *testing.T) {
	h := startSession(t, Config{}, nil)

	h.send(t, protocol.Connect(40000))
	assert.Equal(t, EventConnected, h.events.next(t).Type)
	waitSignal(t, h.streamer.started, "ретрансляция не запущена")

	h.send(t, protocol.Connect(40002))
	h.ping(t)

	assert.Equal(t, 1, h.streamer.runCount())
	assert.Equal(t, uint16(40000), h.session.Peer().Port(), "аудио адрес не меняется")
	h.events.none(t)
}

// TestSessionGateBusy второй клиент не получает трансляцию, пока первый активен
func TestSessionGateBusy(t *testing.T) {
	gate := &Gate{}
	require.True(t, gate.TryAcquire())

	h := startSession(t, Config{}, gate)
	h.send(t, protocol.Connect(40000))
	h.ping(t)

	assert.Equal(t, StateIdle, h.session.State())
	assert.Zero(t, h.streamer.runCount())
	h.events.none(t)

	err := h.session.HandleMessage(protocol.Connect(40000))
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	// после освобождения CONNECT проходит
	gate.Release()
	h.send(t, protocol.Connect(40000))
	assert.Equal(t, EventConnected, h.events.next(t).Type)
}

// TestSessionEndOfStream закрытие соединения клиентом
func TestSessionEndOfStream(t *testing.T) {
	t.Run("В idle без событий", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		require.NoError(t, h.client.Close())

		require.NoError(t, h.waitServed(t))
		assert.Equal(t, StateClosed, h.session.State())
		h.events.none(t)
	})

	t.Run("Во время трансляции", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		h.send(t, protocol.Connect(40000))
		h.events.next(t)
		waitSignal(t, h.streamer.started, "ретрансляция не запущена")

		require.NoError(t, h.client.Close())

		ev := h.events.next(t)
		assert.Equal(t, EventDisconnected, ev.Type)
		assert.Equal(t, ReasonEndOfStream, ev.Reason)
		assert.ErrorIs(t, ev.Err, protocol.ErrEndOfStream)

		require.NoError(t, h.waitServed(t))
		waitSignal(t, h.streamer.stopped, "ретрансляция не остановлена")
		assert.False(t, h.gate.Busy())
	})

	t.Run("Обрыв посередине CONNECT", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		_, err := h.client.Write([]byte{byte(protocol.TagConnect), 0x1F})
		require.NoError(t, err)
		require.NoError(t, h.client.Close())

		require.NoError(t, h.waitServed(t))
		assert.Zero(t, h.streamer.runCount())
		h.events.none(t)
	})
}

// TestSessionRelayFailure ошибка ретрансляции ведет к отключению
func TestSessionRelayFailure(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.send(t, protocol.Connect(40000))
	h.events.next(t)
	waitSignal(t, h.streamer.started, "ретрансляция не запущена")

	h.streamer.fail <- relay.ErrSourceFailed

	ev := h.events.next(t)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Equal(t, ReasonAudioFailure, ev.Reason)
	assert.ErrorIs(t, ev.Err, relay.ErrSourceFailed)

	require.NoError(t, h.waitServed(t))
	assert.ErrorIs(t, h.session.RelayErr(), relay.ErrSourceFailed)
	assert.Equal(t, StateClosed, h.session.State())
}

// TestSessionUnknownTag политика неизвестных байт
func TestSessionUnknownTag(t *testing.T) {
	t.Run("Мягкий режим", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		_, err := h.client.Write([]byte{0x7F, 0xFF})
		require.NoError(t, err)

		h.ping(t)
		h.send(t, protocol.Connect(40000))
		assert.Equal(t, EventConnected, h.events.next(t).Type)
	})

	t.Run("Строгий режим", func(t *testing.T) {
		h := startSession(t, Config{Strict: true}, nil)
		h.send(t, protocol.Connect(40000))
		h.events.next(t)

		_, err := h.client.Write([]byte{0x7F})
		require.NoError(t, err)

		ev := h.events.next(t)
		assert.Equal(t, ReasonProtocolError, ev.Reason)
		assert.ErrorIs(t, ev.Err, protocol.ErrUnknownTag)

		assert.ErrorIs(t, h.waitServed(t), protocol.ErrUnknownTag)
	})
}

// TestSessionExternalDisconnect внешние запросы отключения
func TestSessionExternalDisconnect(t *testing.T) {
	t.Run("Disconnect в idle ничего не делает", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		assert.False(t, h.session.Disconnect())
		h.ping(t)
	})

	t.Run("Disconnect во время трансляции", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		h.send(t, protocol.Connect(40000))
		h.events.next(t)

		assert.True(t, h.session.Disconnect())
		assert.False(t, h.session.Disconnect(), "отключение происходит один раз")

		ev := h.events.next(t)
		assert.Equal(t, ReasonRequested, ev.Reason)
		require.NoError(t, h.waitServed(t))
		h.events.none(t)
	})

	t.Run("Отмена контекста", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		h.send(t, protocol.Connect(40000))
		h.events.next(t)
		waitSignal(t, h.streamer.started, "ретрансляция не запущена")

		h.cancel()

		ev := h.events.next(t)
		assert.Equal(t, ReasonShutdown, ev.Reason)
		require.NoError(t, h.waitServed(t))
		waitSignal(t, h.streamer.stopped, "ретрансляция не остановлена")
	})

	t.Run("Отмена контекста в idle", func(t *testing.T) {
		h := startSession(t, Config{}, nil)
		h.cancel()
		require.NoError(t, h.waitServed(t))
		assert.Equal(t, StateClosed, h.session.State())
		h.events.none(t)
	})
}

// TestSessionMutedFlag общий флаг mute виден циклу ретрансляции
func TestSessionMutedFlag(t *testing.T) {
	h := startSession(t, Config{}, nil)
	assert.False(t, h.session.Muted())
	h.muted.Store(true)
	assert.True(t, h.session.Muted())

	server, client := net.Pipe()
	defer client.Close()
	s := New(server, newFakeStreamer())
	assert.False(t, s.Muted(), "без общего флага mute выключен")
	assert.False(t, s.RemoteAddr().IsValid())
	assert.NotEmpty(t, s.ID())
}
