package session

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// EventType тип события сессии
type EventType string

const (
	// EventConnected клиент согласовал аудио адрес, трансляция запускается
	EventConnected EventType = "connected"
	// EventDisconnected сессия перешла к отключению
	EventDisconnected EventType = "disconnected"
)

// DisconnectReason причина отключения
type DisconnectReason string

const (
	// ReasonRequested клиент прислал DISCONNECT или отключение запрошено извне
	ReasonRequested DisconnectReason = "requested"
	// ReasonEndOfStream управляющее соединение закрыто или не читается
	ReasonEndOfStream DisconnectReason = "end_of_stream"
	// ReasonProtocolError неизвестный байт в строгом режиме
	ReasonProtocolError DisconnectReason = "protocol_error"
	// ReasonAudioFailure цикл ретрансляции завершился с ошибкой
	ReasonAudioFailure DisconnectReason = "audio_failure"
	// ReasonShutdown остановка сервиса
	ReasonShutdown DisconnectReason = "shutdown"
)

// ConnectionInfo снимок данных соединения для внешнего интерфейса
type ConnectionInfo struct {
	// DisplayAddress адрес клиента в виде host:port
	DisplayAddress string `json:"display_address"`
}

// Event событие жизненного цикла сессии.
// Connected и Disconnected публикуются не более одного раза за сессию.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"session_id"`
	Info      ConnectionInfo   `json:"info"`
	Peer      netip.AddrPort   `json:"peer"`
	Reason    DisconnectReason `json:"reason,omitempty"`
	Err       error            `json:"-"`
	Time      time.Time        `json:"time"`
}

// Notifier получатель событий. Notify вызывается из горутины,
// обнаружившей переход, и не должен блокироваться.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc адаптер функции к Notifier
type NotifierFunc func(Event)

// Notify вызывает f(e)
func (f NotifierFunc) Notify(e Event) { f(e) }

// StreamGate разрешение на трансляцию, одно на сервис
type StreamGate interface {
	// TryAcquire захватывает разрешение без ожидания
	TryAcquire() bool
	// Release освобождает разрешение
	Release()
}

// Gate StreamGate на одну трансляцию
type Gate struct {
	busy atomic.Bool
}

// TryAcquire захватывает разрешение, если оно свободно
func (g *Gate) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release освобождает разрешение
func (g *Gate) Release() {
	g.busy.Store(false)
}

// Busy true пока разрешение захвачено
func (g *Gate) Busy() bool {
	return g.busy.Load()
}
