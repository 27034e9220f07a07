package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/omic/pkg/session"
)

const (
	// writeWait время на запись одного сообщения
	writeWait = 10 * time.Second
	// pongWait время ожидания pong от клиента
	pongWait = 60 * time.Second
	// pingPeriod период ping, должен быть меньше pongWait
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize входящие сообщения не ожидаются
	maxMessageSize = 512
	// sendBuffer очередь исходящих сообщений клиента
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Интерфейс работает на локальной машине
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventMessage событие сессии в JSON представлении
type EventMessage struct {
	Type           session.EventType        `json:"type"`
	SessionID      string                   `json:"session_id"`
	DisplayAddress string                   `json:"display_address"`
	Peer           string                   `json:"peer,omitempty"`
	Reason         session.DisconnectReason `json:"reason,omitempty"`
	Error          string                   `json:"error,omitempty"`
	Time           time.Time                `json:"time"`
}

// NewEventMessage преобразует событие сессии
func NewEventMessage(e session.Event) EventMessage {
	msg := EventMessage{
		Type:           e.Type,
		SessionID:      e.SessionID,
		DisplayAddress: e.Info.DisplayAddress,
		Reason:         e.Reason,
		Time:           e.Time,
	}
	if e.Peer.IsValid() {
		msg.Peer = e.Peer.String()
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	return msg
}

// Hub рассылает события сессий всем подключенным websocket клиентам.
// Клиент, не успевающий читать, отключается.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewHub создает концентратор событий
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("component", "event_hub")),
		clients: make(map[*wsClient]struct{}),
	}
}

// Notify реализует session.Notifier. Не блокируется.
func (h *Hub) Notify(e session.Event) {
	data, err := json.Marshal(NewEventMessage(e))
	if err != nil {
		h.logger.Error("ошибка сериализации события", slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket клиент не успевает, отключен",
				slog.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients количество подключенных клиентов
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close отключает всех клиентов, новые подключения отклоняются
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP принимает websocket подключение к ленте событий
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ошибка upgrade", slog.Any("error", err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket клиент подключен", slog.String("remote", conn.RemoteAddr().String()))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump читает управляющие кадры до закрытия соединения
func (h *Hub) readPump(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ошибка чтения websocket", slog.Any("error", err))
			}
			return
		}
	}
}

// writePump отправляет события и ping
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
