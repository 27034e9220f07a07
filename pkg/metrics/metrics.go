// Package metrics собирает и экспортирует метрики сервиса в формате Prometheus.
//
// Все методы Collector безопасны для nil получателя и для конкурентного
// использования. Счетчики горячего пути ретрансляции разрешены заранее и
// не выделяют память при обновлении.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config конфигурация системы метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
	// RuntimeMetrics регистрировать метрики Go runtime и процесса
	RuntimeMetrics bool
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace:      "omic",
		Subsystem:      "",
		RuntimeMetrics: true,
	}
}

// Collector метрики сессий, протокола и ретрансляции
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal     prometheus.Counter
	sessionsActive    prometheus.Gauge
	streaming         prometheus.Gauge
	sessionDuration   prometheus.Histogram
	stateTransitions  *prometheus.CounterVec
	controlMessages   *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	handshakeRejected *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	relayErrors       prometheus.Counter

	// горячий путь
	framesSent  prometheus.Counter
	bytesSent   prometheus.Counter
	framesMuted prometheus.Counter
	emptyReads  prometheus.Counter
	sendErrors  prometheus.Counter
}

// NewCollector создает сборщик на собственном реестре
func NewCollector(config Config) *Collector {
	reg := prometheus.NewRegistry()
	if config.RuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	f := promauto.With(reg)
	ns, sub := config.Namespace, config.Subsystem

	c := &Collector{registry: reg}

	c.sessionsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "sessions_total",
		Help: "Total number of accepted control connections",
	})
	c.sessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "sessions_active",
		Help: "Number of currently open control connections",
	})
	c.streaming = f.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "streaming",
		Help: "1 while an audio relay loop is running",
	})
	c.sessionDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "session_duration_seconds",
		Help:    "Duration of control connections in seconds",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 4 * 3600}, // от 1с до 4 часов
	})
	c.stateTransitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "state_transitions_total",
		Help: "Total number of session state transitions",
	}, []string{"from_state", "to_state"})
	c.controlMessages = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "control_messages_total",
		Help: "Total number of decoded control messages by type",
	}, []string{"type"})
	c.decodeErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "decode_errors_total",
		Help: "Total number of unknown control bytes",
	})
	c.handshakeRejected = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "handshake_rejections_total",
		Help: "Total number of rejected CONNECT messages by reason",
	}, []string{"reason"})
	c.eventsDropped = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "events_dropped_total",
		Help: "Total number of session events dropped because no consumer kept up",
	})
	c.relayErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "relay_failures_total",
		Help: "Total number of relay loops terminated by an audio or channel failure",
	})

	c.framesSent = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "frames_sent_total",
		Help: "Total number of audio datagrams sent",
	})
	c.bytesSent = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "bytes_sent_total",
		Help: "Total number of audio bytes sent",
	})
	c.framesMuted = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "frames_muted_total",
		Help: "Total number of captured frames not sent because the microphone is muted",
	})
	c.emptyReads = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "empty_reads_total",
		Help: "Total number of audio source reads that returned no data",
	})
	c.sendErrors = f.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "send_errors_total",
		Help: "Total number of transient audio send failures",
	})

	return c
}

// Registry возвращает реестр метрик
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler возвращает HTTP обработчик экспорта метрик
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SessionOpened новое управляющее соединение
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionClosed соединение закрыто после duration
func (c *Collector) SessionClosed(duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(duration.Seconds())
}

// StreamingStarted запущен цикл ретрансляции
func (c *Collector) StreamingStarted() {
	if c == nil {
		return
	}
	c.streaming.Inc()
}

// StreamingStopped цикл ретрансляции завершен
func (c *Collector) StreamingStopped(failed bool) {
	if c == nil {
		return
	}
	c.streaming.Dec()
	if failed {
		c.relayErrors.Inc()
	}
}

// StateTransition переход состояния сессии
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// ControlMessage получено управляющее сообщение
func (c *Collector) ControlMessage(kind string) {
	if c == nil {
		return
	}
	c.controlMessages.WithLabelValues(kind).Inc()
}

// DecodeError получен неизвестный байт
func (c *Collector) DecodeError() {
	if c == nil {
		return
	}
	c.decodeErrors.Inc()
}

// HandshakeRejected CONNECT отклонен
func (c *Collector) HandshakeRejected(reason string) {
	if c == nil {
		return
	}
	c.handshakeRejected.WithLabelValues(reason).Inc()
}

// EventDropped событие не доставлено потребителю
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// FrameSent отправлена датаграмма
func (c *Collector) FrameSent(bytes int) {
	if c == nil {
		return
	}
	c.framesSent.Inc()
	c.bytesSent.Add(float64(bytes))
}

// FrameMuted кадр не отправлен из-за mute
func (c *Collector) FrameMuted() {
	if c == nil {
		return
	}
	c.framesMuted.Inc()
}

// EmptyRead чтение источника без данных
func (c *Collector) EmptyRead() {
	if c == nil {
		return
	}
	c.emptyReads.Inc()
}

// SendError временная ошибка отправки
func (c *Collector) SendError() {
	if c == nil {
		return
	}
	c.sendErrors.Inc()
}
