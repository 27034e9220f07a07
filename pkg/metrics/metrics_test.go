package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	m := NewCollector(Config{Namespace: "omic"})

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(2 * time.Second)
	m.StreamingStarted()
	m.StreamingStopped(true)
	m.StateTransition("idle", "connected")
	m.StateTransition("idle", "connected")
	m.ControlMessage("hello")
	m.DecodeError()
	m.HandshakeRejected("busy")
	m.EventDropped()
	m.FrameSent(608)
	m.FrameSent(608)
	m.FrameMuted()
	m.EmptyRead()
	m.SendError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Zero(t, testutil.ToFloat64(m.streaming))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stateTransitions.WithLabelValues("idle", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.controlMessages.WithLabelValues("hello")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakeRejected.WithLabelValues("busy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent))
	assert.Equal(t, 1216.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesMuted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.emptyReads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sessionDuration))
}

// TestStreamingWithoutFailure штатная остановка не считается отказом
func TestStreamingWithoutFailure(t *testing.T) {
	m := NewCollector(DefaultConfig())
	m.StreamingStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streaming))
	m.StreamingStopped(false)
	assert.Zero(t, testutil.ToFloat64(m.streaming))
	assert.Zero(t, testutil.ToFloat64(m.relayErrors))
}

func TestNilCollector(t *testing.T) {
	var m *Collector

	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed(time.Second)
		m.StreamingStarted()
		m.StreamingStopped(true)
		m.StateTransition("idle", "connected")
		m.ControlMessage("connect")
		m.DecodeError()
		m.HandshakeRejected("zero_port")
		m.EventDropped()
		m.FrameSent(1)
		m.FrameMuted()
		m.EmptyRead()
		m.SendError()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		contains string
		absent   string
	}{
		{"С метриками среды", Config{Namespace: "omic", RuntimeMetrics: true}, "go_goroutines", ""},
		{"Без метрик среды", Config{Namespace: "omic"}, "omic_frames_sent_total", "go_goroutines"},
		{"Подсистема", Config{Namespace: "omic", Subsystem: "mic"}, "omic_mic_frames_sent_total", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewCollector(tt.config)
			m.FrameSent(608)

			ts := httptest.NewServer(m.Handler())
			defer ts.Close()

			resp, err := http.Get(ts.URL)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Contains(t, string(body), tt.contains)
			if tt.absent != "" {
				assert.False(t, strings.Contains(string(body), tt.absent))
			}
		})
	}
}
