package main

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/config"
	"github.com/arzzra/omic/pkg/session"
)

func TestNewSource(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		want   audio.Source
	}{
		{"Тон", func(c *config.Config) {}, &audio.ToneSource{}},
		{"WAV", func(c *config.Config) { c.Audio.Source = config.SourceWAV; c.Audio.WAVPath = "mic.wav" }, &audio.WAVSource{}},
		{"Stdin", func(c *config.Config) { c.Audio.Source = config.SourceStdin }, &audio.ReaderSource{}},
		{"Команда", func(c *config.Config) { c.Audio.Source = config.SourceCommand }, &audio.CommandSource{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(cfg)
			src, err := newSource(cfg, strings.NewReader(""))
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
		})
	}

	cfg := config.Default()
	cfg.Audio.Source = config.SourceCommand
	cfg.Audio.Command = "  "
	_, err := newSource(cfg, nil)
	assert.Error(t, err)

	cfg.Audio.Source = "alsa"
	_, err = newSource(cfg, nil)
	assert.Error(t, err)
}

// TestStdinSource stdin источник отдает PCM из потока
func TestStdinSource(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Source = config.SourceStdin

	src, err := newSource(cfg, bytes.NewReader([]byte{1, 2, 3, 4}))
	require.NoError(t, err)
	require.NoError(t, src.Start())
	defer src.Stop()

	buf := make([]byte, 16)
	var n int
	require.Eventually(t, func() bool {
		n, err = src.Read(buf)
		return err != nil || n > 0
	}, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[:n])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger, err := newLogger(cfg, &buf)
	require.NoError(t, err)

	logger.Info("скрыто")
	logger.Warn("видно")
	assert.NotContains(t, buf.String(), "скрыто")
	assert.Contains(t, buf.String(), `"msg":"видно"`)

	cfg.Log.Level = "loud"
	_, err = newLogger(cfg, &buf)
	assert.Error(t, err)
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	console := pterm.DefaultLogger.WithWriter(&buf)

	events := make(chan session.Event, 3)
	peer := netip.MustParseAddrPort("10.0.0.2:50000")
	events <- session.Event{Type: session.EventConnected, SessionID: "s1", Info: session.ConnectionInfo{DisplayAddress: peer.String()}, Peer: peer, Time: time.Now()}
	events <- session.Event{Type: session.EventDisconnected, SessionID: "s1", Reason: session.ReasonRequested}
	events <- session.Event{Type: session.EventDisconnected, SessionID: "s2", Reason: session.ReasonAudioFailure, Err: errors.New("device busy")}
	close(events)

	printEvents(console, events)

	out := buf.String()
	assert.Contains(t, out, "клиент подключен")
	assert.Contains(t, out, "10.0.0.2:50000")
	assert.Contains(t, out, "requested")
	assert.Contains(t, out, "device busy")
}

func TestServeFlagsMatchConfigKeys(t *testing.T) {
	for name := range config.FlagKeys {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "флаг %s", name)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "omicd v"+version+"\n", out.String())
}
