package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/omic/pkg/audio"
)

// chdir переходит во временный каталог без omic.yaml
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	svc := cfg.ServiceConfig()
	assert.Equal(t, ":8888", svc.ControlAddr)
	assert.Equal(t, ":0", svc.AudioAddr)
	assert.Equal(t, audio.DefaultFrameSize, svc.FrameSize)
	assert.Equal(t, audio.FramingRaw, svc.Framing)
	assert.False(t, svc.Strict)
	assert.Equal(t, audio.ReadBlocking, cfg.ReadMode())
}

func TestLoadFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
control_addr: "127.0.0.1:9000"
audio_addr: ":8889"
strict_protocol: true
log:
  level: debug
  format: json
audio:
  source: wav
  wav_path: /tmp/test.wav
  frame_size: 768
  poll_interval: 5ms
  framing: rtp
metrics:
  namespace: mic
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ControlAddr)
	assert.Equal(t, ":8889", cfg.AudioAddr)
	assert.True(t, cfg.StrictProtocol)
	assert.Equal(t, SourceWAV, cfg.Audio.Source)
	assert.Equal(t, 768, cfg.Audio.FrameSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Audio.PollInterval)
	assert.Equal(t, "mic", cfg.CollectorConfig().Namespace)
	assert.Equal(t, audio.FramingRTP, cfg.ServiceConfig().Framing)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())

	// остальные значения по умолчанию
	assert.Equal(t, 440.0, cfg.Audio.ToneFrequency)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadWorkingDirFile(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "omic.yaml"), []byte("http_addr: \"\"\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.HTTPAddr, "пустой адрес отключает HTTP интерфейс")
}

func TestLoadEnv(t *testing.T) {
	chdir(t)
	t.Setenv("OMIC_CONTROL_ADDR", ":7777")
	t.Setenv("OMIC_AUDIO_FRAMING", "rtp")
	t.Setenv("OMIC_STRICT_PROTOCOL", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ControlAddr)
	assert.Equal(t, "rtp", cfg.Audio.Framing)
	assert.True(t, cfg.StrictProtocol)
}

func TestLoadFlags(t *testing.T) {
	chdir(t)
	t.Setenv("OMIC_CONTROL_ADDR", ":7777")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("control-addr", "", "")
	flags.String("source", "", "")
	flags.Int("frame-size", 0, "")
	require.NoError(t, flags.Parse([]string{"--control-addr", ":6666", "--frame-size", "640"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, ":6666", cfg.ControlAddr, "флаг перекрывает окружение")
	assert.Equal(t, 640, cfg.Audio.FrameSize)
	assert.Equal(t, SourceTone, cfg.Audio.Source, "незаданный флаг не перекрывает значение по умолчанию")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"Неизвестный источник", func(c *Config) { c.Audio.Source = "mic" }},
		{"WAV без пути", func(c *Config) { c.Audio.Source = SourceWAV }},
		{"Команда не задана", func(c *Config) { c.Audio.Source = SourceCommand; c.Audio.Command = " " }},
		{"Неизвестный режим чтения", func(c *Config) { c.Audio.ReadMode = "async" }},
		{"Неизвестный уровень журнала", func(c *Config) { c.Log.Level = "loud" }},
		{"Неизвестный формат журнала", func(c *Config) { c.Log.Format = "xml" }},
		{"Нечетный кадр", func(c *Config) { c.Audio.FrameSize = 601 }},
		{"Неизвестное обрамление", func(c *Config) { c.Audio.Framing = "opus" }},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audio: [unclosed"), 0o600))

	_, err := Load(path, nil)
	assert.Error(t, err)
}
