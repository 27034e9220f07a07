// Package config загружает конфигурацию omicd из файла, переменных
// окружения OMIC_* и флагов командной строки.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/metrics"
	"github.com/arzzra/omic/pkg/relay"
	"github.com/arzzra/omic/pkg/service"
	"github.com/arzzra/omic/pkg/transport"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "OMIC"

// Источники аудио
const (
	SourceTone    = "tone"
	SourceWAV     = "wav"
	SourceStdin   = "stdin"
	SourceCommand = "command"
)

// Config конфигурация omicd
type Config struct {
	ControlAddr    string        `mapstructure:"control_addr"`
	AudioAddr      string        `mapstructure:"audio_addr"`
	DSCP           int           `mapstructure:"dscp"`
	StrictProtocol bool          `mapstructure:"strict_protocol"`
	HTTPAddr       string        `mapstructure:"http_addr"`
	EventBuffer    int           `mapstructure:"event_buffer"`
	Log            LogConfig     `mapstructure:"log"`
	Audio          AudioConfig   `mapstructure:"audio"`
	Metrics        MetricsConfig `mapstructure:"metrics"`
}

// LogConfig параметры журнала
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AudioConfig параметры источника и кадров
type AudioConfig struct {
	Source        string        `mapstructure:"source"`
	FrameSize     int           `mapstructure:"frame_size"`
	ReadMode      string        `mapstructure:"read_mode"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Framing       string        `mapstructure:"framing"`
	ToneFrequency float64       `mapstructure:"tone_frequency"`
	WAVPath       string        `mapstructure:"wav_path"`
	WAVLoop       bool          `mapstructure:"wav_loop"`
	Command       string        `mapstructure:"command"`
}

// MetricsConfig параметры метрик
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Runtime   bool   `mapstructure:"runtime"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		ControlAddr: fmt.Sprintf(":%d", transport.DefaultControlPort),
		AudioAddr:   ":0",
		DSCP:        transport.DSCPExpeditedForwarding,
		HTTPAddr:    "127.0.0.1:8890",
		EventBuffer: service.DefaultEventBuffer,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Audio: AudioConfig{
			Source:        SourceTone,
			FrameSize:     audio.DefaultFrameSize,
			ReadMode:      audio.ReadBlocking.String(),
			PollInterval:  relay.DefaultPollInterval,
			Framing:       string(audio.FramingRaw),
			ToneFrequency: 440,
			WAVLoop:       true,
			Command:       "arecord -q -f S16_LE -r 48000 -c 1 -t raw",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "omic",
			Runtime:   true,
		},
	}
}

// setDefaults регистрирует значения по умолчанию, чтобы ключи
// были видны AutomaticEnv при Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("control_addr", cfg.ControlAddr)
	v.SetDefault("audio_addr", cfg.AudioAddr)
	v.SetDefault("dscp", cfg.DSCP)
	v.SetDefault("strict_protocol", cfg.StrictProtocol)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("event_buffer", cfg.EventBuffer)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("audio.source", cfg.Audio.Source)
	v.SetDefault("audio.frame_size", cfg.Audio.FrameSize)
	v.SetDefault("audio.read_mode", cfg.Audio.ReadMode)
	v.SetDefault("audio.poll_interval", cfg.Audio.PollInterval)
	v.SetDefault("audio.framing", cfg.Audio.Framing)
	v.SetDefault("audio.tone_frequency", cfg.Audio.ToneFrequency)
	v.SetDefault("audio.wav_path", cfg.Audio.WAVPath)
	v.SetDefault("audio.wav_loop", cfg.Audio.WAVLoop)
	v.SetDefault("audio.command", cfg.Audio.Command)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.namespace", cfg.Metrics.Namespace)
	v.SetDefault("metrics.runtime", cfg.Metrics.Runtime)
}

// Load читает конфигурацию. Пустой cfgFile означает поиск omic.yaml
// в текущем каталоге и /etc/omic. Явно заданные флаги из FlagKeys
// перекрывают файл и окружение.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("omic")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/omic")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FlagKeys соответствие имен флагов ключам конфигурации
var FlagKeys = map[string]string{
	"control-addr":    "control_addr",
	"audio-addr":      "audio_addr",
	"http-addr":       "http_addr",
	"strict-protocol": "strict_protocol",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"source":          "audio.source",
	"frame-size":      "audio.frame_size",
	"read-mode":       "audio.read_mode",
	"framing":         "audio.framing",
	"tone-frequency":  "audio.tone_frequency",
	"wav":             "audio.wav_path",
	"command":         "audio.command",
}

// bindFlags связывает известные флаги с ключами конфигурации
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range FlagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("ошибка привязки флага %s: %w", name, err)
		}
	}
	return nil
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	switch c.Audio.Source {
	case SourceTone, SourceWAV, SourceStdin, SourceCommand:
	default:
		return fmt.Errorf("неизвестный источник аудио %q", c.Audio.Source)
	}
	if c.Audio.Source == SourceWAV && c.Audio.WAVPath == "" {
		return fmt.Errorf("для источника wav требуется audio.wav_path")
	}
	if c.Audio.Source == SourceCommand && strings.TrimSpace(c.Audio.Command) == "" {
		return fmt.Errorf("для источника command требуется audio.command")
	}
	if _, err := audio.ParseReadMode(c.Audio.ReadMode); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("неизвестный формат журнала %q", c.Log.Format)
	}

	svc := c.ServiceConfig()
	return svc.Validate()
}

// LogLevel возвращает уровень журнала
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("неизвестный уровень журнала %q", c.Log.Level)
	}
	return level, nil
}

// ReadMode возвращает режим чтения источника
func (c *Config) ReadMode() audio.ReadMode {
	mode, err := audio.ParseReadMode(c.Audio.ReadMode)
	if err != nil {
		return audio.ReadBlocking
	}
	return mode
}

// ServiceConfig конфигурация координатора
func (c *Config) ServiceConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.ControlAddr = c.ControlAddr
	cfg.AudioAddr = c.AudioAddr
	cfg.DSCP = c.DSCP
	cfg.Strict = c.StrictProtocol
	cfg.FrameSize = c.Audio.FrameSize
	cfg.PollInterval = c.Audio.PollInterval
	cfg.Framing = audio.Framing(c.Audio.Framing)
	cfg.EventBuffer = c.EventBuffer
	return cfg
}

// CollectorConfig конфигурация сборщика метрик
func (c *Config) CollectorConfig() metrics.Config {
	return metrics.Config{
		Namespace:      c.Metrics.Namespace,
		RuntimeMetrics: c.Metrics.Runtime,
	}
}
