package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/arzzra/omic/pkg/audio"
	"github.com/arzzra/omic/pkg/config"
	"github.com/arzzra/omic/pkg/httpapi"
	"github.com/arzzra/omic/pkg/metrics"
	"github.com/arzzra/omic/pkg/service"
)

const shutdownTimeout = 5 * time.Second

// addServeFlags регистрирует флаги из config.FlagKeys.
// Значения по умолчанию нужны только для справки.
func addServeFlags(cmd *cobra.Command, d *config.Config) {
	f := cmd.Flags()
	f.String("control-addr", d.ControlAddr, "адрес управляющего TCP порта")
	f.String("audio-addr", d.AudioAddr, "локальный адрес отправки аудио")
	f.String("http-addr", d.HTTPAddr, "адрес HTTP интерфейса, пустая строка отключает его")
	f.Bool("strict-protocol", d.StrictProtocol, "закрывать соединение при неизвестном теге")
	f.String("log-level", d.Log.Level, "уровень журнала: debug, info, warn, error")
	f.String("log-format", d.Log.Format, "формат журнала: text или json")
	f.String("source", d.Audio.Source, "источник аудио: tone, wav, stdin, command")
	f.Int("frame-size", d.Audio.FrameSize, "размер кадра в байтах")
	f.String("read-mode", d.Audio.ReadMode, "режим чтения источника: blocking или nonblocking")
	f.String("framing", d.Audio.Framing, "обрамление кадров: raw или rtp")
	f.Float64("tone-frequency", d.Audio.ToneFrequency, "частота тестового тона в Гц")
	f.String("wav", d.Audio.WAVPath, "WAV файл для источника wav")
	f.String("command", d.Audio.Command, "программа захвата для источника command")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	src, err := newSource(cfg, os.Stdin)
	if err != nil {
		return err
	}

	hub := httpapi.NewHub(logger)
	opts := []service.Option{
		service.WithLogger(logger),
		service.WithNotifier(hub),
	}
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.CollectorConfig())
		opts = append(opts, service.WithMetrics(collector))
	}

	coord, err := service.New(cfg.ServiceConfig(), src, opts...)
	if err != nil {
		return err
	}
	if err := coord.Start(); err != nil {
		return err
	}

	console := pterm.DefaultLogger.WithTime(true)
	console.Info("сервис микрофона запущен", console.Args(
		"control", coord.ControlAddr().String(),
		"audio", coord.AudioAddr().String(),
		"source", cfg.Audio.Source,
	))

	var api *httpapi.Server
	if cfg.HTTPAddr != "" {
		apiOpts := []httpapi.Option{
			httpapi.WithLogger(logger),
			httpapi.WithRequestLogging(cfg.Log.Level == "debug"),
		}
		if collector != nil {
			apiOpts = append(apiOpts, httpapi.WithMetrics(collector.Handler()))
		}
		api = httpapi.NewServer(coord, hub, apiOpts...)
		addr, err := api.Start(cfg.HTTPAddr)
		if err != nil {
			return errors.Join(err, coord.Stop())
		}
		console.Info("HTTP интерфейс", console.Args("addr", addr.String()))
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(console, coord.Events())
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	console.Info("остановка")

	// координатор первым, чтобы события отключения ушли websocket клиентам
	err = coord.Stop()
	<-printed

	if api != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, api.Shutdown(sctx))
	} else {
		hub.Close()
	}
	return err
}

// newLogger создает slog логгер по параметрам журнала
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Log.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

// newSource создает источник захвата по конфигурации
func newSource(cfg *config.Config, stdin io.Reader) (audio.Source, error) {
	mode := cfg.ReadMode()
	stream := audio.ReaderConfig{Mode: mode, ChunkSize: cfg.Audio.FrameSize}

	switch cfg.Audio.Source {
	case config.SourceTone:
		tone := audio.DefaultToneConfig()
		tone.Frequency = cfg.Audio.ToneFrequency
		tone.FrameSize = cfg.Audio.FrameSize
		tone.Mode = mode
		return audio.NewToneSource(tone), nil
	case config.SourceWAV:
		return audio.NewWAVSource(audio.WAVConfig{
			Path:      cfg.Audio.WAVPath,
			FrameSize: cfg.Audio.FrameSize,
			Loop:      cfg.Audio.WAVLoop,
			Mode:      mode,
			Realtime:  true,
		}), nil
	case config.SourceStdin:
		return audio.NewReaderSource(stdin, stream), nil
	case config.SourceCommand:
		fields := strings.Fields(cfg.Audio.Command)
		if len(fields) == 0 {
			return nil, fmt.Errorf("программа захвата не задана")
		}
		return audio.NewCommandSource(stream, fields[0], fields[1:]...), nil
	}
	return nil, fmt.Errorf("неизвестный источник аудио %q", cfg.Audio.Source)
}
