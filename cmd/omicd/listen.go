package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/arzzra/omic/pkg/client"
)

var (
	listenOutput       string
	listenAudioAddr    string
	listenPingInterval time.Duration
)

func addListenFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&listenOutput, "output", "o", "-", "куда писать PCM s16le, \"-\" означает stdout")
	f.StringVar(&listenAudioAddr, "audio-addr", ":0", "локальный адрес приема аудио")
	f.DurationVar(&listenPingInterval, "ping-interval", 5*time.Second, "период проверки связи HELLO, 0 отключает")
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg := client.DefaultConfig()
	if len(args) == 1 {
		cfg.ServerAddr = args[0]
	}
	cfg.AudioAddr = listenAudioAddr

	var out io.Writer = cmd.OutOrStdout()
	if listenOutput != "-" {
		f, err := os.Create(listenOutput)
		if err != nil {
			return fmt.Errorf("ошибка создания %s: %w", listenOutput, err)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// PCM может идти в stdout, поэтому консоль пишет в stderr
	console := pterm.DefaultLogger.WithTime(true).WithWriter(os.Stderr)

	r, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer r.Close()
	console.Info("прием аудио", console.Args("server", cfg.ServerAddr, "port", r.AudioPort()))

	if listenPingInterval > 0 {
		go func() {
			// без ответа на HELLO прием прекращается
			pingLoop(ctx, r, console, listenPingInterval)
			stop()
		}()
	}

	frames, bytes, err := receive(ctx, r, out)
	console.Info("прием завершен", console.Args("frames", frames, "bytes", bytes))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// receive пишет датаграммы в out до отмены ctx
func receive(ctx context.Context, r *client.Receiver, out io.Writer) (frames, bytes int, err error) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := r.ReadFrame(ctx, buf)
		if err != nil {
			return frames, bytes, err
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return frames, bytes, fmt.Errorf("ошибка записи PCM: %w", err)
		}
		frames++
		bytes += n
	}
}

func pingLoop(ctx context.Context, r *client.Receiver, console *pterm.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, err := r.Ping(ctx)
			if err != nil {
				if ctx.Err() == nil {
					console.Warn("нет ответа сервиса", console.Args("error", err.Error()))
				}
				return
			}
			console.Debug("HELLO", console.Args("rtt", rtt.String()))
		}
	}
}
