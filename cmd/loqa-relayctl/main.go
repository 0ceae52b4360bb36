package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/credential"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/loqalabs/loqa-relay/internal/transport"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "loqa-relay.yaml", "Path to configuration file")

	var opts streamOptions
	streamCmd := flag.NewFlagSet("stream", flag.ExitOnError)
	streamCmd.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults when empty)")
	streamCmd.StringVar(&opts.file, "file", "", "Raw audio file matching the configured encoding, or - for stdin")
	streamCmd.IntVar(&opts.chunkBytes, "chunk", 3200, "Bytes per audio chunk")
	streamCmd.DurationVar(&opts.interval, "interval", 0, "Delay between chunks (0 derives real time from the configured format)")
	streamCmd.BoolVar(&opts.interim, "interim", false, "Print interim transcripts")
	streamCmd.BoolVar(&opts.jsonOut, "json", false, "Print events as JSON lines")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'stream' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "stream":
		streamCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runStream(ctx, opts, os.Stdout)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

type streamOptions struct {
	configPath string
	file       string
	chunkBytes int
	interval   time.Duration
	interim    bool
	jsonOut    bool
}

// runStream relays one audio file through a live session and prints the
// transcripts as they arrive.
func runStream(ctx context.Context, opts streamOptions, out io.Writer) error {
	if opts.file == "" {
		return errors.New("stream requires -file")
	}
	if opts.chunkBytes <= 0 {
		return errors.New("-chunk must be positive")
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	return streamAudio(ctx, cfg, opts, out)
}

func streamAudio(ctx context.Context, cfg config.Config, opts streamOptions, out io.Writer) error {
	var src io.Reader = os.Stdin
	if opts.file != "-" {
		f, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("open audio: %w", err)
		}
		defer f.Close()
		src = f
	}

	connector, err := transport.NewConnector(cfg.Deepgram)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ended := make(chan protocol.SessionEnded, 1)
	printer := relay.NotifierFuncs{
		OnTranscript: func(_ context.Context, evt protocol.TranscriptEvent) {
			if !evt.IsFinal && !opts.interim {
				return
			}
			if opts.jsonOut {
				_ = json.NewEncoder(out).Encode(evt)
				return
			}
			marker := "~"
			if evt.IsFinal {
				marker = ">"
			}
			fmt.Fprintf(out, "%s %s\n", marker, evt.Text)
		},
		OnSessionEnded: func(_ context.Context, evt protocol.SessionEnded) {
			ended <- evt
		},
	}

	coord := relay.NewCoordinator(relay.Options{
		Config:      cfg.Session,
		Dialer:      relay.TransportDialer(connector),
		Credentials: credential.EnvSource{Name: cfg.Deepgram.CredentialEnv, DotenvPath: cfg.Deepgram.DotenvPath},
		Notifier:    printer,
		Logger:      logger,
	})
	defer coord.Close()

	if _, err := coord.Start(ctx); err != nil {
		return err
	}

	interval := opts.interval
	if interval == 0 {
		interval = realtimeInterval(cfg.Deepgram, opts.chunkBytes)
	}
	if err := pump(ctx, coord, src, opts.chunkBytes, interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil && !errors.Is(err, relay.ErrNoSession) {
		return err
	}
	select {
	case evt := <-ended:
		if evt.Error != "" {
			return fmt.Errorf("session ended (%s): %s", evt.Reason, evt.Error)
		}
		if evt.Dropped > 0 {
			return fmt.Errorf("session ended (%s) with %d audio chunks not sent", evt.Reason, evt.Dropped)
		}
	case <-stopCtx.Done():
		return stopCtx.Err()
	}
	return nil
}

func pump(ctx context.Context, coord *relay.Coordinator, src io.Reader, chunkBytes int, interval time.Duration) error {
	buf := make([]byte, chunkBytes)
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if subErr := coord.Submit(ctx, buf[:n]); subErr != nil {
				return subErr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// realtimeInterval paces linear16 audio at playback speed. Other encodings
// are sent as fast as the queue accepts them.
func realtimeInterval(cfg config.DeepgramConfig, chunkBytes int) time.Duration {
	if cfg.Encoding != "linear16" || cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return 0
	}
	bytesPerSecond := cfg.SampleRate * cfg.Channels * 2
	return time.Duration(chunkBytes) * time.Second / time.Duration(bytesPerSecond)
}
