// The hlsplay command plays an AES-128 encrypted HLS stream and writes the
// decrypted media to a file or stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/metrics"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/stream"
)

const (
	version = "1.0.0"
)

type options struct {
	configPath  string
	output      string
	prefetch    int
	retries     int
	retryDelay  time.Duration
	variant     int
	start       time.Duration
	rate        float64
	timeout     time.Duration
	metricsAddr string
}

func main() {
	var opts options

	// Parse command-line flags
	flag.StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&opts.output, "output", "-", "File to write decrypted media to ('-' for stdout)")
	flag.IntVar(&opts.prefetch, "prefetch", 0, "Segments to fetch ahead of playback (default 2)")
	flag.IntVar(&opts.retries, "retries", 0, "Retries for transient segment errors (default 2, -1 disables)")
	flag.DurationVar(&opts.retryDelay, "retry-delay", 0, "Linear backoff step between retries (default 500ms)")
	flag.IntVar(&opts.variant, "variant", -1, "Index of the master playlist variant to play (default 0)")
	flag.DurationVar(&opts.start, "start", 0, "Start playback at this offset (e.g., '30s')")
	flag.Float64Var(&opts.rate, "rate", 0, "Maximum HTTP requests per second (0 for unlimited)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Per-request HTTP timeout (default 30s)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., ':9100')")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlsplay - encrypted HLS player v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <playlist-url>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <playlist-url>    URL of the master or media playlist\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --output movie.ts https://example.com/master.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --variant 1 --prefetch 4 https://example.com/master.m3u8 > movie.ts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config hlsplay.yaml --metrics-addr :9100 https://example.com/master.m3u8\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsplay v%s\n", version)
		os.Exit(0)
	}

	// Check for playlist URL argument
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: playlist URL is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	playlistURL := flag.Arg(0)

	// Setup logger. Media may go to stdout, so logs go to stderr.
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsplay starting", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, playlistURL, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsplay stopped")
}

// loadConfig merges the config file, if any, with flags. Flags win.
func loadConfig(opts options) (*config.Config, error) {
	cfg := &config.Config{}
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if opts.prefetch != 0 {
		cfg.Stream.PrefetchDepth = opts.prefetch
	}
	if opts.retries != 0 {
		cfg.Stream.MaxRetries = opts.retries
	}
	if opts.retryDelay != 0 {
		cfg.Stream.RetryDelay = opts.retryDelay
	}
	if opts.variant >= 0 {
		cfg.Stream.Variant = opts.variant
	}
	if opts.start != 0 {
		cfg.Stream.StartOffset = opts.start
	}
	if opts.rate != 0 {
		cfg.Fetch.RequestsPerSecond = opts.rate
	}
	if opts.timeout != 0 {
		cfg.Fetch.Timeout = opts.timeout
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}

	return cfg, nil
}

func run(ctx context.Context, playlistURL string, opts options, logger *slog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	streamOpts, err := cfg.StreamOptions()
	if err != nil {
		return err
	}
	fetchOpts, err := cfg.FetchOptions()
	if err != nil {
		return err
	}
	if fetchOpts.UserAgent == "" {
		fetchOpts.UserAgent = "hlsplay/" + version
	}

	out, closeOut, err := openOutput(opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	writer := sink.NewWriterSink(out)
	ctrl := stream.New(fetch.NewHTTPFetcher(nil, fetchOpts), writer, streamOpts, logger)

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(metricsCtx, cfg.Metrics.Addr, logger)
		})
	}

	g.Go(func() error {
		defer stopMetrics()
		return play(gctx, ctrl, playlistURL)
	})

	err = g.Wait()
	if errors.Is(err, stream.ErrDisposed) && ctx.Err() != nil {
		logger.Info("playback interrupted", "bytes", writer.Written())
		return nil
	}
	if err != nil {
		return err
	}

	cur := ctrl.Cursor()
	logger.Info("playback finished",
		"segments", cur.NextAppend,
		"bytes", writer.Written(),
		"mimeType", writer.MimeType(),
	)
	return nil
}

// play runs one session to completion.
func play(ctx context.Context, ctrl *stream.Controller, playlistURL string) error {
	if err := ctrl.Start(ctx, playlistURL); err != nil {
		return err
	}
	return ctrl.Wait(context.Background())
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" || path == "" {
		return os.Stdout, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
