// The hlsorigin command packages a file into an AES-128 encrypted HLS
// rendition and serves it, with optional fault injection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/hlsplay/internal/metrics"
	"github.com/agleyzer/hlsplay/internal/origin"
)

const (
	version = "1.0.0"
)

func main() {
	// Parse command-line flags
	var (
		port            = flag.Int("port", 8080, "HTTP server port")
		duration        = flag.Duration("duration", 12*time.Second, "Total declared duration of the rendition")
		segmentDuration = flag.Duration("segment-duration", 2*time.Second, "Declared duration of each segment")
		mediaSequence   = flag.Uint64("media-sequence", 0, "Sequence number of the first segment")
		keyRotation     = flag.Int("key-rotation", 0, "Rotate the key every N segments (0 for a single key)")
		explicitIV      = flag.Bool("explicit-iv", false, "Write random IVs into key directives instead of deriving them")
		clearText       = flag.Bool("clear", false, "Serve segments unencrypted")
		size            = flag.Int("size", 1<<20, "Size in bytes of the synthetic payload when no file is given")
		codecs          = flag.String("codecs", "avc1.4d401f,mp4a.40.2", "CODECS attribute of the variant")
		resolution      = flag.String("resolution", "1280x720", "RESOLUTION attribute of the variant")
		failFirst       = flag.Int("fail-first", 0, "Answer the first N requests for each segment with 503")
		latency         = flag.Duration("latency", 0, "Delay every segment response")
		metricsAddr     = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		verbose         = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion     = flag.Bool("version", false, "Show version and exit")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hlsorigin - encrypted HLS test origin v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [media-file]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  [media-file]    File to package; a synthetic payload is used if omitted\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s movie.ts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --duration 1m --key-rotation 5 movie.ts\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --fail-first 1 --latency 200ms\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hlsorigin v%s\n", version)
		os.Exit(0)
	}

	// Validate flags
	if *port < 1 || *port > 65535 {
		fmt.Fprintf(os.Stderr, "Error: port must be between 1 and 65535\n")
		os.Exit(1)
	}

	segments, err := segmentCount(*duration, *segmentDuration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsorigin starting", "version", version)

	payload, err := loadPayload(flag.Arg(0), *size)
	if err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	opts := origin.PackageOptions{
		Segments:        segments,
		SegmentDuration: segmentDuration.Seconds(),
		MediaSequence:   *mediaSequence,
		KeyRotation:     *keyRotation,
		ExplicitIV:      *explicitIV,
		Clear:           *clearText,
		Codecs:          *codecs,
		Resolution:      *resolution,
	}
	serverOpts := origin.ServerOptions{
		FailFirst: *failFirst,
		Latency:   *latency,
	}

	// Run the application
	if err := run(payload, opts, serverOpts, *port, *metricsAddr, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsorigin stopped")
}

func run(payload []byte, opts origin.PackageOptions, serverOpts origin.ServerOptions, port int, metricsAddr string, logger *slog.Logger) error {
	asset, err := origin.Package(payload, opts)
	if err != nil {
		return fmt.Errorf("failed to package payload: %w", err)
	}

	logger.Info("packaged payload",
		"bytes", len(payload),
		"segments", len(asset.Segments),
		"keys", len(asset.Keys),
		"segmentDuration", opts.SegmentDuration,
	)

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

	g, gctx := errgroup.WithContext(ctx)

	srv := origin.NewServer(asset, port, serverOpts, logger)
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if metricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, metricsAddr, logger)
		})
	}

	logger.Info("HLS stream ready",
		"master_url", fmt.Sprintf("http://localhost:%d/master.m3u8", port),
		"media_url", fmt.Sprintf("http://localhost:%d/media.m3u8", port),
		"health", fmt.Sprintf("http://localhost:%d/health", port),
	)

	return g.Wait()
}

// segmentCount returns how many segments of segmentDuration cover total.
// A trailing partial segment counts as a whole one.
func segmentCount(total, segmentDuration time.Duration) (int, error) {
	if segmentDuration <= 0 {
		return 0, fmt.Errorf("segment duration must be positive, got %s", segmentDuration)
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", total)
	}
	return int(math.Ceil(float64(total) / float64(segmentDuration))), nil
}

// loadPayload reads path, or builds a deterministic payload of size bytes
// when path is empty.
func loadPayload(path string, size int) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read media file: %w", err)
		}
		return data, nil
	}

	if size <= 0 {
		return nil, fmt.Errorf("payload size must be positive, got %d", size)
	}
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data, nil
}
