// Package metrics exposes Prometheus collectors for the playback pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchDuration tracks HTTP fetch latency by payload type (text or binary) and result.
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlsplay_fetch_duration_seconds",
		Help:    "Latency of manifest, key and segment fetches",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"payload", "result"})

	// KeyLookups counts key store lookups by outcome (hit, miss, error).
	KeyLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsplay_key_lookups_total",
		Help: "Key store lookups by outcome",
	}, []string{"result"})

	// SegmentsAppended counts segments handed to the buffer sink.
	SegmentsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsplay_segments_appended_total",
		Help: "Segments appended to the playback buffer",
	})

	// BytesAppended counts plaintext bytes handed to the buffer sink.
	BytesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsplay_bytes_appended_total",
		Help: "Plaintext bytes appended to the playback buffer",
	})

	// SegmentRetries counts retried segment fetches.
	SegmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsplay_segment_retries_total",
		Help: "Segment fetch retries after transient errors",
	})

	// BufferFull counts appends rejected by a full sink.
	BufferFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsplay_buffer_full_total",
		Help: "Appends deferred because the playback buffer was full",
	})

	// SessionTransitions counts session state transitions by target state.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsplay_session_transitions_total",
		Help: "Playback session state transitions",
	}, []string{"state"})

	// SessionFailures counts fatal session errors by kind.
	SessionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsplay_session_failures_total",
		Help: "Fatal playback session errors by kind",
	}, []string{"kind"})
)

// ObserveFetch records a fetch.
func ObserveFetch(payload string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	FetchDuration.WithLabelValues(payload, result).Observe(duration.Seconds())
}

// RecordAppend records a segment handed to the sink.
func RecordAppend(bytes int) {
	SegmentsAppended.Inc()
	BytesAppended.Add(float64(bytes))
}

// Serve exposes the default registry at /metrics on addr until ctx is
// canceled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
