// Package integration provides integration testing utilities for hlsplay.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/origin"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/stream"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t          *testing.T
	logger     *slog.Logger
	asset      *origin.Asset
	server     *origin.Server
	originPort int
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	return &TestHarness{
		t:          t,
		logger:     logger,
		originPort: findAvailablePort(t),
	}
}

// StartOrigin packages payload and serves it on a local port.
func (h *TestHarness) StartOrigin(payload []byte, opts origin.PackageOptions, serverOpts origin.ServerOptions) {
	h.t.Helper()

	asset, err := origin.Package(payload, opts)
	if err != nil {
		h.t.Fatalf("failed to package payload: %v", err)
	}
	h.asset = asset
	h.server = origin.NewServer(asset, h.originPort, serverOpts, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		if err := h.server.Start(ctx); err != nil {
			h.t.Logf("origin server error: %v", err)
		}
	}()

	h.waitForServer(h.URL("/health"), 10*time.Second)
	h.t.Logf("origin started on port %d", h.originPort)
}

// URL returns the origin URL for path.
func (h *TestHarness) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.originPort, path)
}

// Asset returns the packaged asset being served.
func (h *TestHarness) Asset() *origin.Asset {
	return h.asset
}

// Requests returns how many requests the origin saw for path.
func (h *TestHarness) Requests(path string) int {
	return h.server.Requests(path)
}

// NewController creates a session against the origin using a real HTTP
// fetcher. The session is disposed on cleanup.
func (h *TestHarness) NewController(bufferSink sink.BufferSink, opts stream.Options) *stream.Controller {
	h.t.Helper()

	if err := opts.Validate(); err != nil {
		h.t.Fatalf("invalid options: %v", err)
	}

	fetcher := fetch.NewHTTPFetcher(nil, fetch.Options{Timeout: 5 * time.Second})
	ctrl := stream.New(fetcher, bufferSink, opts, h.logger)
	h.t.Cleanup(func() {
		ctrl.Dispose()
		<-ctrl.Done()
	})
	return ctrl
}

// Play runs a session from the master playlist to completion.
func (h *TestHarness) Play(bufferSink sink.BufferSink, opts stream.Options, timeout time.Duration) (*stream.Controller, error) {
	h.t.Helper()

	ctrl := h.NewController(bufferSink, opts)
	if err := ctrl.Start(context.Background(), h.URL("/master.m3u8")); err != nil {
		h.t.Fatalf("failed to start session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := ctrl.Wait(ctx)
	if ctx.Err() != nil {
		h.t.Fatalf("session did not finish within %v (state %s)", timeout, ctrl.State())
	}
	return ctrl, err
}

// FetchHealth fetches the health endpoint and returns the JSON response.
func (h *TestHarness) FetchHealth() string {
	h.t.Helper()

	resp, err := http.Get(h.URL("/health"))
	if err != nil {
		h.t.Fatalf("failed to fetch health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read health body: %v", err)
	}

	return string(body)
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		<-ticker.C
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}

// testPayload builds a deterministic payload of size bytes.
func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}
