package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agleyzer/hlsplay/internal/decrypt"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/hlserr"
	"github.com/agleyzer/hlsplay/internal/keystore"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/sink"
)

const (
	masterURL = "http://origin.test/live/master.m3u8"
	mediaURL  = "http://origin.test/live/v0/media.m3u8"
	keyURL    = "http://origin.test/live/keys/k0.key"
	firstSeq  = 7
)

var testKey = [decrypt.KeySize]byte{
	0x2b, 0x7e, 0x15, 0x16, 0x28, 0xae, 0xd2, 0xa6,
	0xab, 0xf7, 0x15, 0x88, 0x09, 0xcf, 0x4f, 0x3c,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeOrigin is a scriptable Fetcher. Gated URLs block until released,
// queued errors are returned before the URL starts succeeding.
type fakeOrigin struct {
	mu    sync.Mutex
	texts map[string]string
	blobs map[string][]byte
	gates map[string]chan struct{}
	fails map[string][]error
	calls map[string]int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		texts: make(map[string]string),
		blobs: make(map[string][]byte),
		gates: make(map[string]chan struct{}),
		fails: make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (o *fakeOrigin) Fetch(ctx context.Context, url string) (string, error) {
	o.mu.Lock()
	o.calls[url]++
	text, ok := o.texts[url]
	o.mu.Unlock()

	if !ok {
		return "", &fetch.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return text, nil
}

func (o *fakeOrigin) FetchBinary(ctx context.Context, url string) ([]byte, error) {
	o.mu.Lock()
	o.calls[url]++
	gate := o.gates[url]
	var err error
	if queued := o.fails[url]; len(queued) > 0 {
		err = queued[0]
		o.fails[url] = queued[1:]
	}
	blob, ok := o.blobs[url]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &fetch.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return append([]byte(nil), blob...), nil
}

func (o *fakeOrigin) gate(url string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	g := make(chan struct{})
	o.gates[url] = g
	return g
}

func (o *fakeOrigin) failWith(url string, errs ...error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fails[url] = append(o.fails[url], errs...)
}

func (o *fakeOrigin) callCount(url string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[url]
}

func (o *fakeOrigin) segmentCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for url, c := range o.calls {
		if strings.HasSuffix(url, ".ts") {
			n += c
		}
	}
	return n
}

// fixture is an encrypted VOD rendition of n two-second segments.
type fixture struct {
	origin *fakeOrigin
	plain  [][]byte
}

func segmentURL(i int) string {
	return fmt.Sprintf("http://origin.test/live/v0/seg%d.ts", i)
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	o := newFakeOrigin()
	o.texts[masterURL] = "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720,CODECS=\"avc1.4d401f,mp4a.40.2\"\n" +
		"v0/media.m3u8\n"
	o.blobs[keyURL] = testKey[:]

	var media strings.Builder
	media.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&media, "#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)
	media.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"../keys/k0.key\"\n")

	f := &fixture{origin: o}
	for i := 0; i < n; i++ {
		plain := []byte(fmt.Sprintf("segment %d payload", i))
		cipher, err := decrypt.Encrypt(plain, testKey, keystore.DeriveIV(uint64(firstSeq+i)))
		require.NoError(t, err)

		f.plain = append(f.plain, plain)
		o.blobs[segmentURL(i)] = cipher
		fmt.Fprintf(&media, "#EXTINF:2.0,\nseg%d.ts\n", i)
	}
	media.WriteString("#EXT-X-ENDLIST\n")
	o.texts[mediaURL] = media.String()

	return f
}

func startController(t *testing.T, f fetch.Fetcher, s sink.BufferSink, opts Options, url string) *Controller {
	t.Helper()

	require.NoError(t, opts.Validate())
	c := New(f, s, opts, testLogger())
	require.NoError(t, c.Start(context.Background(), url))
	t.Cleanup(func() {
		c.Dispose()
		<-c.Done()
	})
	return c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestController_PlaysToEnd(t *testing.T) {
	f := newFixture(t, 3)
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{}, masterURL)
	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, f.plain, s.Chunks())
	assert.Equal(t, 1, s.EndOfStreamCalls())
	assert.Equal(t, 0, s.AbortCalls())
	assert.Equal(t, `video/mp2t; codecs="avc1.4d401f,mp4a.40.2"`, s.MimeType())
	assert.Equal(t, 1, f.origin.callCount(keyURL))

	want := CursorSnapshot{
		Segments:    3,
		NextAppend:  3,
		NextAdmit:   3,
		Appended:    firstSeq + 2,
		HasAppended: true,
	}
	if diff := cmp.Diff(want, c.Cursor(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("cursor mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, mediaURL, c.Variant().URI)
}

func TestController_ZeroOptionsUseDefaults(t *testing.T) {
	f := newFixture(t, 3)
	s := sink.NewMemorySink(0)

	c := New(f.origin, s, Options{}, testLogger())
	require.NoError(t, c.Start(context.Background(), masterURL))
	t.Cleanup(c.Dispose)

	require.NoError(t, c.Wait(waitCtx(t)))
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, f.plain, s.Chunks())
}

func TestController_InvalidOptions(t *testing.T) {
	c := New(newFakeOrigin(), sink.NewMemorySink(0), Options{PrefetchDepth: -1}, testLogger())
	assert.Error(t, c.Start(context.Background(), masterURL))
	assert.Equal(t, StateIdle, c.State())
	c.Dispose()
}

func TestController_StartOffset(t *testing.T) {
	f := newFixture(t, 5)
	s := sink.NewMemorySink(0)

	// 6.5s falls in the fourth two-second segment.
	c := startController(t, f.origin, s, Options{StartOffset: 6500 * time.Millisecond}, masterURL)
	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, f.plain[3:], s.Chunks())
	for i := 0; i < 3; i++ {
		assert.Zero(t, f.origin.callCount(segmentURL(i)), "segment %d fetched", i)
	}
	assert.Equal(t, 1, s.EndOfStreamCalls())
}

func TestController_StartOffsetOutOfRange(t *testing.T) {
	f := newFixture(t, 3)
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{StartOffset: 6 * time.Second}, masterURL)
	assert.ErrorIs(t, c.Wait(waitCtx(t)), ErrSeekOutOfRange)
	assert.Equal(t, StateFailed, c.State())
	assert.Zero(t, f.origin.segmentCalls())
	assert.Equal(t, 1, s.AbortCalls())
}

func TestResolvePlaylist_SharesKeyPerDirective(t *testing.T) {
	f := newFixture(t, 3)
	playlist, err := parser.ParseMedia(f.origin.texts[mediaURL])
	require.NoError(t, err)
	require.NoError(t, resolvePlaylist(playlist, mediaURL))

	first := playlist.Segments[0].Key
	require.NotNil(t, first)
	assert.Equal(t, keyURL, first.URI)
	for _, seg := range playlist.Segments[1:] {
		assert.Same(t, first, seg.Key)
		assert.Equal(t, segmentURL(int(seg.Sequence-firstSeq)), seg.URI)
	}
}

func TestController_OrderUnderReversedCompletion(t *testing.T) {
	f := newFixture(t, 3)
	gates := []chan struct{}{
		f.origin.gate(segmentURL(0)),
		f.origin.gate(segmentURL(1)),
		f.origin.gate(segmentURL(2)),
	}
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{PrefetchDepth: 3}, masterURL)
	require.Eventually(t, func() bool { return f.origin.segmentCalls() == 3 }, 2*time.Second, 5*time.Millisecond)

	close(gates[2])
	require.Eventually(t, func() bool { return c.Cursor().Held == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Chunks())

	close(gates[1])
	require.Eventually(t, func() bool { return c.Cursor().Held == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Chunks())

	close(gates[0])
	require.NoError(t, c.Wait(waitCtx(t)))
	assert.Equal(t, f.plain, s.Chunks())
	assert.Equal(t, 1, s.EndOfStreamCalls())
}

func TestController_PrefetchWindowBound(t *testing.T) {
	f := newFixture(t, 5)
	gates := make([]chan struct{}, 5)
	for i := range gates {
		gates[i] = f.origin.gate(segmentURL(i))
	}
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{PrefetchDepth: 2}, masterURL)
	require.Eventually(t, func() bool { return f.origin.segmentCalls() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Completing a segment ahead of the gap does not open the window.
	close(gates[1])
	require.Eventually(t, func() bool { return c.Cursor().Held == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, f.origin.segmentCalls())
	assert.Equal(t, []uint64{firstSeq}, c.Cursor().InFlight)

	close(gates[0])
	require.Eventually(t, func() bool { return f.origin.segmentCalls() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, s.Chunks(), 2)

	for _, g := range gates[2:] {
		close(g)
	}
	require.NoError(t, c.Wait(waitCtx(t)))
	assert.Equal(t, f.plain, s.Chunks())
}

func TestController_DisposeMidFlight(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t, 4)
	gates := make([]chan struct{}, 4)
	for i := range gates {
		gates[i] = f.origin.gate(segmentURL(i))
	}
	s := sink.NewMemorySink(0)

	opts := Options{}
	require.NoError(t, opts.Validate())
	c := New(f.origin, s, opts, testLogger())
	require.NoError(t, c.Start(context.Background(), masterURL))
	require.Eventually(t, func() bool { return f.origin.segmentCalls() == 2 }, 2*time.Second, 5*time.Millisecond)

	c.Dispose()
	c.Dispose()

	assert.Equal(t, StateDisposed, c.State())
	assert.ErrorIs(t, c.Wait(waitCtx(t)), ErrDisposed)
	assert.Equal(t, CursorSnapshot{}, c.Cursor())

	for _, g := range gates {
		close(g)
	}
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, s.Chunks())
	assert.Equal(t, 1, s.AbortCalls())
	assert.Equal(t, 0, s.EndOfStreamCalls())
	assert.ErrorIs(t, c.Start(context.Background(), masterURL), ErrDisposed)
}

func TestController_CancelStartContextDisposes(t *testing.T) {
	f := newFixture(t, 2)
	f.origin.gate(segmentURL(0))
	s := sink.NewMemorySink(0)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(f.origin, s, Options{PrefetchDepth: 2, MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())
	require.NoError(t, c.Start(ctx, masterURL))
	require.Eventually(t, func() bool { return f.origin.segmentCalls() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, c.Wait(waitCtx(t)), ErrDisposed)
	assert.Equal(t, StateDisposed, c.State())
	assert.Equal(t, 1, s.AbortCalls())
}

func TestController_DisposeBeforeStart(t *testing.T) {
	c := New(newFakeOrigin(), sink.NewMemorySink(0), Options{}, testLogger())
	c.Dispose()

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, StateDisposed, c.State())
}

func TestController_StartTwice(t *testing.T) {
	f := newFixture(t, 1)
	c := startController(t, f.origin, sink.NewMemorySink(0), Options{}, masterURL)
	assert.ErrorIs(t, c.Start(context.Background(), masterURL), ErrAlreadyStarted)
}

func TestController_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t, 3)
	f.origin.failWith(segmentURL(1),
		&fetch.StatusError{URL: segmentURL(1), StatusCode: http.StatusServiceUnavailable},
		&fetch.StatusError{URL: segmentURL(1), StatusCode: http.StatusBadGateway},
	)
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{RetryDelay: time.Millisecond}, masterURL)
	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, 3, f.origin.callCount(segmentURL(1)))
	assert.Equal(t, f.plain, s.Chunks())
}

func TestController_RetriesExhausted(t *testing.T) {
	f := newFixture(t, 3)
	unavailable := &fetch.StatusError{URL: segmentURL(1), StatusCode: http.StatusServiceUnavailable}
	f.origin.failWith(segmentURL(1), unavailable, unavailable, unavailable)
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{RetryDelay: time.Millisecond}, masterURL)
	err := c.Wait(waitCtx(t))

	require.ErrorIs(t, err, hlserr.ErrSegmentFetch)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, f.origin.callCount(segmentURL(1)))
	assert.LessOrEqual(t, len(s.Chunks()), 1)
	assert.Equal(t, 1, s.AbortCalls())
	assert.Equal(t, 0, s.EndOfStreamCalls())
}

func TestController_PermanentErrorNotRetried(t *testing.T) {
	f := newFixture(t, 2)
	delete(f.origin.blobs, segmentURL(0))

	c := startController(t, f.origin, sink.NewMemorySink(0), Options{RetryDelay: time.Millisecond}, masterURL)
	err := c.Wait(waitCtx(t))

	require.ErrorIs(t, err, hlserr.ErrSegmentFetch)
	assert.Equal(t, 1, f.origin.callCount(segmentURL(0)))
}

func TestController_FatalErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		want   error
	}{
		{
			name:   "malformed media playlist",
			mutate: func(f *fixture) { f.origin.texts[mediaURL] = "#EXTM3U\n#EXTINF:abc,\nseg0.ts\n" },
			want:   hlserr.ErrMalformedManifest,
		},
		{
			name:   "malformed master playlist",
			mutate: func(f *fixture) { f.origin.texts[masterURL] = "#EXTM3U\n#EXT-X-STREAM-INF:RESOLUTION=1x1\nv0/media.m3u8\n" },
			want:   hlserr.ErrMalformedManifest,
		},
		{
			name:   "key not found",
			mutate: func(f *fixture) { delete(f.origin.blobs, keyURL) },
			want:   hlserr.ErrKeyFetch,
		},
		{
			name:   "short key",
			mutate: func(f *fixture) { f.origin.blobs[keyURL] = testKey[:15] },
			want:   hlserr.ErrKeyFetch,
		},
		{
			name:   "ciphertext not block aligned",
			mutate: func(f *fixture) { f.origin.blobs[segmentURL(0)] = make([]byte, 17) },
			want:   hlserr.ErrDecryption,
		},
		{
			name: "invalid IV",
			mutate: func(f *fixture) {
				f.origin.texts[mediaURL] = strings.Replace(f.origin.texts[mediaURL],
					`URI="../keys/k0.key"`, `URI="../keys/k0.key",IV=0x1234`, 1)
			},
			want: hlserr.ErrInvalidKeyMaterial,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			tt.mutate(f)
			s := sink.NewMemorySink(0)

			c := startController(t, f.origin, s, Options{RetryDelay: time.Millisecond}, masterURL)
			err := c.Wait(waitCtx(t))

			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, StateFailed, c.State())
			assert.Empty(t, s.Chunks())
			assert.Equal(t, 0, s.EndOfStreamCalls())
		})
	}
}

func TestController_VariantIndexOutOfRange(t *testing.T) {
	f := newFixture(t, 1)
	c := startController(t, f.origin, sink.NewMemorySink(0), Options{VariantIndex: 3}, masterURL)

	err := c.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant index 3 out of range")
	assert.Equal(t, StateFailed, c.State())
}

func TestController_MediaPlaylistAsEntryPoint(t *testing.T) {
	f := newFixture(t, 2)
	s := sink.NewMemorySink(0)

	c := startController(t, f.origin, s, Options{}, mediaURL)
	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, f.plain, s.Chunks())
	assert.Equal(t, "video/mp2t", s.MimeType())
	assert.Equal(t, 0, f.origin.callCount(masterURL))
}

func TestController_Backpressure(t *testing.T) {
	f := newFixture(t, 4)
	chunk := len(f.plain[0])
	s := sink.NewMemorySink(chunk + chunk/2)

	c := startController(t, f.origin, s, Options{PrefetchDepth: 2}, masterURL)

	for i := 1; i <= 4; i++ {
		require.Eventually(t, func() bool { return len(s.Chunks()) == i }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Len(t, s.Chunks(), i, "appended past a full buffer")
		s.Consume(chunk)
	}

	require.NoError(t, c.Wait(waitCtx(t)))
	assert.Equal(t, f.plain, s.Chunks())
}

func TestController_Seek(t *testing.T) {
	f := newFixture(t, 5)
	gates := []chan struct{}{f.origin.gate(segmentURL(0)), f.origin.gate(segmentURL(1))}
	s := sink.NewMemorySink(0)

	c := New(f.origin, s, Options{PrefetchDepth: 2, MaxRetries: 2, RetryDelay: time.Millisecond}, testLogger())
	ctx := waitCtx(t)
	assert.ErrorIs(t, c.Seek(ctx, time.Second), ErrNotStreaming)

	require.NoError(t, c.Start(context.Background(), masterURL))
	t.Cleanup(c.Dispose)
	require.Eventually(t, func() bool { return f.origin.segmentCalls() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Seek(ctx, 10*time.Second), ErrSeekOutOfRange)
	assert.ErrorIs(t, c.Seek(ctx, -time.Second), ErrSeekOutOfRange)

	// 6.5s falls in the fourth two-second segment.
	require.NoError(t, c.Seek(ctx, 6500*time.Millisecond))
	for _, g := range gates {
		close(g)
	}

	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, f.plain[3:], s.Chunks())
	assert.Equal(t, 1, s.EndOfStreamCalls())
	assert.Equal(t, uint64(firstSeq+4), c.Cursor().Appended)
}

func TestController_ManifestFetchError(t *testing.T) {
	f := newFixture(t, 1)
	delete(f.origin.texts, mediaURL)

	c := startController(t, f.origin, sink.NewMemorySink(0), Options{}, masterURL)
	err := c.Wait(waitCtx(t))

	var statusErr *fetch.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, StateFailed, c.State())
}
