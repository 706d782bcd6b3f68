// Package stream drives a playback session: it loads the master and media
// playlists, fetches and decrypts segments ahead of playback and appends
// them to a buffer sink strictly in presentation order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/hlsplay/internal/decrypt"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/hlserr"
	"github.com/agleyzer/hlsplay/internal/keystore"
	"github.com/agleyzer/hlsplay/internal/metrics"
	"github.com/agleyzer/hlsplay/internal/parser"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/sink"
	"github.com/agleyzer/hlsplay/internal/variant"
)

var (
	// ErrAlreadyStarted is returned by Start on a session that is not idle.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrDisposed is the outcome of a session torn down before it ended.
	ErrDisposed = errors.New("session disposed")

	// ErrNotStreaming is returned by Seek outside the STREAMING state.
	ErrNotStreaming = errors.New("session is not streaming")

	// ErrSeekOutOfRange is returned by Seek for a target outside the playlist.
	ErrSeekOutOfRange = errors.New("seek target out of range")

	// ErrNoSegments is returned when the media playlist has no segments.
	ErrNoSegments = errors.New("media playlist has no segments")
)

// Controller runs one playback session.
type Controller struct {
	fetcher fetch.Fetcher
	sink    sink.BufferSink
	keys    *keystore.KeyStore
	opts    Options
	logger  *slog.Logger
	id      string

	mu       sync.Mutex
	state    State
	err      error
	cancel   context.CancelFunc
	started  bool
	snapshot CursorSnapshot
	variant  variant.VariantStream

	// sinkMu serializes sink calls against Dispose; once closed is set no
	// further Open, Append or EndOfStream reaches the sink.
	sinkMu     sync.Mutex
	closed     bool
	sinkOpened bool

	seeks       chan seekRequest
	done        chan struct{}
	doneOnce    sync.Once
	disposeOnce sync.Once
}

type seekRequest struct {
	target time.Duration
	reply  chan error
}

// result is the outcome of fetching and decrypting one segment. gen ties it
// to the window it was admitted in; results from before a seek are dropped.
type result struct {
	gen   uint64
	index int
	data  []byte
	err   error
}

// New creates an idle session. Zero fields of opts take their defaults;
// Start rejects invalid options.
func New(fetcher fetch.Fetcher, bufferSink sink.BufferSink, opts Options, logger *slog.Logger) *Controller {
	opts.withDefaults()
	id := uuid.NewString()
	logger = logger.With("session", id)

	return &Controller{
		fetcher: fetcher,
		sink:    bufferSink,
		keys:    keystore.New(fetcher, logger),
		opts:    opts,
		logger:  logger,
		id:      id,
		seeks:   make(chan seekRequest),
		done:    make(chan struct{}),
	}
}

// ID returns the session identifier used in logs.
func (c *Controller) ID() string {
	return c.id
}

// Start begins playback of the master playlist at masterURL and returns
// immediately. Progress is observed through State, Cursor and Wait.
// Canceling ctx disposes the session.
func (c *Controller) Start(ctx context.Context, masterURL string) error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state != StateIdle || c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := c.opts.Validate(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("invalid options: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.mu.Unlock()

	c.logger.Info("starting session", "url", masterURL, "prefetchDepth", c.opts.PrefetchDepth)
	go c.run(ctx, masterURL)
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Variant returns the variant being played. It is the zero value until the
// media playlist has been loaded.
func (c *Controller) Variant() variant.VariantStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.variant
}

// Cursor returns a snapshot of the playback cursor. It is the zero value
// before streaming begins and after the session is disposed.
func (c *Controller) Cursor() CursorSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Done is closed once the session has stopped all background work.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the session stops and returns nil when it ended
// normally, ErrDisposed when it was torn down, or the fatal error.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seek moves playback to the segment containing target. Held and in-flight
// work is discarded and the prefetch window restarts at that segment.
func (c *Controller) Seek(ctx context.Context, target time.Duration) error {
	if c.State() != StateStreaming {
		return ErrNotStreaming
	}

	req := seekRequest{target: target, reply: make(chan error, 1)}
	select {
	case c.seeks <- req:
	case <-c.done:
		return ErrNotStreaming
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose tears the session down from any state. In-flight work is
// canceled, the sink is aborted if it was opened and cached keys are
// dropped. No sink call is made once Dispose returns. Safe to call more
// than once.
func (c *Controller) Dispose() {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		interrupted := !c.state.Terminal()
		if interrupted {
			c.setStateLocked(StateDisposed)
			c.err = ErrDisposed
		}
		cancel := c.cancel
		started := c.started
		c.snapshot = CursorSnapshot{}
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		c.sinkMu.Lock()
		c.closed = true
		if interrupted && c.sinkOpened {
			if err := c.sink.Abort(); err != nil {
				c.logger.Warn("sink abort failed", "error", err)
			}
		}
		c.sinkMu.Unlock()

		c.keys.Purge()

		if !started {
			c.finish()
		}
		if interrupted {
			c.logger.Info("session disposed")
		}
	})
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) run(ctx context.Context, masterURL string) {
	defer c.finish()

	err := c.play(ctx, masterURL)
	c.complete(ctx, err)
}

// complete records the outcome of play.
func (c *Controller) complete(ctx context.Context, err error) {
	if err == nil {
		c.mu.Lock()
		ok := c.transitionLocked(StateEnded)
		c.mu.Unlock()
		if ok {
			c.logger.Info("session ended")
		}
		c.cancel()
		c.keys.Purge()
		return
	}

	if ctx.Err() != nil {
		// Canceled by Dispose or by the caller's context.
		c.Dispose()
		return
	}

	c.mu.Lock()
	failed := c.transitionLocked(StateFailed)
	if failed {
		c.err = err
		c.snapshot = CursorSnapshot{}
	}
	c.mu.Unlock()
	if !failed {
		return
	}

	kind := hlserr.KindOf(err)
	metrics.SessionFailures.WithLabelValues(string(kind)).Inc()
	c.logger.Error("session failed", "kind", kind, "error", err)

	c.cancel()
	c.sinkMu.Lock()
	c.closed = true
	if c.sinkOpened {
		if err := c.sink.Abort(); err != nil {
			c.logger.Warn("sink abort failed", "error", err)
		}
	}
	c.sinkMu.Unlock()
	c.keys.Purge()
}

func (c *Controller) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Controller) transitionLocked(to State) bool {
	if !canTransition(c.state, to) {
		return false
	}
	c.setStateLocked(to)
	return true
}

func (c *Controller) setStateLocked(to State) {
	c.logger.Debug("state transition", "from", c.state, "to", to)
	c.state = to
	metrics.SessionTransitions.WithLabelValues(to.String()).Inc()
}

// play loads the playlists and streams the chosen variant to completion.
func (c *Controller) play(ctx context.Context, masterURL string) error {
	if !c.transition(StateLoadingMaster) {
		return ErrDisposed
	}

	text, err := c.fetcher.Fetch(ctx, masterURL)
	if err != nil {
		return fmt.Errorf("fetch master playlist: %w", err)
	}

	mediaURL := masterURL
	var chosen variant.VariantStream
	if parser.IsMaster(text) {
		master, err := parser.ParseMaster(text)
		if err != nil {
			return err
		}
		if c.opts.VariantIndex >= len(master.Variants) {
			return fmt.Errorf("variant index %d out of range, master playlist has %d variants",
				c.opts.VariantIndex, len(master.Variants))
		}
		chosen = master.Variants[c.opts.VariantIndex]
		mediaURL, err = parser.ResolveURL(masterURL, chosen.URI)
		if err != nil {
			return hlserr.New(hlserr.KindMalformedManifest, masterURL, "invalid variant URI", err)
		}
		chosen.URI = mediaURL

		c.logger.Info("selected variant",
			"index", c.opts.VariantIndex,
			"bandwidth", chosen.Bandwidth,
			"codecs", chosen.Codecs,
			"url", mediaURL)

		if !c.transition(StateLoadingMedia) {
			return ErrDisposed
		}
		text, err = c.fetcher.Fetch(ctx, mediaURL)
		if err != nil {
			return fmt.Errorf("fetch media playlist: %w", err)
		}
	} else {
		// The URL served a media playlist directly; play it as the only variant.
		chosen.URI = mediaURL
		if !c.transition(StateLoadingMedia) {
			return ErrDisposed
		}
	}

	playlist, err := parser.ParseMedia(text)
	if err != nil {
		return err
	}
	if len(playlist.Segments) == 0 {
		return ErrNoSegments
	}
	if err := resolvePlaylist(playlist, mediaURL); err != nil {
		return err
	}

	c.logger.Info("loaded media playlist",
		"segments", len(playlist.Segments),
		"mediaSequence", playlist.MediaSequence,
		"duration", playlist.Duration(),
		"closed", playlist.Closed)

	c.mu.Lock()
	c.variant = chosen
	c.mu.Unlock()

	if err := c.openSink(chosen.MimeType(playlist.Segments[0].URI)); err != nil {
		return err
	}

	cursor := newCursor(playlist)
	if c.opts.StartOffset > 0 {
		index, err := playlist.IndexAt(c.opts.StartOffset.Seconds())
		if err != nil {
			return fmt.Errorf("start offset %s: %w: %w", c.opts.StartOffset, ErrSeekOutOfRange, err)
		}
		cursor.reset(index)
		c.logger.Info("starting at offset", "offset", c.opts.StartOffset, "index", index,
			"sequence", playlist.Segments[index].Sequence)
	}
	if !c.transition(StateStreaming) {
		return ErrDisposed
	}
	c.publish(cursor)

	return c.stream(ctx, cursor)
}

// resolvePlaylist rewrites segment and key URIs as absolute URLs. Segments
// that share a key directive share its resolved copy.
func resolvePlaylist(playlist *segment.MediaPlaylist, mediaURL string) error {
	keys := make(map[*segment.KeyRef]*segment.KeyRef)
	for i := range playlist.Segments {
		seg := &playlist.Segments[i]

		uri, err := parser.ResolveURL(mediaURL, seg.URI)
		if err != nil {
			return hlserr.New(hlserr.KindMalformedManifest, mediaURL,
				fmt.Sprintf("invalid URI for segment %d", seg.Sequence), err)
		}
		seg.URI = uri

		if !seg.Key.Encrypted() {
			continue
		}
		resolved, ok := keys[seg.Key]
		if !ok {
			keyURI, err := parser.ResolveURL(mediaURL, seg.Key.URI)
			if err != nil {
				return hlserr.New(hlserr.KindMalformedManifest, mediaURL, "invalid key URI", err)
			}
			resolved = &segment.KeyRef{Method: seg.Key.Method, URI: keyURI, IV: seg.Key.IV}
			keys[seg.Key] = resolved
		}
		seg.Key = resolved
	}
	return nil
}

// stream runs the prefetch window until every segment is appended. It is
// the only code that touches the cursor.
func (c *Controller) stream(ctx context.Context, cursor *PlaybackCursor) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	results := make(chan result)
	var gen uint64
	genCtx, genCancel := context.WithCancel(ctx)
	defer func() { genCancel() }()

	segments := cursor.Playlist.Segments
	waitingDrain := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !waitingDrain {
			for {
				data, ok := cursor.ready()
				if !ok {
					break
				}
				err := c.appendSegment(data)
				if errors.Is(err, sink.ErrBufferFull) {
					metrics.BufferFull.Inc()
					c.logger.Debug("buffer full, waiting for drain",
						"sequence", segments[cursor.NextAppend].Sequence)
					waitingDrain = true
					break
				}
				if err != nil {
					return err
				}
				cursor.advance()
			}

			if cursor.done() {
				c.publish(cursor)
				return c.endOfStream()
			}
		}

		// Admission pauses while the sink is full.
		for !waitingDrain && cursor.canAdmit(c.opts.PrefetchDepth) {
			index := cursor.NextAdmit
			seg := segments[index]
			cursor.InFlight[seg.Sequence] = struct{}{}
			cursor.NextAdmit++

			wg.Add(1)
			go func(ctx context.Context, gen uint64) {
				defer wg.Done()
				data, err := c.fetchSegment(ctx, seg)
				select {
				case results <- result{gen: gen, index: index, data: data, err: err}:
				case <-ctx.Done():
				}
			}(genCtx, gen)
		}
		c.publish(cursor)

		var drained <-chan struct{}
		if waitingDrain {
			drained = c.sink.Drained()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-results:
			if r.gen != gen {
				continue
			}
			delete(cursor.InFlight, segments[r.index].Sequence)
			if r.err != nil {
				return r.err
			}
			cursor.held[r.index] = r.data

		case <-drained:
			waitingDrain = false

		case req := <-c.seeks:
			index, err := cursor.Playlist.IndexAt(req.target.Seconds())
			if err != nil {
				req.reply <- fmt.Errorf("%w: %w", ErrSeekOutOfRange, err)
				continue
			}
			genCancel()
			gen++
			genCtx, genCancel = context.WithCancel(ctx)
			cursor.reset(index)
			waitingDrain = false
			c.logger.Info("seek", "target", req.target, "index", index,
				"sequence", segments[index].Sequence)
			req.reply <- nil
		}
	}
}

// fetchSegment fetches one segment and decrypts it when a key applies.
func (c *Controller) fetchSegment(ctx context.Context, seg segment.Segment) ([]byte, error) {
	var key *keystore.ResolvedKey
	if seg.Key.Encrypted() {
		var err error
		key, err = c.keys.Resolve(ctx, seg.Key, seg.Sequence)
		if err != nil {
			return nil, err
		}
	}

	body, err := c.fetchWithRetry(ctx, seg)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return body, nil
	}

	plain, err := decrypt.Decrypt(body, key.Key, key.IV)
	if err != nil {
		return nil, hlserr.New(hlserr.KindDecryption, seg.URI,
			fmt.Sprintf("segment %d", seg.Sequence), err)
	}
	return plain, nil
}

// fetchWithRetry retries transient failures with linear backoff.
func (c *Controller) fetchWithRetry(ctx context.Context, seg segment.Segment) ([]byte, error) {
	retries := c.opts.retries()
	for attempt := 0; ; attempt++ {
		body, err := c.fetcher.FetchBinary(ctx, seg.URI)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !fetch.IsTransient(err) || attempt >= retries {
			return nil, hlserr.New(hlserr.KindSegmentFetch, seg.URI,
				fmt.Sprintf("segment %d failed after %d attempts", seg.Sequence, attempt+1), err)
		}

		delay := time.Duration(attempt+1) * c.opts.RetryDelay
		metrics.SegmentRetries.Inc()
		c.logger.Warn("retrying segment fetch",
			"sequence", seg.Sequence,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Controller) openSink(mimeType string) error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	if c.closed {
		return ErrDisposed
	}
	if err := c.sink.Open(mimeType); err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	c.sinkOpened = true
	c.logger.Debug("sink opened", "mimeType", mimeType)
	return nil
}

func (c *Controller) appendSegment(data []byte) error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	if c.closed {
		return ErrDisposed
	}
	if err := c.sink.Append(data); err != nil {
		if errors.Is(err, sink.ErrBufferFull) {
			return err
		}
		return fmt.Errorf("append to sink: %w", err)
	}
	metrics.RecordAppend(len(data))
	return nil
}

func (c *Controller) endOfStream() error {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	if c.closed {
		return ErrDisposed
	}
	c.closed = true
	if err := c.sink.EndOfStream(); err != nil {
		return fmt.Errorf("end of stream: %w", err)
	}
	return nil
}

func (c *Controller) publish(cursor *PlaybackCursor) {
	snap := cursor.snapshot()
	c.mu.Lock()
	if !c.state.Terminal() {
		c.snapshot = snap
	}
	c.mu.Unlock()
}
