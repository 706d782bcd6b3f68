package stream

import (
	"slices"

	"github.com/agleyzer/hlsplay/internal/segment"
)

// PlaybackCursor is the position of one session in its media playlist.
// Only the controller's streaming loop touches it.
type PlaybackCursor struct {
	Playlist *segment.MediaPlaylist

	// NextAppend is the index of the next segment to hand to the sink
	NextAppend int

	// NextAdmit is the index of the next segment to start fetching
	NextAdmit int

	// InFlight holds sequence numbers being fetched or decrypted
	InFlight map[uint64]struct{}

	// held keeps completed plaintext by index until its turn comes
	held map[int][]byte

	appended    uint64
	hasAppended bool
}

func newCursor(playlist *segment.MediaPlaylist) *PlaybackCursor {
	return &PlaybackCursor{
		Playlist: playlist,
		InFlight: make(map[uint64]struct{}),
		held:     make(map[int][]byte),
	}
}

// Appended returns the sequence number of the last segment appended since
// the session started or last seeked.
func (c *PlaybackCursor) Appended() (uint64, bool) {
	return c.appended, c.hasAppended
}

// canAdmit reports whether the prefetch window has room for another segment.
func (c *PlaybackCursor) canAdmit(depth int) bool {
	return c.NextAdmit < len(c.Playlist.Segments) && c.NextAdmit-c.NextAppend < depth
}

// ready returns the plaintext for the next segment in order, if completed.
func (c *PlaybackCursor) ready() ([]byte, bool) {
	data, ok := c.held[c.NextAppend]
	return data, ok
}

func (c *PlaybackCursor) advance() {
	delete(c.held, c.NextAppend)
	c.appended = c.Playlist.Segments[c.NextAppend].Sequence
	c.hasAppended = true
	c.NextAppend++
}

func (c *PlaybackCursor) done() bool {
	return c.NextAppend >= len(c.Playlist.Segments)
}

// reset restarts the window at index, discarding held and in-flight work.
func (c *PlaybackCursor) reset(index int) {
	c.NextAppend = index
	c.NextAdmit = index
	clear(c.InFlight)
	clear(c.held)
	c.hasAppended = false
}

// CursorSnapshot is a point-in-time copy of a session's cursor.
type CursorSnapshot struct {
	Segments    int
	NextAppend  int
	NextAdmit   int
	InFlight    []uint64
	Held        int
	Appended    uint64
	HasAppended bool
}

func (c *PlaybackCursor) snapshot() CursorSnapshot {
	inFlight := make([]uint64, 0, len(c.InFlight))
	for seq := range c.InFlight {
		inFlight = append(inFlight, seq)
	}
	slices.Sort(inFlight)

	return CursorSnapshot{
		Segments:    len(c.Playlist.Segments),
		NextAppend:  c.NextAppend,
		NextAdmit:   c.NextAdmit,
		InFlight:    inFlight,
		Held:        len(c.held),
		Appended:    c.appended,
		HasAppended: c.hasAppended,
	}
}
