// Package segment defines data structures for HLS media playlists and their segments.
package segment

import "fmt"

// KeyMethod is the encryption method named by an EXT-X-KEY tag.
type KeyMethod string

const (
	// MethodNone means the segments that follow are not encrypted.
	MethodNone KeyMethod = "NONE"
	// MethodAES128 is whole-segment AES-128-CBC with PKCS#7 padding.
	MethodAES128 KeyMethod = "AES-128"
)

// KeyRef is the key directive governing a segment.
type KeyRef struct {
	// Method is the encryption method
	Method KeyMethod

	// URI is the absolute or playlist-relative key location
	URI string

	// IV is the hex initialization vector as written in the playlist.
	// Empty means the IV is derived from the segment sequence number.
	IV string
}

// Encrypted reports whether the key requires decryption.
func (k *KeyRef) Encrypted() bool {
	return k != nil && k.Method != MethodNone
}

// Segment represents a single HLS media segment.
type Segment struct {
	// URI is the segment location as written in the playlist
	URI string

	// Duration is the segment duration in seconds
	Duration float64

	// Sequence is the media sequence number: EXT-X-MEDIA-SEQUENCE plus the
	// position in the playlist
	Sequence uint64

	// Title is the optional EXTINF title
	Title string

	// Key is the key directive in effect for this segment, nil when clear
	Key *KeyRef
}

// MediaPlaylist is an ordered list of segments in presentation order.
type MediaPlaylist struct {
	Segments []Segment

	// MediaSequence is the sequence number of the first segment
	MediaSequence uint64

	// TargetDuration is the declared maximum segment duration in seconds
	TargetDuration float64

	// Closed is set when the playlist carries EXT-X-ENDLIST
	Closed bool
}

// Duration returns the sum of all segment durations in seconds.
func (p *MediaPlaylist) Duration() float64 {
	var total float64
	for _, seg := range p.Segments {
		total += seg.Duration
	}
	return total
}

// IndexAt returns the index of the segment covering the given offset in
// seconds, accumulating durations in playlist order.
func (p *MediaPlaylist) IndexAt(seconds float64) (int, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("offset %.3fs is negative", seconds)
	}

	var start float64
	for i, seg := range p.Segments {
		if seconds < start+seg.Duration {
			return i, nil
		}
		start += seg.Duration
	}

	return 0, fmt.Errorf("offset %.3fs is past the end of the playlist (%.3fs)", seconds, start)
}
