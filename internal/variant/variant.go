// Package variant defines data structures for HLS variant streams in master playlists.
package variant

import (
	"fmt"
	"path"
	"strings"
)

// Resolution is a decimal WxH video resolution.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// VariantStream represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
type VariantStream struct {
	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth uint64

	// Resolution is nil if not specified in the master playlist
	Resolution *Resolution

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string

	// FrameRate is nil if not specified in the master playlist
	FrameRate *float64

	// URI is the location of the variant's media playlist
	URI string
}

// MimeType returns the container MIME type used to open a playback buffer
// for this variant, judged from one of its segment URIs.
func (v VariantStream) MimeType(segmentURI string) string {
	mime := "video/mp4"

	p := segmentURI
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if strings.EqualFold(path.Ext(p), ".ts") {
		mime = "video/mp2t"
	}

	if v.Codecs != "" {
		mime += fmt.Sprintf("; codecs=%q", v.Codecs)
	}
	return mime
}

// MasterPlaylist is the ordered list of variants in a master playlist.
type MasterPlaylist struct {
	Variants []VariantStream
}
