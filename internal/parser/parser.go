// Package parser provides HLS playlist parsing functionality.
package parser

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/agleyzer/hlsplay/internal/hlserr"
	"github.com/agleyzer/hlsplay/internal/segment"
	"github.com/agleyzer/hlsplay/internal/variant"
	"github.com/grafov/m3u8"
)

const (
	tagStreamInf = "#EXT-X-STREAM-INF:"
	tagInf       = "#EXTINF:"
	tagKey       = "#EXT-X-KEY:"
)

// ParseMaster parses the text of a master playlist.
func ParseMaster(text string) (*variant.MasterPlaylist, error) {
	if err := checkMaster(text); err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return nil, malformed("failed to decode master playlist", err)
	}
	if listType != m3u8.MASTER {
		return nil, malformed("expected master playlist, got media playlist", nil)
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, malformed("unexpected playlist type", nil)
	}

	var variants []variant.VariantStream
	for _, v := range masterPlaylist.Variants {
		if v == nil || v.Iframe {
			continue
		}

		vs := variant.VariantStream{
			Bandwidth: uint64(v.Bandwidth),
			Codecs:    v.Codecs,
			URI:       v.URI,
		}

		if v.Resolution != "" {
			res, err := parseResolution(v.Resolution)
			if err != nil {
				return nil, malformed(fmt.Sprintf("variant %q", v.URI), err)
			}
			vs.Resolution = &res
		}

		if v.FrameRate > 0 {
			frameRate := v.FrameRate
			vs.FrameRate = &frameRate
		}

		variants = append(variants, vs)
	}

	if len(variants) == 0 {
		return nil, malformed("master playlist contains no variants", nil)
	}

	return &variant.MasterPlaylist{Variants: variants}, nil
}

// ParseMedia parses the text of a media playlist. Each segment carries the
// key directive in effect at its position: an EXT-X-KEY applies to every
// following segment until another one replaces it or sets METHOD=NONE.
// Segments under the same directive share one *KeyRef.
func ParseMedia(text string) (*segment.MediaPlaylist, error) {
	infCount, err := checkMedia(text)
	if err != nil {
		return nil, err
	}

	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return nil, malformed("failed to decode media playlist", err)
	}
	if listType != m3u8.MEDIA {
		return nil, malformed("expected media playlist, got master playlist", nil)
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, malformed("unexpected playlist type", nil)
	}

	result := &segment.MediaPlaylist{
		MediaSequence:  mediaPlaylist.SeqNo,
		TargetDuration: float64(mediaPlaylist.TargetDuration),
		Closed:         mediaPlaylist.Closed,
	}

	var current *segment.KeyRef
	for i, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		// The decoder attaches a key only to the first segment after the tag.
		if seg.Key != nil {
			current = keyRef(seg.Key)
		}

		s := segment.Segment{
			URI:      seg.URI,
			Duration: seg.Duration,
			Sequence: mediaPlaylist.SeqNo + uint64(i),
			Title:    seg.Title,
		}
		s.Key = current

		result.Segments = append(result.Segments, s)
	}

	if len(result.Segments) == 0 {
		return nil, malformed("playlist contains no segments", nil)
	}

	if len(result.Segments) != infCount {
		return nil, malformed(fmt.Sprintf("decoded %d segments from %d EXTINF tags", len(result.Segments), infCount), nil)
	}

	return result, nil
}

// IsMaster reports whether text looks like a master playlist.
func IsMaster(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), tagStreamInf) {
			return true
		}
	}
	return false
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	// Resolve the relative URL against the base
	resolved := base.ResolveReference(rel)
	return resolved.String(), nil
}

// keyRef converts a decoded key tag. METHOD=NONE clears the current key.
func keyRef(k *m3u8.Key) *segment.KeyRef {
	method := segment.KeyMethod(strings.ToUpper(k.Method))
	if method == "" || method == segment.MethodNone {
		return nil
	}
	return &segment.KeyRef{
		Method: method,
		URI:    k.URI,
		IV:     k.IV,
	}
}

// checkMaster enforces the structure the decoder tolerates: every
// EXT-X-STREAM-INF has a BANDWIDTH and is followed by a URI line.
func checkMaster(text string) error {
	pending := 0

	for i, line := range lines(text) {
		n := i + 1
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, tagStreamInf):
			if pending != 0 {
				return malformedLine(pending, "EXT-X-STREAM-INF has no URI", nil)
			}

			attrs, err := ParseAttributeList(line[len(tagStreamInf):])
			if err != nil {
				return malformedLine(n, "EXT-X-STREAM-INF", err)
			}

			bw, ok := attrs["BANDWIDTH"]
			if !ok {
				return malformedLine(n, "EXT-X-STREAM-INF is missing BANDWIDTH", nil)
			}
			if _, err := strconv.ParseUint(bw, 10, 64); err != nil {
				return malformedLine(n, "invalid BANDWIDTH", err)
			}

			pending = n
		case strings.HasPrefix(line, "#"):
			continue
		default:
			pending = 0
		}
	}

	if pending != 0 {
		return malformedLine(pending, "EXT-X-STREAM-INF has no URI", nil)
	}
	return nil
}

// checkMedia enforces EXTINF/URI pairing and parsable durations, and
// returns the number of EXTINF tags.
func checkMedia(text string) (int, error) {
	count := 0
	pending := 0

	for i, line := range lines(text) {
		n := i + 1
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, tagInf):
			if pending != 0 {
				return 0, malformedLine(pending, "EXTINF has no URI", nil)
			}
			if _, err := parseDuration(line[len(tagInf):]); err != nil {
				return 0, malformedLine(n, "invalid EXTINF", err)
			}
			pending = n
			count++
		case strings.HasPrefix(line, tagKey):
			if err := checkKey(line[len(tagKey):]); err != nil {
				return 0, malformedLine(n, "invalid EXT-X-KEY", err)
			}
		case strings.HasPrefix(line, "#"):
			continue
		default:
			if pending == 0 {
				return 0, malformedLine(n, "segment URI without EXTINF", nil)
			}
			pending = 0
		}
	}

	if pending != 0 {
		return 0, malformedLine(pending, "EXTINF has no URI", nil)
	}
	return count, nil
}

func checkKey(attrList string) error {
	attrs, err := ParseAttributeList(attrList)
	if err != nil {
		return err
	}

	method, ok := attrs["METHOD"]
	if !ok {
		return fmt.Errorf("missing METHOD")
	}
	if method != string(segment.MethodNone) && attrs["URI"] == "" {
		return fmt.Errorf("METHOD=%s requires URI", method)
	}
	return nil
}

// parseDuration parses the "<duration>,<title>" value of an EXTINF tag.
func parseDuration(value string) (float64, error) {
	sep := strings.IndexByte(value, ',')
	if sep < 0 {
		return 0, fmt.Errorf("missing ',' after duration")
	}

	d, err := strconv.ParseFloat(strings.TrimSpace(value[:sep]), 64)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", value[:sep], err)
	}
	if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("duration %q out of range", value[:sep])
	}
	return d, nil
}

func parseResolution(s string) (variant.Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return variant.Resolution{}, fmt.Errorf("invalid RESOLUTION %q", s)
	}

	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return variant.Resolution{}, fmt.Errorf("invalid RESOLUTION %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return variant.Resolution{}, fmt.Errorf("invalid RESOLUTION %q", s)
	}

	return variant.Resolution{Width: width, Height: height}, nil
}

// lines splits playlist text into trimmed lines.
func lines(text string) []string {
	out := strings.Split(text, "\n")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func malformed(msg string, cause error) error {
	return hlserr.New(hlserr.KindMalformedManifest, "", msg, cause)
}

func malformedLine(line int, msg string, cause error) error {
	return hlserr.New(hlserr.KindMalformedManifest, "", fmt.Sprintf("line %d: %s", line, msg), cause)
}
