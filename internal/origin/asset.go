// Package origin packages media into AES-128 encrypted HLS renditions and
// serves them over HTTP. It is the counterpart the player is tested against.
package origin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/hlsplay/internal/decrypt"
	"github.com/agleyzer/hlsplay/internal/keystore"
)

// PackageOptions controls how a payload is cut and encrypted.
type PackageOptions struct {
	// Segments is the number of segments to cut the payload into
	Segments int

	// SegmentDuration is the declared duration of every segment in seconds
	SegmentDuration float64

	// MediaSequence is the sequence number of the first segment
	MediaSequence uint64

	// KeyRotation starts a new key every KeyRotation segments; zero uses
	// one key for the whole rendition
	KeyRotation int

	// ExplicitIV writes a random IV into every key directive instead of
	// relying on the sequence-derived IV
	ExplicitIV bool

	// Clear disables encryption
	Clear bool

	// Variant attributes advertised in the master playlist
	Bandwidth  uint32
	Codecs     string
	Resolution string
}

// AssetSegment is one packaged segment.
type AssetSegment struct {
	Sequence   uint64
	Duration   float64
	Plaintext  []byte
	Ciphertext []byte

	// KeyID indexes Asset.Keys; -1 when the segment is clear
	KeyID int
	IV    [decrypt.KeySize]byte
}

// Asset is a packaged single-variant VOD rendition.
type Asset struct {
	Segments []AssetSegment
	Keys     [][decrypt.KeySize]byte

	opts PackageOptions
	ivs  map[int][decrypt.KeySize]byte
}

// Package cuts data into opts.Segments segments of near-equal size and
// encrypts them.
func Package(data []byte, opts PackageOptions) (*Asset, error) {
	if opts.Segments <= 0 {
		return nil, fmt.Errorf("segment count must be positive")
	}
	if len(data) < opts.Segments {
		return nil, fmt.Errorf("payload of %d bytes cannot fill %d segments", len(data), opts.Segments)
	}
	if opts.KeyRotation < 0 {
		return nil, fmt.Errorf("key rotation must not be negative")
	}
	if opts.SegmentDuration == 0 {
		opts.SegmentDuration = 2
	}
	if opts.SegmentDuration < 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}
	if opts.Bandwidth == 0 {
		opts.Bandwidth = 1280000
	}

	rotation := opts.KeyRotation
	if rotation == 0 {
		rotation = opts.Segments
	}

	a := &Asset{opts: opts, ivs: make(map[int][decrypt.KeySize]byte)}
	size := len(data) / opts.Segments

	for i := 0; i < opts.Segments; i++ {
		start := i * size
		end := start + size
		if i == opts.Segments-1 {
			end = len(data)
		}

		seg := AssetSegment{
			Sequence:  opts.MediaSequence + uint64(i),
			Duration:  opts.SegmentDuration,
			Plaintext: data[start:end],
			KeyID:     -1,
		}

		if !opts.Clear {
			if i%rotation == 0 {
				if err := a.addKey(); err != nil {
					return nil, err
				}
			}
			seg.KeyID = len(a.Keys) - 1
			seg.IV = a.segmentIV(seg.KeyID, seg.Sequence)

			cipher, err := decrypt.Encrypt(seg.Plaintext, a.Keys[seg.KeyID], seg.IV)
			if err != nil {
				return nil, fmt.Errorf("encrypt segment %d: %w", seg.Sequence, err)
			}
			seg.Ciphertext = cipher
		} else {
			seg.Ciphertext = seg.Plaintext
		}

		a.Segments = append(a.Segments, seg)
	}

	return a, nil
}

func (a *Asset) addKey() error {
	var key [decrypt.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	a.Keys = append(a.Keys, key)

	if a.opts.ExplicitIV {
		var iv [decrypt.KeySize]byte
		if _, err := rand.Read(iv[:]); err != nil {
			return fmt.Errorf("generate IV: %w", err)
		}
		a.ivs[len(a.Keys)-1] = iv
	}
	return nil
}

// segmentIV returns the IV a player must use for the segment.
func (a *Asset) segmentIV(keyID int, sequence uint64) [decrypt.KeySize]byte {
	if iv, ok := a.ivs[keyID]; ok {
		return iv
	}
	return keystore.DeriveIV(sequence)
}

// ivAttr returns the IV attribute for a key directive, empty when the IV
// is derived from the sequence number.
func (a *Asset) ivAttr(keyID int) string {
	iv, ok := a.ivs[keyID]
	if !ok {
		return ""
	}
	return "0x" + hex.EncodeToString(iv[:])
}

// Payload returns the concatenated plaintext of all segments.
func (a *Asset) Payload() []byte {
	var out []byte
	for _, seg := range a.Segments {
		out = append(out, seg.Plaintext...)
	}
	return out
}

// Segment returns the segment with the given sequence number.
func (a *Asset) Segment(sequence uint64) (AssetSegment, bool) {
	if sequence < a.opts.MediaSequence {
		return AssetSegment{}, false
	}
	i := sequence - a.opts.MediaSequence
	if i >= uint64(len(a.Segments)) {
		return AssetSegment{}, false
	}
	return a.Segments[i], true
}

// Key returns the key with the given id.
func (a *Asset) Key(id int) ([decrypt.KeySize]byte, bool) {
	if id < 0 || id >= len(a.Keys) {
		return [decrypt.KeySize]byte{}, false
	}
	return a.Keys[id], true
}

// MediaPlaylist encodes the rendition as a closed media playlist with
// segment and key URIs relative to the playlist.
func (a *Asset) MediaPlaylist() (string, error) {
	p, err := a.mediaPlaylist()
	if err != nil {
		return "", err
	}
	return p.Encode().String(), nil
}

func (a *Asset) mediaPlaylist() (*m3u8.MediaPlaylist, error) {
	p, err := m3u8.NewMediaPlaylist(0, uint(len(a.Segments)))
	if err != nil {
		return nil, fmt.Errorf("create media playlist: %w", err)
	}
	p.SeqNo = a.opts.MediaSequence

	lastKey := -1
	for _, seg := range a.Segments {
		if err := p.Append(segmentPath(seg.Sequence), seg.Duration, ""); err != nil {
			return nil, fmt.Errorf("append segment %d: %w", seg.Sequence, err)
		}
		if seg.KeyID >= 0 && seg.KeyID != lastKey {
			err := p.SetKey(keyMethod, keyPath(seg.KeyID), a.ivAttr(seg.KeyID), "", "")
			if err != nil {
				return nil, fmt.Errorf("set key for segment %d: %w", seg.Sequence, err)
			}
			lastKey = seg.KeyID
		}
	}
	p.Close()

	return p, nil
}

// MasterPlaylist encodes a master playlist with the rendition as its only
// variant.
func (a *Asset) MasterPlaylist() (string, error) {
	media, err := a.mediaPlaylist()
	if err != nil {
		return "", err
	}

	m := m3u8.NewMasterPlaylist()
	m.Append(mediaPath, media, m3u8.VariantParams{
		Bandwidth:  a.opts.Bandwidth,
		Codecs:     a.opts.Codecs,
		Resolution: a.opts.Resolution,
	})
	return m.Encode().String(), nil
}

const (
	keyMethod  = "AES-128"
	mediaPath  = "media.m3u8"
	masterPath = "master.m3u8"
)

func segmentPath(sequence uint64) string {
	return fmt.Sprintf("segments/%d.ts", sequence)
}

func keyPath(id int) string {
	return fmt.Sprintf("keys/%d.key", id)
}
