// Package keystore fetches and caches AES-128 keys referenced by media playlists.
package keystore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/agleyzer/hlsplay/internal/decrypt"
	"github.com/agleyzer/hlsplay/internal/fetch"
	"github.com/agleyzer/hlsplay/internal/hlserr"
	"github.com/agleyzer/hlsplay/internal/metrics"
	"github.com/agleyzer/hlsplay/internal/segment"
	"golang.org/x/sync/singleflight"
)

// ResolvedKey is the key material for one segment.
type ResolvedKey struct {
	URI string
	Key [decrypt.KeySize]byte
	IV  [decrypt.KeySize]byte
}

// KeyStore resolves key directives to key material. Each key URI is fetched
// at most once; concurrent resolvers of the same URI share one fetch.
type KeyStore struct {
	fetcher fetch.Fetcher
	logger  *slog.Logger
	group   singleflight.Group

	// ctx scopes shared fetches so that one caller giving up does not fail
	// the others waiting on the same flight
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	keys map[string][decrypt.KeySize]byte
}

// New creates a key store.
func New(fetcher fetch.Fetcher, logger *slog.Logger) *KeyStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyStore{
		fetcher: fetcher,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		keys:    make(map[string][decrypt.KeySize]byte),
	}
}

// Resolve returns the key and IV for the segment with the given sequence
// number. The IV comes from the directive when present and is otherwise
// the big-endian sequence number.
func (s *KeyStore) Resolve(ctx context.Context, ref *segment.KeyRef, sequence uint64) (*ResolvedKey, error) {
	if !ref.Encrypted() {
		return nil, hlserr.New(hlserr.KindInvalidKeyMaterial, "", "segment is not encrypted", nil)
	}
	if ref.Method != segment.MethodAES128 {
		return nil, hlserr.New(hlserr.KindInvalidKeyMaterial, ref.URI, fmt.Sprintf("unsupported key method %q", ref.Method), nil)
	}

	var iv [decrypt.KeySize]byte
	if ref.IV != "" {
		parsed, err := ParseIV(ref.IV)
		if err != nil {
			return nil, err
		}
		iv = parsed
	} else {
		iv = DeriveIV(sequence)
	}

	key, err := s.key(ctx, ref.URI)
	if err != nil {
		return nil, err
	}

	return &ResolvedKey{URI: ref.URI, Key: key, IV: iv}, nil
}

// Len returns the number of cached keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Purge cancels outstanding fetches and forgets all cached keys. The store
// cannot resolve keys afterwards.
func (s *KeyStore) Purge() {
	s.cancel()

	s.mu.Lock()
	clear(s.keys)
	s.mu.Unlock()
}

func (s *KeyStore) key(ctx context.Context, uri string) ([decrypt.KeySize]byte, error) {
	if key, ok := s.cached(uri); ok {
		metrics.KeyLookups.WithLabelValues("hit").Inc()
		return key, nil
	}

	if err := s.ctx.Err(); err != nil {
		return [decrypt.KeySize]byte{}, hlserr.New(hlserr.KindKeyFetch, uri, "key store purged", err)
	}

	ch := s.group.DoChan(uri, func() (interface{}, error) {
		// A flight that finished between the lookup above and DoChan has
		// already filled the cache.
		if key, ok := s.cached(uri); ok {
			return key, nil
		}

		metrics.KeyLookups.WithLabelValues("miss").Inc()

		body, err := s.fetcher.FetchBinary(s.ctx, uri)
		if err != nil {
			return nil, hlserr.New(hlserr.KindKeyFetch, uri, "key fetch failed", err)
		}
		if len(body) != decrypt.KeySize {
			return nil, hlserr.New(hlserr.KindKeyFetch, uri, fmt.Sprintf("key is %d bytes, want %d", len(body), decrypt.KeySize), nil)
		}

		var key [decrypt.KeySize]byte
		copy(key[:], body)

		s.mu.Lock()
		if s.ctx.Err() == nil {
			s.keys[uri] = key
		}
		s.mu.Unlock()

		s.logger.Debug("fetched key", "uri", uri)
		return key, nil
	})

	select {
	case <-ctx.Done():
		return [decrypt.KeySize]byte{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			metrics.KeyLookups.WithLabelValues("error").Inc()
			return [decrypt.KeySize]byte{}, res.Err
		}
		return res.Val.([decrypt.KeySize]byte), nil
	}
}

func (s *KeyStore) cached(uri string) ([decrypt.KeySize]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[uri]
	return key, ok
}

// ParseIV decodes an EXT-X-KEY IV attribute: 32 hex digits with an optional
// 0x or 0X prefix.
func ParseIV(s string) ([decrypt.KeySize]byte, error) {
	var iv [decrypt.KeySize]byte

	digits := s
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		digits = digits[2:]
	}

	if len(digits)%2 != 0 {
		return iv, hlserr.New(hlserr.KindInvalidKeyMaterial, "", fmt.Sprintf("IV %q has odd length", s), nil)
	}

	raw, err := hex.DecodeString(digits)
	if err != nil {
		return iv, hlserr.New(hlserr.KindInvalidKeyMaterial, "", fmt.Sprintf("IV %q is not hex", s), err)
	}
	if len(raw) != decrypt.KeySize {
		return iv, hlserr.New(hlserr.KindInvalidKeyMaterial, "", fmt.Sprintf("IV %q is %d bytes, want %d", s, len(raw), decrypt.KeySize), nil)
	}

	copy(iv[:], raw)
	return iv, nil
}

// DeriveIV returns the IV for a segment without an explicit IV: the media
// sequence number as a 128-bit big-endian integer.
func DeriveIV(sequence uint64) [decrypt.KeySize]byte {
	var iv [decrypt.KeySize]byte
	binary.BigEndian.PutUint64(iv[8:], sequence)
	return iv
}
