// Package hlserr defines the error taxonomy of the HLS playback pipeline.
package hlserr

import "errors"

// Kind classifies a pipeline error.
type Kind string

const (
	KindMalformedManifest  Kind = "MALFORMED_MANIFEST"
	KindKeyFetch           Kind = "KEY_FETCH_FAILED"
	KindInvalidKeyMaterial Kind = "INVALID_KEY_MATERIAL"
	KindDecryption         Kind = "DECRYPTION_FAILED"
	KindSegmentFetch       Kind = "SEGMENT_FETCH_FAILED"
	KindUnknown            Kind = "UNKNOWN"
)

// Sentinels for errors.Is. Every *Error with the same Kind matches.
var (
	ErrMalformedManifest  = &Error{Kind: KindMalformedManifest, Message: "malformed manifest"}
	ErrKeyFetch           = &Error{Kind: KindKeyFetch, Message: "key fetch failed"}
	ErrInvalidKeyMaterial = &Error{Kind: KindInvalidKeyMaterial, Message: "invalid key material"}
	ErrDecryption         = &Error{Kind: KindDecryption, Message: "decryption failed"}
	ErrSegmentFetch       = &Error{Kind: KindSegmentFetch, Message: "segment fetch failed"}
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates a classified error.
func New(kind Kind, url, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		URL:     url,
		Message: message,
		Cause:   cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
