package stream

import (
	"fmt"
	"time"
)

// Options configures a playback session.
type Options struct {
	// PrefetchDepth is how many segments past the last appended one may be
	// fetched and decrypted ahead. Defaults to 2.
	PrefetchDepth int

	// MaxRetries bounds retries of transient segment fetch errors.
	// Zero selects the default of 2; negative disables retries.
	MaxRetries int

	// RetryDelay is the linear backoff step: retry n waits n*RetryDelay.
	// Defaults to 500ms.
	RetryDelay time.Duration

	// VariantIndex selects the variant of the master playlist to play.
	VariantIndex int

	// StartOffset is the playback position to begin at. Fetching starts at
	// the segment containing it.
	StartOffset time.Duration
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.PrefetchDepth < 0 {
		return fmt.Errorf("prefetch depth must not be negative, got %d", o.PrefetchDepth)
	}
	if o.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", o.RetryDelay)
	}
	if o.VariantIndex < 0 {
		return fmt.Errorf("variant index must not be negative, got %d", o.VariantIndex)
	}
	if o.StartOffset < 0 {
		return fmt.Errorf("start offset must not be negative, got %s", o.StartOffset)
	}

	o.withDefaults()
	return nil
}

// withDefaults fills in zero fields.
func (o *Options) withDefaults() {
	if o.PrefetchDepth == 0 {
		o.PrefetchDepth = 2
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
}

func (o Options) retries() int {
	return max(o.MaxRetries, 0)
}
