package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    Options
		wantErr bool
	}{
		{
			name: "defaults",
			opts: Options{},
			want: Options{PrefetchDepth: 2, MaxRetries: 2, RetryDelay: 500 * time.Millisecond},
		},
		{
			name: "explicit values kept",
			opts: Options{PrefetchDepth: 5, MaxRetries: 1, RetryDelay: time.Second, VariantIndex: 2},
			want: Options{PrefetchDepth: 5, MaxRetries: 1, RetryDelay: time.Second, VariantIndex: 2},
		},
		{
			name: "start offset kept",
			opts: Options{StartOffset: 30 * time.Second},
			want: Options{PrefetchDepth: 2, MaxRetries: 2, RetryDelay: 500 * time.Millisecond, StartOffset: 30 * time.Second},
		},
		{
			name: "retries disabled",
			opts: Options{MaxRetries: -1},
			want: Options{PrefetchDepth: 2, MaxRetries: -1, RetryDelay: 500 * time.Millisecond},
		},
		{name: "negative depth", opts: Options{PrefetchDepth: -1}, wantErr: true},
		{name: "negative delay", opts: Options{RetryDelay: -time.Second}, wantErr: true},
		{name: "negative variant", opts: Options{VariantIndex: -1}, wantErr: true},
		{name: "negative start offset", opts: Options{StartOffset: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.opts)
		})
	}

	assert.Equal(t, 0, Options{MaxRetries: -1}.retries())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateLoadingMaster, true},
		{StateLoadingMaster, StateLoadingMedia, true},
		{StateLoadingMedia, StateStreaming, true},
		{StateStreaming, StateEnded, true},
		{StateIdle, StateStreaming, false},
		{StateLoadingMaster, StateEnded, false},
		{StateLoadingMedia, StateFailed, true},
		{StateStreaming, StateDisposed, true},
		{StateEnded, StateDisposed, false},
		{StateFailed, StateFailed, false},
		{StateDisposed, StateLoadingMaster, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "LOADING_MASTER", StateLoadingMaster.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.True(t, StateDisposed.Terminal())
	assert.False(t, StateStreaming.Terminal())
}
