// Package tts defines the pluggable text-to-speech contract the run engine
// calls for the optional audio stage. Adapter internals (the concrete
// speech-synthesis backend) are out of scope; this package fixes the
// interface and provides one local reference implementation.
package tts

import (
	"context"
	"errors"
)

// ErrSynthesisFailed maps to the TTS_ERROR error taxonomy entry.
var ErrSynthesisFailed = errors.New("TTS_ERROR: speech synthesis failed")

// Result is a synthesized audio clip.
type Result struct {
	AudioURL    string
	ContentType string
	DurationMS  int
}

// Adapter synthesizes speech from finalized chat text.
type Adapter interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice string) (Result, error)
}
