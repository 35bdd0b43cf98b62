package tts

import (
	"context"
	"fmt"
)

// StubAdapter is the reference Adapter: it does not synthesize real audio,
// it deterministically names a clip so the run engine's audio.ready / done
// sequencing can be exercised without a live speech-synthesis backend.
type StubAdapter struct{}

func NewStubAdapter() *StubAdapter { return &StubAdapter{} }

func (StubAdapter) Name() string { return "stub" }

func (StubAdapter) Synthesize(ctx context.Context, text string, voice string) (Result, error) {
	if text == "" {
		return Result{}, ErrSynthesisFailed
	}
	if voice == "" {
		voice = "default"
	}
	return Result{
		AudioURL:    fmt.Sprintf("stub://tts/%s/%d", voice, len(text)),
		ContentType: "audio/mpeg",
		DurationMS:  len(text) * 60,
	}, nil
}
