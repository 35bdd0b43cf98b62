package tts

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	result Result
	err    error
}

func (fakeAdapter) Name() string { return "fake" }

func (f fakeAdapter) Synthesize(ctx context.Context, text, voice string) (Result, error) {
	return f.result, f.err
}

func TestService_SynthesizeReturnsAdapterResult(t *testing.T) {
	adapter := fakeAdapter{result: Result{AudioURL: "clip://1", ContentType: "audio/mpeg", DurationMS: 100}}
	svc := NewService(adapter, time.Second, 30)

	got, err := svc.Synthesize(context.Background(), "hello", "default")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.AudioURL != "clip://1" {
		t.Errorf("AudioURL = %q", got.AudioURL)
	}
}

func TestService_SynthesizeWrapsAdapterError(t *testing.T) {
	adapter := fakeAdapter{err: errors.New("backend down")}
	svc := NewService(adapter, time.Second, 30)

	_, err := svc.Synthesize(context.Background(), "hello", "default")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("Synthesize() error = %v, want ErrSynthesisFailed", err)
	}
}

func TestStubAdapter_SynthesizeFailsOnEmptyText(t *testing.T) {
	a := NewStubAdapter()
	if _, err := a.Synthesize(context.Background(), "", "default"); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("Synthesize(\"\") error = %v, want ErrSynthesisFailed", err)
	}
}

func TestStubAdapter_SynthesizeDefaultsVoice(t *testing.T) {
	a := NewStubAdapter()
	got, err := a.Synthesize(context.Background(), "hello there", "")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if got.AudioURL != "stub://tts/default/11" {
		t.Errorf("AudioURL = %q, want %q", got.AudioURL, "stub://tts/default/11")
	}
}
