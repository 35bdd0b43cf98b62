package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeAdapter struct {
	name   string
	events []Event
	err    error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, <-chan error) {
	events := make(chan Event, len(f.events))
	errs := make(chan error, 1)
	for _, ev := range f.events {
		events <- ev
	}
	close(events)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return events, errs
}

func drain(t *testing.T, events <-chan Event, errs <-chan error) ([]Event, error) {
	t.Helper()
	var got []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
			} else {
				got = append(got, ev)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				return got, err
			}
		}
		if events == nil && errs == nil {
			return got, nil
		}
	}
}

func TestService_StreamChatForwardsEvents(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", events: []Event{
		{Kind: EventTokenDelta, Delta: "hel"},
		{Kind: EventTokenDelta, Delta: "lo"},
		{Kind: EventDone, Final: "hello"},
	}}
	svc := NewService(adapter, time.Second, 30)

	events, errs := svc.StreamChat(context.Background(), ChatRequest{Message: "hi"})
	got, err := drain(t, events, errs)
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if len(got) != 3 || got[2].Final != "hello" {
		t.Fatalf("events = %+v", got)
	}
}

func TestService_StreamChatPropagatesAdapterError(t *testing.T) {
	boom := errors.New("provider down")
	adapter := &fakeAdapter{name: "fake", err: boom}
	svc := NewService(adapter, time.Second, 30)

	_, errs := svc.StreamChat(context.Background(), ChatRequest{Message: "hi"})
	err := <-errs
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapping %v", err, boom)
	}
}
