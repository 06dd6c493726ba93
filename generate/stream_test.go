package generate

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeBackend struct {
	tokens []string
	delay  time.Duration
	err    error
}

func (f *fakeBackend) IsModelLoaded() bool { return true }

func (f *fakeBackend) LoadModel(context.Context, string, LoadOptions) error { return nil }

func (f *fakeBackend) GenerateCompletion(ctx context.Context, _ Prompt, _ Options, onToken func(TokenEvent)) (string, error) {
	text := ""
	for i, tok := range f.tokens {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		text += tok
		if onToken != nil {
			onToken(TokenEvent{Token: tok, Count: i + 1})
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return text, nil
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestStreamDelivery(t *testing.T) {
	b := &fakeBackend{tokens: []string{"foo", "(", ")"}}
	events := collect(Stream(context.Background(), b, Prompt{}, Options{}))

	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	for i := 0; i < 3; i++ {
		if events[i].Token != b.tokens[i] || events[i].Count != i+1 || events[i].Done {
			t.Errorf("event %d = %+v", i, events[i])
		}
	}
	last := events[3]
	if !last.Done || last.Text != "foo()" || last.Err != nil {
		t.Errorf("final event = %+v", last)
	}
}

func TestStreamError(t *testing.T) {
	boom := errors.New("boom")
	events := collect(Stream(context.Background(), &fakeBackend{tokens: []string{"a"}, err: boom}, Prompt{}, Options{}))

	last := events[len(events)-1]
	if !errors.Is(last.Err, boom) || last.Done {
		t.Errorf("final event = %+v, want error", last)
	}
}

func TestStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &fakeBackend{tokens: []string{"a", "b", "c", "d"}, delay: 50 * time.Millisecond}
	ch := Stream(ctx, b, Prompt{}, Options{})

	first := <-ch
	if first.Token != "a" {
		t.Fatalf("first event = %+v", first)
	}
	cancel()

	var last Event
	for ev := range ch {
		last = ev
	}
	if last.Done {
		t.Error("cancelled stream should not finish with Done")
	}
	if !errors.Is(last.Err, context.Canceled) {
		t.Errorf("final event = %+v, want context.Canceled", last)
	}
}

func TestStreamAbandonedConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tokens := make([]string, 64)
	for i := range tokens {
		tokens[i] = "x"
	}
	ch := Stream(ctx, &fakeBackend{tokens: tokens}, Prompt{}, Options{})
	<-ch
	cancel()

	// the producer must exit and close the channel even though nobody reads
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed after cancellation")
		}
	}
}

func TestOptionsMerge(t *testing.T) {
	d := Options{MaxTokens: 128, Temperature: 0.3, Stop: []string{"x"}}
	got := Options{MaxTokens: 16}.merge(d)
	if got.MaxTokens != 16 || got.Temperature != 0.3 || len(got.Stop) != 1 {
		t.Errorf("merge = %+v", got)
	}
}
