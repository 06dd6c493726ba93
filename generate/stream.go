package generate

import "context"

// Event is one element of a completion stream. A stream carries zero or more
// token events followed by exactly one final event with Done or Err set.
type Event struct {
	Token string
	Count int
	// Text is the full completion, set on the Done event.
	Text string
	Done bool
	Err  error
}

// Stream runs a generation in the background and delivers it as events.
// The channel is closed after the final event. When ctx is cancelled the
// final event carries ctx's error; a consumer that stops reading must
// cancel ctx so the producer can exit.
func Stream(ctx context.Context, b Backend, p Prompt, opts Options) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		send := func(ev Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		text, err := b.GenerateCompletion(ctx, p, opts, func(te TokenEvent) {
			send(Event{Token: te.Token, Count: te.Count})
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			// the buffer usually has room; if not, the consumer is gone
			select {
			case ch <- Event{Err: err}:
			default:
				send(Event{Err: err})
			}
			return
		}
		send(Event{Text: text, Done: true})
	}()
	return ch
}
