package commands

import (
	"context"
	"fmt"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
)

// waiter buffers app events for a command that blocks on them
type waiter struct {
	events chan app.Event
	cancel func()
}

func subscribe(a *app.App) *waiter {
	w := &waiter{events: make(chan app.Event, 64)}
	w.cancel = a.Subscribe(func(ev app.Event) {
		select {
		case w.events <- ev:
		default:
		}
	})
	return w
}

func (w *waiter) close() {
	w.cancel()
}

// discovery returns the next discovery event accepted by match
func (w *waiter) discovery(ctx context.Context, match func(discovery.Event) bool) (discovery.Event, error) {
	for {
		select {
		case ev := <-w.events:
			if ev.Discovery != nil && match(*ev.Discovery) {
				return *ev.Discovery, nil
			}
		case <-ctx.Done():
			return discovery.Event{}, fmt.Errorf("gave up waiting: %w", ctx.Err())
		}
	}
}

// drain hands already buffered print events to fn
func (w *waiter) drain(fn func(dispatch.Event)) {
	for {
		select {
		case ev := <-w.events:
			if ev.Print != nil {
				fn(*ev.Print)
			}
		default:
			return
		}
	}
}

func isType(types ...discovery.EventType) func(discovery.Event) bool {
	return func(ev discovery.Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}
