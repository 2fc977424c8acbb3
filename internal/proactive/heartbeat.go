// Package proactive runs the placeholder background heartbeat: on a
// fixed interval it emits a proactive event for every live session. It
// carries no task semantics beyond that.
package proactive

import (
	"context"
	"time"

	"github.com/ruster/ruster/internal/eventsink"
	"github.com/ruster/ruster/internal/sessionstore"
	"github.com/ruster/ruster/internal/wire"
)

// Heartbeat periodically publishes a proactive event for every session
// known to Sessions at tick time.
type Heartbeat struct {
	Sessions *sessionstore.Store
	Sink     *eventsink.Sink
	Interval time.Duration
}

// Run blocks, ticking every h.Interval, until ctx is canceled. An
// Interval of zero disables the heartbeat entirely.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	for _, item := range h.Sessions.List() {
		h.Sink.Publish(ctx, wire.Event{Event: "proactive", SessionID: item.SessionID})
	}
}
