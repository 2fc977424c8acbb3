// Package eventsink fans outbound events out to every connection
// currently subscribed to a session.
package eventsink

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ruster/ruster/internal/wire"
)

// Subscriber receives events for one connection. Within one Publish each
// subscriber gets exactly one Send, from its own goroutine; Publish calls
// made concurrently (for example the heartbeat and an inference loop) can
// call the same Subscriber's Send concurrently, so implementations must
// be safe for concurrent use.
type Subscriber interface {
	Send(wire.Event) error
}

// Sink tracks, per session, the set of connections subscribed to its
// events and fans delivery out to all of them concurrently so one slow
// subscriber cannot stall the rest.
type Sink struct {
	mu   sync.RWMutex
	subs map[wire.SessionID]map[Subscriber]struct{}
}

func New() *Sink {
	return &Sink{subs: map[wire.SessionID]map[Subscriber]struct{}{}}
}

// Subscribe registers sub to receive events for sessionID.
func (s *Sink) Subscribe(sessionID wire.SessionID, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[sessionID]
	if !ok {
		set = map[Subscriber]struct{}{}
		s.subs[sessionID] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub, pruning the session's entry entirely once
// empty.
func (s *Sink) Unsubscribe(sessionID wire.SessionID, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[sessionID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, sessionID)
	}
}

// Publish delivers ev to every subscriber of ev.SessionID concurrently.
// A subscriber whose Send fails is dropped (its connection is assumed
// dead) but does not block delivery to the others.
func (s *Sink) Publish(ctx context.Context, ev wire.Event) {
	sessionID := wire.SessionID(ev.SessionID)

	s.mu.RLock()
	set := s.subs[sessionID]
	targets := make([]Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var failed []Subscriber
	var failedMu sync.Mutex

	eg, _ := errgroup.WithContext(ctx)
	for _, sub := range targets {
		sub := sub
		eg.Go(func() error {
			if err := sub.Send(ev); err != nil {
				failedMu.Lock()
				failed = append(failed, sub)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	set = s.subs[sessionID]
	for _, sub := range failed {
		delete(set, sub)
	}
	if len(set) == 0 {
		delete(s.subs, sessionID)
	}
	s.mu.Unlock()
}
