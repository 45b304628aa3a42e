// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retrystate

// A HandlerGroup is a group of event handler chains which can be
// installed in a State through Config.
//
// A HandlerGroup may be shared by many States. Handlers run
// synchronously on the goroutine that caused the event, outside the
// State's internal lock, so they may call the State's methods other
// than Decide and Close.
type HandlerGroup struct {
	handlers [][]Handler
}

// PushBack adds an event handler to the back of the event handler chain
// for a specific event type.
func (g *HandlerGroup) PushBack(evt Event, h Handler) {
	if h == nil {
		panic("retrystate: nil handler")
	}
	if evt < 0 || evt >= eventSentinel {
		panic("retrystate: invalid event")
	}

	if g.handlers == nil {
		g.handlers = make([][]Handler, numEvents)
	}

	g.handlers[evt] = append(g.handlers[evt], h)
}

func (g *HandlerGroup) run(evt Event, s *State) {
	i := int(evt)
	if i < len(g.handlers) {
		for _, h := range g.handlers[i] {
			h.Handle(evt, s)
		}
	}
}

// A Handler handles the occurrence of an event in a State's lifecycle.
type Handler interface {
	Handle(Event, *State)
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as event handlers.
type HandlerFunc func(Event, *State)

// Handle calls f(evt, s).
func (f HandlerFunc) Handle(evt Event, s *State) {
	f(evt, s)
}
