// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/syncthing/notify"
)

// Notify does not block on sending to channel, so the channel must be
// buffered. The actual number is magic.
// Not meant to be changed, but must be changeable for tests
var backendBuffer = 500

type notifySource struct {
	events chan Event
	errs   chan error
	mut    sync.Mutex
	subs   map[*notifyHandle]struct{}
	closed bool
	done   chan struct{}
}

type notifyHandle struct {
	dir     string
	backend chan notify.EventInfo
	done    chan struct{}
}

func (h *notifyHandle) Dir() string { return h.dir }

// NewNotifySource returns an EventSource backed by github.com/syncthing/notify.
// Subscriptions are recursive: one per replica root is enough.
func NewNotifySource() EventSource {
	return &notifySource{
		events: make(chan Event, backendBuffer),
		errs:   make(chan error, 1),
		subs:   make(map[*notifyHandle]struct{}),
		done:   make(chan struct{}),
	}
}

func (s *notifySource) Recursive() bool      { return true }
func (s *notifySource) Events() <-chan Event { return s.events }
func (s *notifySource) Errors() <-chan error { return s.errs }

func (s *notifySource) Subscribe(dir string) (Handle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil, errors.New("event source is closed")
	}

	backend := make(chan notify.EventInfo, backendBuffer)
	if err := notify.Watch(filepath.Join(dir, "..."), backend, notify.All); err != nil {
		notify.Stop(backend)
		return nil, err
	}

	h := &notifyHandle{
		dir:     dir,
		backend: backend,
		done:    make(chan struct{}),
	}
	s.subs[h] = struct{}{}
	go s.pump(h)
	return h, nil
}

func (s *notifySource) Unsubscribe(h Handle) error {
	nh, ok := h.(*notifyHandle)
	if !ok {
		return errors.New("handle does not belong to this source")
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, live := s.subs[nh]; !live {
		return nil
	}
	delete(s.subs, nh)
	notify.Stop(nh.backend)
	close(nh.done)
	return nil
}

func (s *notifySource) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for h := range s.subs {
		notify.Stop(h.backend)
		close(h.done)
	}
	s.subs = make(map[*notifyHandle]struct{})
	close(s.done)
	return nil
}

func (s *notifySource) pump(h *notifyHandle) {
	for {
		// Detect backend channel overflow. Events have been lost, so
		// report the whole subscription as changed.
		if len(h.backend) == backendBuffer {
		outer:
			for {
				select {
				case <-h.backend:
				default:
					break outer
				}
			}
			s.deliver(h, Event{Path: h.dir, Type: Unknown, Time: time.Now()})
			l.Debugln("notify: event overflow for", h.dir)
		}

		select {
		case ev := <-h.backend:
			s.deliver(h, Event{Path: ev.Path(), Type: notifyEventType(ev.Event()), Time: time.Now()})
		case <-h.done:
			return
		case <-s.done:
			return
		}
	}
}

func (s *notifySource) deliver(h *notifyHandle, ev Event) {
	select {
	case s.events <- ev:
	case <-h.done:
	case <-s.done:
	}
}

func notifyEventType(ev notify.Event) EventType {
	switch {
	case ev&notify.Create != 0:
		return Created
	case ev&notify.Write != 0:
		return Modified
	case ev&notify.Remove != 0:
		return Removed
	case ev&notify.Rename != 0:
		// Both halves of a rename arrive as separate Rename events; we
		// cannot tell old from new, which is fine as each is simply a
		// changed path.
		return RenamedFrom
	default:
		return Unknown
	}
}
