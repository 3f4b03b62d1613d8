// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"errors"
	"slices"
	"sync"
	"time"
)

// FakeSource is an EventSource for tests: events are injected by the test
// and subscriptions are only recorded, never handed to any OS facility.
type FakeSource struct {
	recursive bool
	events    chan Event
	errs      chan error
	mut       sync.Mutex
	subs      map[string]int
	failures  map[string]error
	closed    bool
}

type fakeHandle struct {
	dir string
}

func (h fakeHandle) Dir() string { return h.dir }

func NewFakeSource(recursive bool) *FakeSource {
	return &FakeSource{
		recursive: recursive,
		events:    make(chan Event, backendBuffer),
		errs:      make(chan error, 1),
		subs:      make(map[string]int),
		failures:  make(map[string]error),
	}
}

func (s *FakeSource) Recursive() bool      { return s.recursive }
func (s *FakeSource) Events() <-chan Event { return s.events }
func (s *FakeSource) Errors() <-chan error { return s.errs }

func (s *FakeSource) Subscribe(dir string) (Handle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if err, ok := s.failures[dir]; ok {
		return nil, err
	}
	s.subs[dir]++
	return fakeHandle{dir: dir}, nil
}

func (s *FakeSource) Unsubscribe(h Handle) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.subs[h.Dir()] == 0 {
		return errors.New("unsubscribe without subscription: " + h.Dir())
	}
	s.subs[h.Dir()]--
	if s.subs[h.Dir()] == 0 {
		delete(s.subs, h.Dir())
	}
	return nil
}

func (s *FakeSource) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.closed = true
	s.subs = make(map[string]int)
	return nil
}

// Emit injects an event as if the OS had reported it.
func (s *FakeSource) Emit(path string, typ EventType) {
	s.events <- Event{Path: path, Type: typ, Time: time.Now()}
}

// EmitError injects a backend error.
func (s *FakeSource) EmitError(err error) {
	s.errs <- err
}

// FailSubscribe makes future Subscribe calls for dir return err.
func (s *FakeSource) FailSubscribe(dir string, err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.failures[dir] = err
}

// SubscribedDirs returns the sorted set of directories with at least one
// live subscription.
func (s *FakeSource) SubscribedDirs() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	dirs := make([]string, 0, len(s.subs))
	for dir := range s.subs {
		dirs = append(dirs, dir)
	}
	slices.Sort(dirs)
	return dirs
}

// SubscriptionCount returns the number of live subscriptions for dir,
// which should never exceed one.
func (s *FakeSource) SubscriptionCount(dir string) int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.subs[dir]
}

// Closed reports whether Close has been called.
func (s *FakeSource) Closed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.closed
}
