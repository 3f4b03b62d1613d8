// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fsnotifySource struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errs    chan error
	done    chan struct{}
	mut     sync.Mutex
	dirs    map[string]struct{}
	closed  bool
}

type fsnotifyHandle struct {
	dir string
}

func (h fsnotifyHandle) Dir() string { return h.dir }

// NewFsnotifySource returns an EventSource backed by
// github.com/fsnotify/fsnotify. Subscriptions are per directory and not
// recursive, so the registry tracks every subdirectory individually.
func NewFsnotifySource() (EventSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &fsnotifySource{
		watcher: watcher,
		events:  make(chan Event, backendBuffer),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		dirs:    make(map[string]struct{}),
	}
	go s.run()
	return s, nil
}

func (s *fsnotifySource) Recursive() bool      { return false }
func (s *fsnotifySource) Events() <-chan Event { return s.events }
func (s *fsnotifySource) Errors() <-chan error { return s.errs }

func (s *fsnotifySource) Subscribe(dir string) (Handle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil, errors.New("event source is closed")
	}
	if _, ok := s.dirs[dir]; ok {
		return fsnotifyHandle{dir: dir}, nil
	}
	if err := s.watcher.Add(dir); err != nil {
		return nil, err
	}
	s.dirs[dir] = struct{}{}
	return fsnotifyHandle{dir: dir}, nil
}

func (s *fsnotifySource) Unsubscribe(h Handle) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.dirs[h.Dir()]; !ok {
		return nil
	}
	delete(s.dirs, h.Dir())
	if err := s.watcher.Remove(h.Dir()); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		// The kernel drops watches on deleted directories by itself;
		// anything else is worth hearing about.
		return err
	}
	return nil
}

func (s *fsnotifySource) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dirs = make(map[string]struct{})
	close(s.done)
	return s.watcher.Close()
}

func (s *fsnotifySource) run() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			out := Event{Path: ev.Name, Type: fsnotifyEventType(ev.Op), Time: time.Now()}
			select {
			case s.events <- out:
			case <-s.done:
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// The kernel queue overflowed and notifications are gone
				// for good. This error carries the loss and may not be
				// dropped.
				select {
				case s.errs <- fmt.Errorf("%w: %v", ErrEventsLost, err):
				case <-s.done:
					return
				}
			} else {
				select {
				case s.errs <- err:
				default:
					l.Debugln("fsnotify: dropping error:", err)
				}
			}
		case <-s.done:
			return
		}
	}
}

func fsnotifyEventType(op fsnotify.Op) EventType {
	switch {
	case op.Has(fsnotify.Create):
		return Created
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return Modified
	case op.Has(fsnotify.Remove):
		return Removed
	case op.Has(fsnotify.Rename):
		// fsnotify reports the old path as Rename and the new one as
		// Create, giving us the delete+create pair Unison wants.
		return RenamedFrom
	default:
		return Unknown
	}
}
