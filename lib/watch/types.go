// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package watch keeps OS level filesystem subscriptions in sync with the
// set of replica roots Unison has asked us to monitor.
package watch

import (
	"errors"
	"time"
)

// ErrEventsLost is delivered on the error channel when the backend dropped
// notifications, for example on kernel queue overflow. The paths concerned
// are unknowable, so the consumer must assume everything under its
// subscriptions may have changed.
var ErrEventsLost = errors.New("backend event queue overflowed, events lost")

type EventType int

const (
	Unknown EventType = iota
	Created
	Modified
	Removed
	RenamedFrom
	RenamedTo
)

func (t EventType) String() string {
	switch t {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case RenamedFrom:
		return "renamed-from"
	case RenamedTo:
		return "renamed-to"
	default:
		return "unknown"
	}
}

// Event is one raw notification from the OS facility. Path is absolute. An
// Unknown event means "something under Path changed" and is used when the
// backend lost events (channel overflow).
type Event struct {
	Path string
	Type EventType
	Time time.Time
}

// Handle identifies one live subscription with the OS facility.
type Handle interface {
	Dir() string
}

// EventSource is the boundary to the platform notification API. Any
// implementation satisfying this contract can back the bridge.
type EventSource interface {
	// Subscribe registers interest in the given directory. When Recursive
	// returns true a single subscription covers the whole subtree,
	// otherwise each directory needs its own.
	Subscribe(dir string) (Handle, error)
	Unsubscribe(h Handle) error
	Recursive() bool
	Events() <-chan Event
	Errors() <-chan error
	// Close releases all subscriptions still held by the source.
	Close() error
}
