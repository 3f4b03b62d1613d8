// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package coalescer turns the raw event stream into per replica pending
// change sets: deduplicated, time batched, drained atomically when Unison
// asks for them.
package coalescer

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/unox-go/unox/lib/watch"
)

const (
	// DefaultDelay is the quiescence window: a replica is announced as
	// changed once no new event has arrived for this long.
	DefaultDelay = 50 * time.Millisecond
	// An endlessly busy replica must still be announced eventually. The
	// cap is a multiple of the delay with a floor, in the spirit of the
	// delay/timeout split used by sync tools.
	timeoutMultiplier = 4
	timeoutFloor      = time.Second
)

type Config struct {
	// Delay is the quiescence window. Zero means DefaultDelay.
	Delay time.Duration
	// Timeout caps how long announcement of a continuously modified
	// replica may be postponed. Zero derives it from Delay.
	Timeout time.Duration
}

type Coalescer struct {
	delay    time.Duration
	timeout  time.Duration
	replicas *xsync.MapOf[string, *replicaState]
	triggers chan string
}

// replicaState access is serialized by its own mutex; no lock is shared
// between replicas.
type replicaState struct {
	mut       sync.Mutex
	tree      *pathTree
	timer     *time.Timer
	firstMod  time.Time // first event since the last drain; zero when empty
	announced bool      // sent on triggers and not yet drained
}

func New(cfg Config) *Coalescer {
	delay := cfg.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = timeoutMultiplier * delay
		if timeout < timeoutFloor {
			timeout = timeoutFloor
		}
	}
	return &Coalescer{
		delay:    delay,
		timeout:  timeout,
		replicas: xsync.NewMapOf[string, *replicaState](),
		triggers: make(chan string, 64),
	}
}

// Triggers delivers replica IDs whose pending set has settled (quiescence
// window elapsed, or the timeout cap hit). Each replica is delivered at
// most once until it is drained.
func (c *Coalescer) Triggers() <-chan string {
	return c.triggers
}

// Ingest folds one event into the replica's pending set. Safe for
// concurrent use with Drain on the same replica.
func (c *Coalescer) Ingest(replica, relPath string, typ watch.EventType) {
	st, _ := c.replicas.LoadOrStore(replica, &replicaState{tree: newPathTree()})

	st.mut.Lock()
	defer st.mut.Unlock()

	if st.tree.empty() {
		st.firstMod = time.Now()
	}
	st.tree.add(relPath)
	l.Debugf("coalescer: %s: %s (%v)", replica, relPath, typ)

	fireIn := c.delay
	if remain := time.Until(st.firstMod.Add(c.timeout)); remain < fireIn {
		fireIn = remain
		if fireIn < 0 {
			fireIn = 0
		}
	}
	if st.timer == nil {
		st.timer = time.AfterFunc(fireIn, func() { c.fire(replica) })
	} else {
		st.timer.Reset(fireIn)
	}
}

func (c *Coalescer) fire(replica string) {
	st, ok := c.replicas.Load(replica)
	if !ok {
		return
	}
	st.mut.Lock()
	if st.tree.empty() || st.announced {
		st.mut.Unlock()
		return
	}
	st.announced = true
	st.mut.Unlock()

	c.triggers <- replica
}

// Pending reports whether the replica has undrained changes.
func (c *Coalescer) Pending(replica string) bool {
	st, ok := c.replicas.Load(replica)
	if !ok {
		return false
	}
	st.mut.Lock()
	defer st.mut.Unlock()
	return !st.tree.empty()
}

// Drain atomically removes and returns the pending change set, sorted. The
// set reflects every event ingested strictly before the call; an event
// racing with the drain lands in either this or the next set, never both.
// Draining an empty or unknown replica returns nil.
func (c *Coalescer) Drain(replica string) []string {
	st, ok := c.replicas.Load(replica)
	if !ok {
		return nil
	}
	st.mut.Lock()
	defer st.mut.Unlock()
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.tree.empty() {
		st.announced = false
		return nil
	}
	paths := st.tree.paths()
	st.tree = newPathTree()
	st.firstMod = time.Time{}
	st.announced = false
	l.Debugf("coalescer: %s: drained %d paths", replica, len(paths))
	return paths
}

// Forget discards all state for the replica, as on RESET.
func (c *Coalescer) Forget(replica string) {
	st, ok := c.replicas.LoadAndDelete(replica)
	if !ok {
		return
	}
	st.mut.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.mut.Unlock()
}
