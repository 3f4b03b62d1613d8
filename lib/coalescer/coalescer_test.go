// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package coalescer

import (
	"fmt"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/unox-go/unox/lib/watch"
)

const rep = "0123abcd"

func TestDrainBasicScenario(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "a.txt", watch.Created)
	c.Ingest(rep, "sub/b.txt", watch.Created)

	expected := []string{"a.txt", "sub/b.txt"}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestDrainCollapsesUnderDirectoryEvent(t *testing.T) {
	// An event for the directory itself covers later events below it;
	// RECURSIVE sub already implies sub/b.txt.
	c := New(Config{})
	c.Ingest(rep, "a.txt", watch.Created)
	c.Ingest(rep, "sub", watch.Created)
	c.Ingest(rep, "sub/b.txt", watch.Created)

	expected := []string{"a.txt", "sub"}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestDrainIdempotentWhenEmpty(t *testing.T) {
	c := New(Config{})
	for i := 0; i < 3; i++ {
		if paths := c.Drain(rep); paths != nil {
			t.Errorf("drain %d returned %v, expected nil", i, paths)
		}
	}
	c.Ingest(rep, "a.txt", watch.Modified)
	if paths := c.Drain(rep); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
	if paths := c.Drain(rep); paths != nil {
		t.Errorf("second drain returned %v, expected nil", paths)
	}
}

func TestRenameReportsBothPaths(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "x", watch.RenamedFrom)
	c.Ingest(rep, "y", watch.RenamedTo)

	expected := []string{"x", "y"}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestRapidWritesCollapse(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "f.txt", watch.Modified)
	c.Ingest(rep, "f.txt", watch.Modified)
	c.Ingest(rep, "f.txt", watch.Created)

	expected := []string{"f.txt"}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestRemovedDirectoryPurgesSubPaths(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "sub/a.txt", watch.Created)
	c.Ingest(rep, "sub/b.txt", watch.Created)
	c.Ingest(rep, "sub", watch.Removed)

	expected := []string{"sub"}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestRootEventCollapsesEverything(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "a.txt", watch.Created)
	c.Ingest(rep, ".", watch.Modified)
	c.Ingest(rep, "b.txt", watch.Created)

	// The empty path is the whole-root RECURSIVE reply.
	expected := []string{""}
	if diff, equal := messagediff.PrettyDiff(expected, c.Drain(rep)); !equal {
		t.Errorf("drain mismatch: %s", diff)
	}
}

func TestPending(t *testing.T) {
	c := New(Config{})
	if c.Pending(rep) {
		t.Error("pending before any event")
	}
	c.Ingest(rep, "a.txt", watch.Created)
	if !c.Pending(rep) {
		t.Error("not pending after event")
	}
	c.Drain(rep)
	if c.Pending(rep) {
		t.Error("pending after drain")
	}
}

func TestForget(t *testing.T) {
	c := New(Config{})
	c.Ingest(rep, "a.txt", watch.Created)
	c.Forget(rep)
	if c.Pending(rep) {
		t.Error("pending after forget")
	}
	if paths := c.Drain(rep); paths != nil {
		t.Errorf("drain after forget returned %v", paths)
	}
}

func TestTriggerAfterQuiescence(t *testing.T) {
	c := New(Config{Delay: 20 * time.Millisecond})
	start := time.Now()
	c.Ingest(rep, "a.txt", watch.Created)

	select {
	case got := <-c.Triggers():
		if got != rep {
			t.Errorf("trigger for %q, expected %q", got, rep)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("trigger after %v, before the quiescence window", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger within two seconds")
	}

	// Further events must not re-announce until drained.
	c.Ingest(rep, "b.txt", watch.Created)
	select {
	case <-c.Triggers():
		t.Error("second trigger before drain")
	case <-time.After(200 * time.Millisecond):
	}

	c.Drain(rep)
	c.Ingest(rep, "c.txt", watch.Created)
	select {
	case <-c.Triggers():
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger after drain and new event")
	}
}

func TestTriggerDespiteConstantActivity(t *testing.T) {
	c := New(Config{Delay: 50 * time.Millisecond, Timeout: 200 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ticker.C:
				c.Ingest(rep, fmt.Sprintf("f%d.txt", i), watch.Modified)
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	select {
	case <-c.Triggers():
		// The timeout cap announced the replica even though the
		// quiescence window never elapsed.
	case <-time.After(2 * time.Second):
		t.Fatal("busy replica never announced")
	}
}

func TestConcurrentIngestAndDrain(t *testing.T) {
	c := New(Config{})
	const n = 1000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			c.Ingest(rep, fmt.Sprintf("f%04d", i), watch.Modified)
		}
	}()

	seen := make(map[string]int)
	for {
		for _, p := range c.Drain(rep) {
			seen[p]++
		}
		select {
		case <-done:
			for _, p := range c.Drain(rep) {
				seen[p]++
			}
			if len(seen) != n {
				t.Fatalf("drained %d distinct paths, expected %d", len(seen), n)
			}
			for p, count := range seen {
				if count != 1 {
					t.Errorf("path %s drained %d times", p, count)
				}
			}
			return
		default:
		}
	}
}
