// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/unox-go/unox/lib/coalescer"
	"github.com/unox-go/unox/lib/svcutil"
	"github.com/unox-go/unox/lib/watch"
)

// harness runs a session against in-memory pipes and a fake event source,
// the way Unison would drive it over stdin/stdout.
type harness struct {
	t       *testing.T
	src     *watch.FakeSource
	session *Session
	cmdW    io.WriteCloser
	lines   chan string
	served  chan error
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	src := watch.NewFakeSource(false)
	coal := coalescer.New(coalescer.Config{Delay: 10 * time.Millisecond})
	reg, err := watch.NewRegistry(src, nil, coal.Ingest)
	if err != nil {
		t.Fatal(err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	session := NewSession(cfg, inR, outW, reg, coal)

	ctx, cancel := context.WithCancel(context.Background())
	go reg.Serve(ctx)

	served := make(chan error, 1)
	go func() {
		served <- session.Serve(ctx)
	}()

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	h := &harness{
		t:       t,
		src:     src,
		session: session,
		cmdW:    inW,
		lines:   lines,
		served:  served,
		cancel:  cancel,
	}
	t.Cleanup(func() {
		cancel()
		inW.Close()
		outR.Close()
	})
	return h
}

func (h *harness) sendf(format string, args ...interface{}) {
	h.t.Helper()
	if _, err := fmt.Fprintf(h.cmdW, format+"\n", args...); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) expect(line string) {
	h.t.Helper()
	select {
	case got, ok := <-h.lines:
		if !ok {
			h.t.Fatalf("output closed, expected %q", line)
		}
		if got != line {
			h.t.Fatalf("got line %q, expected %q", got, line)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for line %q", line)
	}
}

func (h *harness) expectNothingFor(d time.Duration) {
	h.t.Helper()
	select {
	case got := <-h.lines:
		h.t.Fatalf("unexpected line %q", got)
	case <-time.After(d):
	}
}

func (h *harness) waitServed() error {
	h.t.Helper()
	select {
	case err := <-h.served:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not terminate")
		return nil
	}
}

func (h *harness) handshake() {
	h.t.Helper()
	h.expect("VERSION 1")
	h.sendf("VERSION 1")
}

func (h *harness) start(replica, dir string) {
	h.t.Helper()
	h.sendf("START %s %s", replica, dir)
	h.expect("OK")
	h.sendf("DIR")
	h.expect("OK")
	h.sendf("DONE")
}

func TestSessionLifecycle(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	// No changes yet: an immediate query reports the empty set.
	h.sendf("CHANGES rep1")
	h.expect("DONE")

	// An event satisfies a pending WAIT.
	h.sendf("WAIT rep1")
	h.src.Emit(filepath.Join(dir, "a.txt"), watch.Modified)
	h.expect("CHANGES rep1")

	h.sendf("CHANGES rep1")
	h.expect("RECURSIVE a.txt")
	h.expect("DONE")

	// Drained: the next query is the "no changes" reply again.
	h.sendf("CHANGES rep1")
	h.expect("DONE")

	h.sendf("RESET rep1")
	h.sendf("WAIT rep1")
	h.expect("ERROR unknown%20replica%3A%20rep1")

	// Clean shutdown on EOF.
	h.cmdW.Close()
	if err := h.waitServed(); !errors.Is(err, suture.ErrTerminateSupervisorTree) {
		t.Errorf("unexpected serve error: %v", err)
	}
	if status := h.session.Status(); status != svcutil.ExitSuccess {
		t.Errorf("exit status %d, expected %d", status, svcutil.ExitSuccess)
	}
}

func TestWaitPreTriggered(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	h.src.Emit(filepath.Join(dir, "x"), watch.Created)

	// Give the event time to be ingested, then WAIT: the reply must be
	// immediate, no quiescence window involved.
	time.Sleep(100 * time.Millisecond)
	h.sendf("WAIT rep1")
	h.expect("CHANGES rep1")

	h.sendf("CHANGES rep1")
	h.expect("RECURSIVE x")
	h.expect("DONE")
}

func TestWaitCancellationKeepsEvents(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	// A WAIT cancelled by the next command must not lose events that
	// arrive around the cancellation.
	h.sendf("WAIT rep1")
	h.sendf("CHANGES rep1")
	h.expect("DONE")

	h.src.Emit(filepath.Join(dir, "late.txt"), watch.Modified)
	time.Sleep(100 * time.Millisecond)

	h.sendf("WAIT rep1")
	h.expect("CHANGES rep1")
	h.sendf("CHANGES rep1")
	h.expect("RECURSIVE late.txt")
	h.expect("DONE")
}

func TestWaitTimeout(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{WaitTimeout: 100 * time.Millisecond})

	h.handshake()
	h.start("rep1", dir)

	start := time.Now()
	h.sendf("WAIT rep1")
	h.expect("CHANGES rep1")
	elapsed := time.Since(start)
	if elapsed < 100*time.Millisecond {
		t.Errorf("timed-out wait answered after %v, before the timeout", elapsed)
	}
	if elapsed > 600*time.Millisecond {
		t.Errorf("timed-out wait answered after %v, well past the timeout", elapsed)
	}

	// The follow-up query finds nothing: the explicit "no changes" reply.
	h.sendf("CHANGES rep1")
	h.expect("DONE")
}

func TestDuplicateWaitFailsReplica(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	h.sendf("WAIT rep1")
	h.sendf("WAIT rep1")
	h.expect("ERROR duplicate%20wait%20for%20replica%3A%20rep1")

	// The replica is gone but the session survives.
	h.sendf("WAIT rep1")
	h.expect("ERROR unknown%20replica%3A%20rep1")
}

func TestStartFailureScopedToReplica(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()

	h.sendf("START bad %s", filepath.Join(dir, "does-not-exist"))
	if h.readErrorPrefix() {
		h.sendf("DONE")
	}

	// Another replica registers fine afterwards.
	h.start("good", dir)
	h.sendf("CHANGES good")
	h.expect("DONE")
}

// readErrorPrefix consumes one line and asserts it is an ERROR reply.
func (h *harness) readErrorPrefix() bool {
	h.t.Helper()
	select {
	case got, ok := <-h.lines:
		if !ok {
			h.t.Fatal("output closed, expected ERROR")
		}
		if len(got) < 5 || got[:5] != "ERROR" {
			h.t.Fatalf("got line %q, expected an ERROR reply", got)
		}
		return true
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for ERROR")
		return false
	}
}

func TestHandshakeFailure(t *testing.T) {
	h := newHarness(t, Config{})

	h.expect("VERSION 1")
	h.sendf("HELLO")
	h.readErrorPrefix()

	err := h.waitServed()
	var ferr *svcutil.FatalErr
	if !errors.As(err, &ferr) || ferr.Status != svcutil.ExitHandshakeFailed {
		t.Errorf("expected handshake failure, got %v", err)
	}
}

func TestUnknownCommandIsFatal(t *testing.T) {
	h := newHarness(t, Config{})

	h.handshake()
	h.sendf("BOGUS stuff")
	h.readErrorPrefix()

	err := h.waitServed()
	var ferr *svcutil.FatalErr
	if !errors.As(err, &ferr) || ferr.Status != svcutil.ExitProtocolViolation {
		t.Errorf("expected protocol violation, got %v", err)
	}
	if h.session.Status() != svcutil.ExitProtocolViolation {
		t.Errorf("exit status %d, expected %d", h.session.Status(), svcutil.ExitProtocolViolation)
	}
}

func TestUnknownResetIsHarmless(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.sendf("RESET ghost")
	h.start("rep1", dir)
	h.sendf("CHANGES rep1")
	h.expect("DONE")
}

func TestRaceClosureEndToEnd(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	// Directory created and populated before the bridge reacts; the OS
	// only reported the directory creation.
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.src.Emit(sub, watch.Created)

	h.sendf("WAIT rep1")
	h.expect("CHANGES rep1")
	h.sendf("CHANGES rep1")
	h.expect("RECURSIVE sub")
	h.expect("DONE")
}

func TestDebounceBatchesIntoOneNotification(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{})

	h.handshake()
	h.start("rep1", dir)

	h.sendf("WAIT rep1")
	h.src.Emit(filepath.Join(dir, "f.txt"), watch.Modified)
	h.src.Emit(filepath.Join(dir, "f.txt"), watch.Modified)
	h.src.Emit(filepath.Join(dir, "g.txt"), watch.Modified)

	h.expect("CHANGES rep1")
	h.expectNothingFor(200 * time.Millisecond)

	h.sendf("CHANGES rep1")
	h.expect("RECURSIVE f.txt")
	h.expect("RECURSIVE g.txt")
	h.expect("DONE")
}
