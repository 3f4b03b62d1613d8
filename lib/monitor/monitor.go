// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package monitor implements the fswatch protocol state machine: it parses
// commands from Unison, drives the watch registry and the coalescer, and
// decides what to send back and when.
package monitor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/unox-go/unox/lib/coalescer"
	"github.com/unox-go/unox/lib/logger"
	"github.com/unox-go/unox/lib/protocol"
	"github.com/unox-go/unox/lib/svcutil"
	"github.com/unox-go/unox/lib/watch"
)

type Config struct {
	// WaitTimeout bounds how long a WAIT may stay pending. When it
	// expires the bridge sends CHANGES anyway; Unison's follow-up query
	// then drains an empty set, which is the protocol's "no changes"
	// reply. Zero means wait forever (the classic behavior).
	WaitTimeout time.Duration
}

// Session is the per process protocol session. It implements
// suture.Service; Serve runs the handshake and then the command loop until
// Unison hangs up or something fatal happens.
type Session struct {
	cfg      Config
	reader   *protocol.Reader
	writer   *protocol.Writer
	registry *watch.Registry
	coal     *coalescer.Coalescer

	// All of the below is owned by the Serve goroutine.
	inStart      bool
	startFailed  bool
	startReplica string
	waiting      map[string]*time.Timer
	timeouts     chan string

	mut    sync.Mutex
	status svcutil.ExitStatus
}

func NewSession(cfg Config, in io.Reader, out io.Writer, registry *watch.Registry, coal *coalescer.Coalescer) *Session {
	return &Session{
		cfg:      cfg,
		reader:   protocol.NewReader(in),
		writer:   protocol.NewWriter(out),
		registry: registry,
		coal:     coal,
		waiting:  make(map[string]*time.Timer),
		timeouts: make(chan string, 16),
	}
}

// Status returns the exit status the process should report once Serve has
// returned.
func (s *Session) Status() svcutil.ExitStatus {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.status
}

func (s *Session) setStatus(status svcutil.ExitStatus) {
	s.mut.Lock()
	s.status = status
	s.mut.Unlock()
}

func (s *Session) String() string {
	return fmt.Sprintf("monitor.Session@%p", s)
}

type incoming struct {
	cmd protocol.Command
	err error
}

func (s *Session) Serve(ctx context.Context) error {
	defer s.registry.Close()

	if err := s.writer.Send(protocol.ReplyVersion, protocol.Version); err != nil {
		return s.fatal(err, svcutil.ExitError)
	}

	cmds := make(chan incoming)
	go s.readLoop(ctx, cmds)

	if err := s.handshake(ctx, cmds); err != nil {
		return err
	}

	for {
		select {
		case in := <-cmds:
			if in.err == io.EOF {
				l.Debugln("session: input stream closed, shutting down")
				s.setStatus(svcutil.ExitSuccess)
				return suture.ErrTerminateSupervisorTree
			}
			if in.err != nil {
				return s.fatalReply(in.err.Error(), svcutil.ExitProtocolViolation)
			}
			if err := s.handleCommand(in.cmd); err != nil {
				return err
			}
		case replica := <-s.coal.Triggers():
			if err := s.notifyIfWaiting(replica); err != nil {
				return err
			}
		case replica := <-s.timeouts:
			if err := s.notifyIfWaiting(replica); err != nil {
				return err
			}
		case <-ctx.Done():
			s.setStatus(svcutil.ExitSuccess)
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context, cmds chan<- incoming) {
	for {
		cmd, err := s.reader.ReadCommand()
		select {
		case cmds <- incoming{cmd: cmd, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handshake(ctx context.Context, cmds <-chan incoming) error {
	select {
	case in := <-cmds:
		if in.err != nil {
			return s.fatal(fmt.Errorf("handshake: %w", in.err), svcutil.ExitHandshakeFailed)
		}
		if in.cmd.Name != protocol.CmdVersion || len(in.cmd.Args) != 1 {
			s.setStatus(svcutil.ExitHandshakeFailed)
			_ = s.writer.Send(protocol.ReplyError, "unexpected version cmd: "+in.cmd.Name)
			return svcutil.AsFatalErr(fmt.Errorf("handshake: unexpected command %q", in.cmd.Name), svcutil.ExitHandshakeFailed)
		}
		if in.cmd.Args[0] != protocol.Version {
			// Like unox: an unknown client version is worth a warning
			// but the session proceeds speaking our version.
			l.Warnln("session: unexpected client version:", in.cmd.Args[0])
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleCommand(cmd protocol.Command) error {
	// Any command other than WAIT cancels all pending waits.
	if cmd.Name != protocol.CmdWait {
		s.clearWaits()
	}

	if s.inStart {
		return s.handleStartSubcommand(cmd)
	}

	switch cmd.Name {
	case protocol.CmdDebug:
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
		return nil
	case protocol.CmdStart:
		return s.handleStart(cmd.Args)
	case protocol.CmdWait:
		return s.handleWait(cmd.Args)
	case protocol.CmdChanges:
		return s.handleChanges(cmd.Args)
	case protocol.CmdReset:
		return s.handleReset(cmd.Args)
	default:
		return s.fatalReply("unexpected root cmd: "+cmd.Name, svcutil.ExitProtocolViolation)
	}
}

// handleStart registers the replica root and enters the START sub-loop
// (DIR/LINK/DONE). A registration failure is scoped to this replica: we
// reply ERROR and keep serving other replicas.
func (s *Session) handleStart(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return s.fatalReply("malformed START", svcutil.ExitProtocolViolation)
	}
	replica, fspath := args[0], args[1]
	if len(args) == 3 && args[2] != "" {
		l.Debugf("session: START %s with sub path %q", replica, args[2])
	}

	s.inStart = true
	s.startReplica = replica
	s.startFailed = false

	if err := s.registry.AddRoot(replica, fspath); err != nil {
		l.Warnf("session: cannot watch %s for replica %s: %v", fspath, replica, err)
		s.startFailed = true
		return s.send(protocol.ReplyError, err.Error())
	}
	return s.send(protocol.ReplyOK)
}

func (s *Session) handleStartSubcommand(cmd protocol.Command) error {
	switch cmd.Name {
	case protocol.CmdDir:
		// The directories Unison lists are already covered by the
		// recursive registration of the root. Acknowledged even after a
		// failed START so the request/response rhythm stays intact.
		return s.send(protocol.ReplyOK)
	case protocol.CmdLink:
		// Symlink following is not supported; Unison must be run
		// without -links.
		s.startFailed = true
		return s.send(protocol.ReplyError, "link following is not supported, please disable this option (-links)")
	case protocol.CmdDone:
		if s.startFailed {
			s.registry.RemoveRoot(s.startReplica)
			s.coal.Forget(s.startReplica)
		}
		s.inStart = false
		s.startReplica = ""
		s.startFailed = false
		return nil
	default:
		return s.fatalReply("unexpected cmd in replica start: "+cmd.Name, svcutil.ExitProtocolViolation)
	}
}

func (s *Session) handleWait(args []string) error {
	if len(args) != 1 {
		return s.fatalReply("malformed WAIT", svcutil.ExitProtocolViolation)
	}
	replica := args[0]
	if !s.registry.Has(replica) {
		return s.send(protocol.ReplyError, "unknown replica: "+replica)
	}
	if _, dup := s.waiting[replica]; dup {
		// The protocol is strict request/response; a second WAIT for a
		// replica whose first is still pending means the peer and we
		// disagree about the session state. Fail this replica rather
		// than silently merging the queries.
		s.registry.RemoveRoot(replica)
		s.coal.Forget(replica)
		s.stopWait(replica)
		return s.send(protocol.ReplyError, "duplicate wait for replica: "+replica)
	}
	if s.coal.Pending(replica) {
		s.clearWaits()
		return s.send(protocol.ReplyChanges, replica)
	}

	var timer *time.Timer
	if s.cfg.WaitTimeout > 0 {
		timer = time.AfterFunc(s.cfg.WaitTimeout, func() {
			select {
			case s.timeouts <- replica:
			default:
			}
		})
	}
	s.waiting[replica] = timer
	return nil
}

func (s *Session) handleChanges(args []string) error {
	if len(args) != 1 {
		return s.fatalReply("malformed CHANGES", svcutil.ExitProtocolViolation)
	}
	replica := args[0]
	if !s.registry.Has(replica) {
		return s.send(protocol.ReplyError, "unknown replica: "+replica)
	}

	paths := s.coal.Drain(replica)
	replies := make([]protocol.Command, 0, len(paths)+1)
	for _, path := range paths {
		replies = append(replies, protocol.Command{Name: protocol.ReplyRecursive, Args: []string{path}})
	}
	replies = append(replies, protocol.Command{Name: protocol.ReplyDone})
	if err := s.writer.SendBatch(replies); err != nil {
		return s.fatal(err, svcutil.ExitError)
	}
	return nil
}

func (s *Session) handleReset(args []string) error {
	if len(args) != 1 {
		return s.fatalReply("malformed RESET", svcutil.ExitProtocolViolation)
	}
	replica := args[0]
	if !s.registry.Has(replica) {
		l.Warnln("session: RESET for unknown replica:", replica)
		return nil
	}
	s.registry.RemoveRoot(replica)
	s.coal.Forget(replica)
	s.stopWait(replica)
	return nil
}

// notifyIfWaiting sends the asynchronous CHANGES line when the replica is
// being waited on. Changes stay pending until the follow-up CHANGES query
// drains them, so nothing is lost if no one is waiting right now.
func (s *Session) notifyIfWaiting(replica string) error {
	if _, ok := s.waiting[replica]; !ok {
		return nil
	}
	if err := s.send(protocol.ReplyChanges, replica); err != nil {
		return err
	}
	s.clearWaits()
	return nil
}

func (s *Session) clearWaits() {
	for replica := range s.waiting {
		s.stopWait(replica)
	}
}

func (s *Session) stopWait(replica string) {
	if timer, ok := s.waiting[replica]; ok {
		if timer != nil {
			timer.Stop()
		}
		delete(s.waiting, replica)
	}
}

func (s *Session) send(reply string, args ...string) error {
	if err := s.writer.Send(reply, args...); err != nil {
		return s.fatal(err, svcutil.ExitError)
	}
	return nil
}

// fatalReply makes a best effort to tell Unison what went wrong, then
// terminates the session with the given status.
func (s *Session) fatalReply(msg string, status svcutil.ExitStatus) error {
	_ = s.writer.Send(protocol.ReplyError, msg)
	return s.fatal(fmt.Errorf("protocol: %s", msg), status)
}

func (s *Session) fatal(err error, status svcutil.ExitStatus) error {
	s.setStatus(status)
	l.Warnln("session:", err)
	return svcutil.AsFatalErr(err, status)
}
