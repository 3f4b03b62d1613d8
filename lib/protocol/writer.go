// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Writer encodes replies onto the output stream. It is safe for concurrent
// use: both the command loop and the asynchronous change notifier write to
// it. Every reply is flushed immediately, as Unison may be blocked waiting
// for it.
type Writer struct {
	mut sync.Mutex
	bw  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Send writes one reply line, percent-encoding the arguments, and flushes.
func (w *Writer) Send(reply string, args ...string) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if err := w.send(reply, args); err != nil {
		return err
	}
	return w.bw.Flush()
}

// SendBatch writes several reply lines under one lock, so that a multi-line
// reply (RECURSIVE... DONE) cannot be interleaved with an injected CHANGES
// line, and flushes once at the end.
func (w *Writer) SendBatch(replies []Command) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	for _, reply := range replies {
		if err := w.send(reply.Name, reply.Args); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *Writer) send(reply string, args []string) error {
	var sb strings.Builder
	sb.WriteString(reply)
	for _, arg := range args {
		sb.WriteByte(' ')
		sb.WriteString(EncodeArg(arg))
	}
	l.Debugln("send:", sb.String())
	sb.WriteByte('\n')
	_, err := w.bw.WriteString(sb.String())
	return err
}
