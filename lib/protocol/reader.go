// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEmptyCommand is returned for a line with no command word on it.
var ErrEmptyCommand = errors.New("empty command line")

// Reader decodes commands from the input stream.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadCommand blocks until a full line is available and returns the decoded
// command. A closed stream, including one closed mid-line, returns io.EOF:
// Unison hanging up is the normal way a session ends.
func (r *Reader) ReadCommand() (Command, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
			return Command{}, io.EOF
		}
		return Command{}, err
	}

	l.Debugln("recv:", strings.TrimSuffix(line, "\n"))

	words := strings.Fields(line)
	if len(words) == 0 {
		return Command{}, ErrEmptyCommand
	}

	cmd := Command{Name: words[0]}
	for _, word := range words[1:] {
		arg, err := DecodeArg(word)
		if err != nil {
			return Command{}, fmt.Errorf("decoding argument %q: %w", word, err)
		}
		cmd.Args = append(cmd.Args, arg)
	}
	return cmd, nil
}
