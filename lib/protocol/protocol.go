// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol implements the framing layer of Unison's fswatch
// protocol (src/fswatch.ml in the Unison distribution): newline terminated
// lines, the first word being the command and the remaining words
// percent-encoded arguments.
package protocol

// Version is the protocol version we implement and announce.
const Version = "1"

// Commands received from Unison.
const (
	CmdVersion = "VERSION"
	CmdDebug   = "DEBUG"
	CmdStart   = "START"
	CmdDir     = "DIR"
	CmdLink    = "LINK"
	CmdDone    = "DONE"
	CmdWait    = "WAIT"
	CmdChanges = "CHANGES"
	CmdReset   = "RESET"
)

// Replies sent to Unison. VERSION, CHANGES and DONE are spelled the same in
// both directions.
const (
	ReplyVersion   = CmdVersion
	ReplyOK        = "OK"
	ReplyError     = "ERROR"
	ReplyChanges   = CmdChanges
	ReplyRecursive = "RECURSIVE"
	ReplyDone      = CmdDone
)

// Command is one decoded line from the input stream.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	line := c.Name
	for _, arg := range c.Args {
		line += " " + arg
	}
	return line
}
