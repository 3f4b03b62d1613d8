// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"net/url"
	"strings"
)

// Arguments are percent-encoded the way Unison expects: every byte outside
// the unreserved set is escaped, path separators are left bare. Note that
// neither url.QueryEscape (space becomes "+") nor url.PathEscape ("/" gets
// escaped) produces this exact form.

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~' || c == '/':
		return true
	}
	return false
}

const upperhex = "0123456789ABCDEF"

// EncodeArg percent-encodes a single protocol argument.
func EncodeArg(arg string) string {
	var hit bool
	for i := 0; i < len(arg); i++ {
		if !isUnreserved(arg[i]) {
			hit = true
			break
		}
	}
	if !hit {
		return arg
	}

	var sb strings.Builder
	sb.Grow(len(arg) + 8)
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if isUnreserved(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0xf])
	}
	return sb.String()
}

// DecodeArg reverses EncodeArg. Any %XX sequence is accepted, so arguments
// encoded more aggressively than we would also decode fine.
func DecodeArg(arg string) (string, error) {
	return url.PathUnescape(arg)
}
