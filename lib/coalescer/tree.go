// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package coalescer

import (
	"slices"
	"strings"
)

// pathTree accumulates changed relative paths as a tree of path tokens. A
// leaf means "everything at and below this path changed", which is exactly
// the granularity of the RECURSIVE reply. Marking a path a leaf subsumes
// anything previously tracked below it, so duplicates collapse and entries
// under a removed directory are purged for free.
type pathTree struct {
	leaf     bool
	children map[string]*pathTree
}

func newPathTree() *pathTree {
	return &pathTree{}
}

func (t *pathTree) empty() bool {
	return !t.leaf && len(t.children) == 0
}

// add marks relPath ("." or "" for the whole root) as changed.
func (t *pathTree) add(relPath string) {
	node := t
	for _, tok := range pathTokens(relPath) {
		if node.leaf {
			// An ancestor already covers this path.
			return
		}
		if node.children == nil {
			node.children = make(map[string]*pathTree)
		}
		child, ok := node.children[tok]
		if !ok {
			child = &pathTree{}
			node.children[tok] = child
		}
		node = child
	}
	node.leaf = true
	node.children = nil
}

// paths returns the sorted leaf paths. The whole-root leaf is returned as
// the empty string, matching what Unison expects in a RECURSIVE reply.
func (t *pathTree) paths() []string {
	var out []string
	t.collect("", &out)
	slices.Sort(out)
	return out
}

func (t *pathTree) collect(prefix string, out *[]string) {
	if t.leaf {
		*out = append(*out, prefix)
		return
	}
	for name, child := range t.children {
		childPrefix := name
		if prefix != "" {
			childPrefix = prefix + "/" + name
		}
		child.collect(childPrefix, out)
	}
}

func pathTokens(relPath string) []string {
	if relPath == "" || relPath == "." {
		return nil
	}
	var toks []string
	for _, tok := range strings.Split(relPath, "/") {
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	return toks
}
