// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gobwas/glob"
)

// Sink receives one attributed event per raw notification: the replica it
// belongs to, the path relative to the replica root ("." for the root
// itself) and the event type.
type Sink func(replica, relPath string, typ EventType)

// Root is one replica root under watch, together with every subscription
// currently held for it.
type Root struct {
	ID   string
	Path string // absolute, cleaned, no trailing separator

	subs map[string]Handle // absolute directory -> subscription
}

// Registry owns the mapping from replica IDs to watched roots. It keeps the
// OS subscription set a superset of the directories that currently exist
// under each root: transient over-subscription is fine, under-subscription
// is not.
type Registry struct {
	src     EventSource
	sink    Sink
	ignores []glob.Glob

	mut   sync.Mutex
	roots map[string]*Root
}

func NewRegistry(src EventSource, ignorePatterns []string, sink Sink) (*Registry, error) {
	ignores := make([]glob.Glob, 0, len(ignorePatterns))
	for _, pattern := range ignorePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		ignores = append(ignores, g)
	}
	return &Registry{
		src:     src,
		sink:    sink,
		ignores: ignores,
		roots:   make(map[string]*Root),
	}, nil
}

// AddRoot starts watching fspath on behalf of the given replica. When the
// event source is not recursive the whole tree is walked and every
// directory subscribed. Re-adding a live replica is a no-op; subscriptions
// are never duplicated.
func (r *Registry) AddRoot(replica, fspath string) error {
	r.mut.Lock()
	if _, ok := r.roots[replica]; ok {
		r.mut.Unlock()
		l.Debugln("registry: replica already watched:", replica)
		return nil
	}
	r.mut.Unlock()

	path, err := filepath.Abs(filepath.Clean(fspath))
	if err != nil {
		return err
	}
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", path)
	}

	root := &Root{
		ID:   replica,
		Path: path,
		subs: make(map[string]Handle),
	}

	if err := r.subscribeDir(root, path); err != nil {
		return err
	}
	if !r.src.Recursive() {
		if err := r.subscribeTree(root, path); err != nil {
			r.releaseRoot(root)
			return err
		}
	}

	r.mut.Lock()
	r.roots[replica] = root
	r.mut.Unlock()
	l.Debugf("registry: watching %s for replica %s (%d subscriptions)", path, replica, len(root.subs))
	return nil
}

// Has reports whether the replica is currently registered.
func (r *Registry) Has(replica string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	_, ok := r.roots[replica]
	return ok
}

// RemoveRoot releases every subscription held for the replica. Removing an
// unknown replica is a no-op.
func (r *Registry) RemoveRoot(replica string) {
	r.mut.Lock()
	root, ok := r.roots[replica]
	if ok {
		delete(r.roots, replica)
	}
	r.mut.Unlock()
	if ok {
		r.releaseRoot(root)
		l.Debugln("registry: released replica", replica)
	}
}

// Close releases all subscriptions for all roots. Best effort: release
// failures are logged, never retried.
func (r *Registry) Close() {
	r.mut.Lock()
	roots := r.roots
	r.roots = make(map[string]*Root)
	r.mut.Unlock()
	for _, root := range roots {
		r.releaseRoot(root)
	}
}

// Serve consumes the raw event stream. It runs until the context is
// cancelled, concurrently with the protocol loop.
func (r *Registry) Serve(ctx context.Context) error {
	for {
		select {
		case ev := <-r.src.Events():
			r.handleEvent(ev)
		case err := <-r.src.Errors():
			r.handleError(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleError deals with errors from the backend. A lost-events error means
// raw notifications vanished before we saw them, so every root is reported
// as recursively changed: the consumer rescans and finds whatever we missed.
// Anything else is informational.
func (r *Registry) handleError(err error) {
	if !errors.Is(err, ErrEventsLost) {
		l.Warnf("registry: event source: %v", err)
		return
	}
	l.Warnln("registry:", err)
	r.mut.Lock()
	replicas := make([]string, 0, len(r.roots))
	for replica := range r.roots {
		replicas = append(replicas, replica)
	}
	r.mut.Unlock()
	for _, replica := range replicas {
		r.sink(replica, ".", Unknown)
	}
}

func (r *Registry) handleEvent(ev Event) {
	root, rel := r.resolve(ev.Path)
	if root == nil {
		l.Debugf("registry: unexpected event at %s, no owning root", ev.Path)
		return
	}
	if rel != "." && r.shouldIgnore(rel) {
		l.Debugln("registry: ignoring", rel)
		return
	}

	switch ev.Type {
	case Created, RenamedTo, Unknown:
		if rel != "." {
			if fi, err := os.Lstat(ev.Path); err == nil && fi.IsDir() {
				r.dirAppeared(root, ev.Path)
			}
		}
	case Removed, RenamedFrom:
		r.mut.Lock()
		r.dropSubsUnder(root, ev.Path)
		r.mut.Unlock()
	}

	r.sink(root.ID, rel, ev.Type)
}

// resolve finds the root owning the given absolute path, preferring the
// longest match when roots nest, and returns the root-relative path.
func (r *Registry) resolve(path string) (*Root, string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	var best *Root
	for _, root := range r.roots {
		if path != root.Path && !strings.HasPrefix(path, root.Path+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(root.Path) > len(best.Path) {
			best = root
		}
	}
	if best == nil {
		return nil, ""
	}
	if path == best.Path {
		return best, "."
	}
	return best, filepath.ToSlash(path[len(best.Path)+1:])
}

func (r *Registry) shouldIgnore(rel string) bool {
	base := filepath.Base(rel)
	for _, g := range r.ignores {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// dirAppeared closes the race inherent in non-recursive notification APIs:
// a directory can be created and populated before we hear about it. We
// subscribe to the new directory first, then walk it, reporting everything
// found as created. Reporting something twice is harmless, missing it is
// not.
func (r *Registry) dirAppeared(root *Root, dir string) {
	if !r.src.Recursive() {
		if err := r.subscribeDirRetry(root, dir); err != nil {
			// We cannot watch it, so report it as recursively changed:
			// Unison will rescan the subtree and find whatever we missed.
			l.Warnf("registry: cannot watch new directory %s: %v", dir, err)
			return
		}
	}

	conf := &fastwalk.Config{Follow: false}
	_ = fastwalk.Walk(conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == dir {
			return nil
		}
		_, rel := r.resolve(path)
		if rel == "" {
			return nil
		}
		if r.shouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && !r.src.Recursive() {
			if err := r.subscribeDirRetry(root, path); err != nil {
				l.Warnf("registry: cannot watch new directory %s: %v", path, err)
			}
		}
		r.sink(root.ID, rel, Created)
		return nil
	})
}

// subscribeTree walks the tree below path subscribing to every directory.
// Used during AddRoot; any failure fails the whole registration.
func (r *Registry) subscribeTree(root *Root, path string) error {
	conf := &fastwalk.Config{Follow: false}
	return fastwalk.Walk(conf, path, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if sub == path || !d.IsDir() {
			return nil
		}
		_, rel := r.resolve(sub)
		if rel == "" {
			// Root not registered yet; compute relative directly.
			rel = filepath.ToSlash(sub[len(root.Path)+1:])
		}
		if r.shouldIgnore(rel) {
			return filepath.SkipDir
		}
		return r.subscribeDir(root, sub)
	})
}

func (r *Registry) subscribeDir(root *Root, dir string) error {
	r.mut.Lock()
	_, ok := root.subs[dir]
	r.mut.Unlock()
	if ok {
		return nil
	}
	h, err := r.src.Subscribe(dir)
	if err != nil {
		return err
	}
	r.mut.Lock()
	if _, ok := root.subs[dir]; ok {
		// Lost the race against a concurrent subscribe for the same
		// directory; keep the first handle.
		r.mut.Unlock()
		_ = r.src.Unsubscribe(h)
		return nil
	}
	root.subs[dir] = h
	r.mut.Unlock()
	return nil
}

// subscribeDirRetry subscribes with bounded backoff. Newly created
// directories can be transiently unsubscribable (already renamed away,
// notification queue pressure); a directory that no longer exists is not
// worth retrying.
func (r *Registry) subscribeDirRetry(root *Root, dir string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	return backoff.Retry(func() error {
		err := r.subscribeDir(root, dir)
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// dropSubsUnder releases the subscriptions for path and everything nested
// below it. Callers hold r.mut.
func (r *Registry) dropSubsUnder(root *Root, path string) {
	prefix := path + string(filepath.Separator)
	for dir, h := range root.subs {
		if dir != path && !strings.HasPrefix(dir, prefix) {
			continue
		}
		if dir == root.Path {
			// The root directory itself keeps its subscription even when
			// reported removed; Unison decides what a vanished root means.
			continue
		}
		delete(root.subs, dir)
		if err := r.src.Unsubscribe(h); err != nil {
			l.Debugf("registry: unsubscribe %s: %v", dir, err)
		}
	}
}

func (r *Registry) releaseRoot(root *Root) {
	r.mut.Lock()
	subs := root.subs
	root.subs = make(map[string]Handle)
	r.mut.Unlock()
	for dir, h := range subs {
		if err := r.src.Unsubscribe(h); err != nil {
			l.Debugf("registry: unsubscribe %s: %v", dir, err)
		}
	}
}
