// Copyright (C) 2026 The Unox Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command unison-fsmonitor bridges Unison's fswatch protocol to the
// operating system's file notification facility. Unison spawns it when
// running with "repeat = watch" and talks to it over stdin/stdout; install
// it under this name somewhere in the PATH.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/unox-go/unox/lib/coalescer"
	"github.com/unox-go/unox/lib/logger"
	"github.com/unox-go/unox/lib/monitor"
	"github.com/unox-go/unox/lib/svcutil"
	"github.com/unox-go/unox/lib/watch"
)

var (
	Version     = "unknown-dev"
	LongVersion = fmt.Sprintf("unison-fsmonitor %s (%s %s-%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
)

var l = logger.DefaultLogger.NewFacility("main", "Startup and supervision")

type cli struct {
	Backend     string           `help:"Notification backend to use." default:"notify" enum:"notify,fsnotify"`
	Delay       time.Duration    `help:"Quiescence window before announcing accumulated changes." default:"50ms"`
	WaitTimeout time.Duration    `help:"Answer a pending WAIT after this long even without changes; 0 disables." default:"0"`
	Ignore      []string         `help:"Glob pattern for paths to ignore; may be repeated." placeholder:"GLOB"`
	Debug       bool             `help:"Enable debug logging on all facilities."`
	Version     kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var params cli
	kong.Parse(&params,
		kong.Description("Unison fswatch protocol bridge."),
		kong.Vars{"version": LongVersion},
	)
	os.Exit(run(&params).AsInt())
}

func run(params *cli) svcutil.ExitStatus {
	if params.Debug {
		for facility := range logger.DefaultLogger.Facilities() {
			logger.DefaultLogger.SetDebug(facility, true)
		}
	}

	var src watch.EventSource
	switch params.Backend {
	case "fsnotify":
		var err error
		src, err = watch.NewFsnotifySource()
		if err != nil {
			l.Warnln("starting fsnotify backend:", err)
			return svcutil.ExitWatchFailure
		}
	default:
		src = watch.NewNotifySource()
	}
	defer src.Close()

	coal := coalescer.New(coalescer.Config{Delay: params.Delay})
	registry, err := watch.NewRegistry(src, params.Ignore, coal.Ingest)
	if err != nil {
		l.Warnln(err)
		return svcutil.ExitError
	}

	session := monitor.NewSession(monitor.Config{WaitTimeout: params.WaitTimeout}, os.Stdin, os.Stdout, registry, coal)

	// SIGINT/SIGTERM are a clean shutdown: release all subscriptions and
	// exit zero.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup := suture.New("unison-fsmonitor", svcutil.SpecWithDebugLogger(l))
	sup.Add(svcutil.AsService(registry.Serve, "watch.Registry"))
	sup.Add(session)

	err = sup.Serve(ctx)

	var ferr *svcutil.FatalErr
	switch {
	case errors.As(err, &ferr):
		return ferr.Status
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, suture.ErrTerminateSupervisorTree):
		return session.Status()
	default:
		l.Warnln("unexpected termination:", err)
		return svcutil.ExitError
	}
}
