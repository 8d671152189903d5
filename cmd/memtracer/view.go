// view.go implements the 'memtracer view' command.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"

	"github.com/cparra/memtracer/internal/mapfile"
	"github.com/cparra/memtracer/internal/trace/report"
	"github.com/cparra/memtracer/internal/view"
)

// viewCommand serves a recorded map file over HTTP.
//
//	memtracer view [-f out.map] [-addr localhost:7600]
//
// Endpoints: /metadata, /diagnostics, /events?from=&to=&thread=,
// /spans?from=&to=.
func viewCommand(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	file := fs.String("f", report.DefaultOutputPath, "map file to serve")
	addr := fs.String("addr", "localhost:7600", "listen address")
	_ = fs.Parse(args)
	initLogging()

	f, err := mapfile.Open(*file)
	if err != nil {
		glog.Errorf("%v", err)
		os.Exit(1)
	}
	if len(f.Errors) > 0 {
		glog.Warningf("map file records %d error line(s); serving anyway", len(f.Errors))
	}
	glog.Infof("loaded %s: %d events, %d threads", *file, len(f.Events), len(f.Threads()))

	if err := view.NewServer(f).ListenAndServe(*addr); err != nil {
		glog.Errorf("server: %v", err)
		os.Exit(1)
	}
}
