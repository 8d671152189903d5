// Package view serves a recorded map file over HTTP for inspection.
//
// The server is read-only: it parses one map file at startup and answers
// JSON queries about its metadata, events, and thread activity spans. It is
// a debugging aid, not a production surface, but it still rate-limits
// requests so a runaway dashboard cannot pin a laptop.
package view

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/cparra/memtracer/internal/analysis"
	"github.com/cparra/memtracer/internal/mapfile"
)

// spanGap is the largest coarse-time gap tolerated inside one activity
// span. Collapsed traces have no gaps above 1 except genuine idle cuts.
const spanGap = 1

// Server answers queries about one parsed map file.
type Server struct {
	file    *mapfile.File
	spans   *analysis.SpanSet
	limiter *rate.Limiter
}

// NewServer builds a server around a parsed map file.
func NewServer(f *mapfile.File) *Server {
	return &Server{
		file:    f,
		spans:   analysis.BuildSpans(f, spanGap),
		limiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// handle registers a rate-limited handler on the router.
func (s *Server) handle(r *mux.Router, path string, handler http.HandlerFunc) {
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		glog.V(1).Infof("%s %s", req.Method, req.URL)
		handler(w, req)
	})
}

// Router returns the HTTP routes of the viewer.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.handle(r, "/metadata", s.metadataHandler)
	s.handle(r, "/diagnostics", s.diagnosticsHandler)
	s.handle(r, "/events", s.eventsHandler)
	s.handle(r, "/spans", s.spansHandler)
	return r
}

// ListenAndServe runs the viewer on addr until the process ends.
func (s *Server) ListenAndServe(addr string) error {
	glog.Infof("serving map file on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func (s *Server) metadataHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.file.Metadata)
}

func (s *Server) diagnosticsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	}{s.file.Errors, s.file.Warnings})
}

// eventRow is the wire form of one DATA record.
type eventRow struct {
	Time   uint32 `json:"time"`
	Thread uint16 `json:"thread"`
	Event  string `json:"event"`
	Size   uint32 `json:"size"`
	Offset uint64 `json:"offset"`
}

func (s *Server) eventsHandler(w http.ResponseWriter, req *http.Request) {
	from, to, ok := timeWindow(w, req)
	if !ok {
		return
	}
	threadFilter := -1
	if v := req.URL.Query().Get("thread"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad thread: "+err.Error(), http.StatusBadRequest)
			return
		}
		threadFilter = n
	}

	rows := []eventRow{}
	for _, rec := range s.file.Events {
		if rec.Time < from || rec.Time > to {
			continue
		}
		if threadFilter >= 0 && int(rec.Thread) != threadFilter {
			continue
		}
		rows = append(rows, eventRow{
			Time:   rec.Time,
			Thread: rec.Thread,
			Event:  rec.Kind.Tag(),
			Size:   rec.Size,
			Offset: rec.Offset,
		})
	}
	writeJSON(w, rows)
}

func (s *Server) spansHandler(w http.ResponseWriter, req *http.Request) {
	from, to, ok := timeWindow(w, req)
	if !ok {
		return
	}
	writeJSON(w, s.spans.Query(from, to))
}

// timeWindow parses the from/to query parameters, defaulting to the whole
// trace.
func timeWindow(w http.ResponseWriter, req *http.Request) (from, to uint32, ok bool) {
	q := req.URL.Query()
	from, okFrom := parseTime(q.Get("from"), 0)
	to, okTo := parseTime(q.Get("to"), ^uint32(0))
	if !okFrom || !okTo {
		http.Error(w, "bad from/to parameter", http.StatusBadRequest)
		return 0, 0, false
	}
	return from, to, true
}

func parseTime(v string, def uint32) (uint32, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("encoding response: %v", err)
	}
}
