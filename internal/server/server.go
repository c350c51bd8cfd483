// Package server exposes the coverage pipeline over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/diffcover"
	"github.com/zjy-dev/covhub/internal/logger"
	"github.com/zjy-dev/covhub/internal/pipeline"
	"github.com/zjy-dev/covhub/internal/report"
)

const (
	// DefaultMaxBodyBytes caps POST /merge bodies.
	DefaultMaxBodyBytes int64 = 100 << 20

	msgNotAnObject = "Please post an object with content-type: application/json"
	msgNoCoverage  = "No coverage data available. Please run some tests first."
)

// Options configures the handler.
type Options struct {
	// MaxBodyBytes limits the size of merge payloads.
	MaxBodyBytes int64
	// ResetOnGet also exposes GET /reset.
	ResetOnGet bool
}

// Server is the HTTP handler for the coverage endpoints. Routes are relative
// to wherever the handler is mounted.
type Server struct {
	pipeline *pipeline.Pipeline
	opts     Options
	mux      *http.ServeMux
	log      *logger.Logger
}

// New creates the handler.
func New(p *pipeline.Pipeline, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		pipeline: p,
		opts:     opts,
		mux:      http.NewServeMux(),
		log:      logger.Named("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /merge", s.handleMerge)
	s.mux.HandleFunc("POST /reset", s.handleReset)
	if s.opts.ResetOnGet {
		s.mux.HandleFunc("GET /reset", s.handleReset)
	}
	s.mux.HandleFunc("GET /object", s.handleObject)
	s.mux.HandleFunc("GET /lcov", s.handleLCOV)
	s.mux.HandleFunc("GET /download", s.handleDownload)
	s.mux.HandleFunc("GET /diff", s.handleDiffReport)
	s.mux.HandleFunc("GET /diff/info", s.handleDiffInfo)
	s.mux.Handle("GET /", http.FileServer(http.Dir(s.pipeline.OutputDir())))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Infof("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
}

type mergeResponse struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeText(w, http.StatusBadRequest, msgNotAnObject)
		return
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		writeJSON(w, http.StatusOK, mergeResponse{OK: true})
		return
	}
	snap, err := coverage.Parse(body)
	if err != nil {
		s.log.Debugf("rejected merge payload: %v", err)
		writeText(w, http.StatusBadRequest, msgNotAnObject)
		return
	}

	// Report generation outlives a disconnecting client.
	out := s.pipeline.Merge(context.WithoutCancel(r.Context()), snap)
	s.log.Debugf("merged %d file(s); %d now tracked", len(snap), out.Files)
	writeJSON(w, http.StatusOK, mergeResponse{OK: true, Warnings: out.Warnings})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.pipeline.Reset()
	writeJSON(w, http.StatusOK, mergeResponse{OK: true})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleLCOV(w http.ResponseWriter, r *http.Request) {
	data, err := s.pipeline.LCOV()
	if err != nil {
		if errors.Is(err, coverage.ErrNoCoverageData) {
			writeText(w, http.StatusNotFound, msgNoCoverage)
			return
		}
		s.log.Errorf("lcov generation failed: %v", err)
		writeText(w, http.StatusInternalServerError, "Error generating lcov report: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+report.LCOVFileName)
	http.ServeContent(w, r, report.LCOVFileName, time.Now(), bytes.NewReader(data))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	archive, err := s.pipeline.Bundle()
	if err != nil {
		if errors.Is(err, coverage.ErrNoCoverageData) {
			writeText(w, http.StatusNotFound, msgNoCoverage)
			return
		}
		s.log.Errorf("error creating download package: %v", err)
		writeText(w, http.StatusInternalServerError, "Error creating download package: "+err.Error())
		return
	}
	defer archive.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename=coverage.zip")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, archive); err != nil {
		s.log.Errorf("download interrupted: %v", err)
	}
}

func (s *Server) handleDiffReport(w http.ResponseWriter, r *http.Request) {
	path, err := s.pipeline.DiffReport()
	switch {
	case errors.Is(err, diffcover.ErrNotEnabled):
		writeText(w, http.StatusNotFound, "Differential coverage is not enabled")
		return
	case errors.Is(err, pipeline.ErrNoDiffReport):
		writeText(w, http.StatusNotFound, "Diff coverage report not generated yet. Please merge some coverage first.")
		return
	case err != nil:
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, path)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleDiffInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.pipeline.DiffInfo(r.Context())
	if err != nil {
		if errors.Is(err, diffcover.ErrNotEnabled) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		s.log.Errorf("diff info failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("server").Warnf("failed to write response: %v", err)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Health reports liveness for the whole application.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"coverage":  "enabled",
	})
}

// Mount registers h on mux under prefix, which must start with a slash.
func Mount(mux *http.ServeMux, prefix string, h http.Handler) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		mux.Handle("/", h)
		return
	}
	mux.Handle(prefix+"/", http.StripPrefix(prefix, h))
	mux.Handle(prefix, http.RedirectHandler(prefix+"/", http.StatusMovedPermanently))
}
