// Copyright 2025 ArchPilot
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"archpilot/platform/shared/logger"
)

// Server exposes the engine over HTTP: a blocking design endpoint, a
// streaming variant framed as Server-Sent Events, and operational
// introspection endpoints.
type Server struct {
	service *Service
	log     *logger.Logger
	handler http.Handler
}

// NewServer builds the HTTP surface. gatherer serves /metrics; pass
// the registry the engine metrics were registered on.
func NewServer(service *Service, log *logger.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = logger.New("http")
	}
	s := &Server{service: service, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/design", s.handleDesign).Methods(http.MethodPost)
	r.HandleFunc("/design-stream", s.handleDesignStream).Methods(http.MethodPost)
	r.HandleFunc("/pool/stats", s.handlePoolStats).Methods(http.MethodGet)
	r.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(r)
	return s
}

// Handler returns the routable handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (DesignRequest, bool) {
	var req DesignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return req, false
	}
	return req, true
}

// handleDesign runs the pipeline to completion and returns the result
// bundle as JSON. The event feed is drained internally.
func (s *Server) handleDesign(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	sink := NewSink()
	go drain(sink)

	bundle, err := s.service.Run(r.Context(), req, sink)
	if err != nil {
		status := http.StatusBadGateway
		var perr *PipelineError
		if errors.As(err, &perr) && perr.Kind == KindRevisionLimitExceeded {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// handleDesignStream runs the pipeline and pushes the live event feed
// as SSE: one `data:` line of JSON per event.
func (s *Server) handleDesignStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := NewSink()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.service.Run(r.Context(), req, sink)
	}()

	events := sink.Subscribe()
	for {
		select {
		case ev, open := <-events:
			if !open {
				<-done
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			// Client gone: keep draining so in-flight publishers
			// are never blocked on this sink.
			go drain(sink)
			<-done
			return
		}
	}
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.PoolStats())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.CacheStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// drain consumes a sink's feed and discards it.
func drain(sink *Sink) {
	for range sink.Subscribe() {
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
