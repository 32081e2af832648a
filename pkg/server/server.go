// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the document store over HTTP. All routes live
// under /ns; operational endpoints (/health, /metrics) sit at the root.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/stratum/pkg/docstore"
	"github.com/kadirpekel/stratum/pkg/observability"
	"github.com/kadirpekel/stratum/pkg/searchstore"
	"github.com/kadirpekel/stratum/pkg/service"
	"github.com/kadirpekel/stratum/pkg/translator"
)

// Service is the operation surface the HTTP layer fronts.
type Service interface {
	CreateObjectStream(ctx context.Context, namespace, documentName string, body io.Reader) (*docstore.Meta, error)
	GetObjectMeta(ctx context.Context, namespace, id string) (*docstore.Meta, error)
	GetObjectBody(ctx context.Context, namespace, id string) (map[string]any, error)
	DeleteObject(ctx context.Context, namespace, id string) error
	ListNamespace(ctx context.Context, namespace string, limit int, cursor string) (*docstore.DocumentList, error)
	SetSearchSchema(ctx context.Context, namespace string, schema translator.Schema) error
	SearchObjects(ctx context.Context, namespace, filter string, opts searchstore.SearchOptions) ([]map[string]any, error)
	Namespaces() []string
}

// Server is the HTTP front of the document store.
type Server struct {
	service    Service
	metrics    *observability.Metrics
	logger     *slog.Logger
	address    string
	httpServer *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithAddress sets the listen address.
func WithAddress(address string) Option {
	return func(s *Server) {
		s.address = address
	}
}

// WithMetrics mounts the scrape endpoint.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a server fronting svc.
func New(svc Service, opts ...Option) *Server {
	s := &Server{
		service: svc,
		logger:  slog.Default(),
		address: ":8000",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	}

	r.Route("/ns", func(r chi.Router) {
		// Static route first; chi prefers it over the {namespace} match.
		r.Get("/get_namespaces", s.handleNamespaces)

		r.Route("/{namespace}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Put("/search-schema", s.handleSetSchema)
			r.Post("/search", s.handleSearch)

			r.Route("/objects", func(r chi.Router) {
				r.Get("/", s.handleList)
				r.Post("/", s.handleCreate)

				r.Route("/{objectID}", func(r chi.Router) {
					r.Get("/meta", s.handleMeta)
					r.Get("/body", s.handleBody)
					r.Delete("/", s.handleDelete)
				})
			})
		})
	})

	return r
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("http server starting", "address", s.address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	documentName := r.URL.Query().Get("document_name")

	meta, err := s.service.CreateObjectStream(r.Context(), namespace, documentName, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta.ID)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.service.GetObjectMeta(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "objectID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleBody(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetObjectBody(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "objectID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeleteObject(r.Context(),
		chi.URLParam(r, "namespace"), chi.URLParam(r, "objectID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, service.BadRequest("malformed limit %q", raw))
			return
		}
		limit = parsed
	}

	list, err := s.service.ListNamespace(r.Context(),
		chi.URLParam(r, "namespace"), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	var schema translator.Schema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		s.writeError(w, service.BadRequest("malformed schema body: %v", err))
		return
	}

	if err := s.service.SetSearchSchema(r.Context(), chi.URLParam(r, "namespace"), schema); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	filter, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		s.writeError(w, service.BadRequest("reading filter: %v", err))
		return
	}

	opts := searchstore.SearchOptions{}
	if raw := r.URL.Query().Get("size"); raw != "" {
		opts.Size, _ = strconv.Atoi(raw)
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		opts.From, _ = strconv.Atoi(raw)
	}

	docs, err := s.service.SearchObjects(r.Context(),
		chi.URLParam(r, "namespace"), string(filter), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Namespaces())
}

// writeError maps service error kinds onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch service.KindOf(err) {
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindInProgress:
		status = http.StatusAccepted
	case service.KindConflict:
		status = http.StatusConflict
	case service.KindBadRequest:
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		// Internal details stay out of responses.
		writeJSON(w, status, map[string]string{"detail": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start))
	})
}
