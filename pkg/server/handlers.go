package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/parallaxdata/skiff/pkg/catalog"
	"github.com/parallaxdata/skiff/pkg/datasource"
	"github.com/parallaxdata/skiff/pkg/engine"
	"github.com/parallaxdata/skiff/pkg/schema"
	"github.com/parallaxdata/skiff/pkg/server/metrics"
	"github.com/parallaxdata/skiff/pkg/sqlpath"
)

type queryRequest struct {
	SQL         string   `json:"sql"`
	Datasources []string `json:"datasources,omitempty"`
}

type queryResponse struct {
	QueryID  string       `json:"query_id"`
	Columns  []string     `json:"columns"`
	Rows     []engine.Row `json:"rows"`
	RowCount int          `json:"row_count"`
	Warnings []string     `json:"warnings,omitempty"`
}

type schemasResponse struct {
	Schemas  map[string]*schema.Schema `json:"schemas"`
	Warnings []string                  `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	slug := r.PathValue("slug")

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.SQL == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "sql is required")
		return
	}

	result, err := s.cfg.Coordinator.EnsureAttachedAndCached(r.Context(), slug, req.Datasources, nil)
	if err != nil {
		s.orchestrationError(w, slug, err)
		metrics.QueriesTotal.WithLabelValues("orchestration_error").Inc()
		return
	}
	countWarnings(result.Warnings)

	view := result.Cache
	if err := sqlpath.ValidateReferencedDatasources(req.SQL, view.AttachedDatabaseNames()); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "unattached_datasource", err.Error())
		metrics.QueriesTotal.WithLabelValues("validation_error").Inc()
		return
	}
	if err := sqlpath.ValidateTableExistence(req.SQL, view); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "unknown_table", err.Error())
		metrics.QueriesTotal.WithLabelValues("validation_error").Inc()
		return
	}

	rewritten := sqlpath.Rewrite(req.SQL, view)
	if rewritten != req.SQL {
		s.log.Debug("rewrote query paths", "conversation", slug, "sql", rewritten)
	}

	qr, err := s.cfg.Engine.Query(r.Context(), rewritten)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "query_error", err.Error())
		metrics.QueriesTotal.WithLabelValues("engine_error").Inc()
		return
	}

	queryID := s.cfg.Results.Store(slug, req.SQL, qr.Columns, qr.Rows)

	preview := qr.Rows
	if len(preview) > s.cfg.PreviewRows {
		preview = preview[:s.cfg.PreviewRows]
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	metrics.QueryDuration.Observe(time.Since(start).Seconds())

	s.writeJSON(w, http.StatusOK, queryResponse{
		QueryID:  queryID,
		Columns:  qr.Columns,
		Rows:     preview,
		RowCount: qr.Count,
		Warnings: warningMessages(result.Warnings),
	})
}

func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	explicit := r.URL.Query()["datasource"]
	result, err := s.cfg.Coordinator.Orchestrate(r.Context(), slug, explicit)
	if err != nil {
		s.orchestrationError(w, slug, err)
		return
	}
	countWarnings(result.Warnings)

	s.writeJSON(w, http.StatusOK, schemasResponse{
		Schemas:  result.Cache.ToSimpleSchemas(result.DatasourceIDs()),
		Warnings: warningMessages(result.Warnings),
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	id := r.PathValue("id")

	record, ok := s.cfg.Results.Get(slug, id)
	if !ok {
		metrics.ResultCacheMissesTotal.Inc()
		s.writeError(w, http.StatusNotFound, "not_found", "query result not found: "+id)
		return
	}
	metrics.ResultCacheHitsTotal.Inc()
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) orchestrationError(w http.ResponseWriter, slug string, err error) {
	s.log.Error("orchestration failed", "conversation", slug, "error", err)
	status := http.StatusInternalServerError
	if errors.Is(err, datasource.ErrConversationNotFound) {
		status = http.StatusNotFound
	}
	if errors.Is(err, catalog.ErrWorkspaceUnresolved) {
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, status, "orchestration_error", err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func countWarnings(warnings []catalog.Warning) {
	for _, warning := range warnings {
		metrics.AttachWarningsTotal.WithLabelValues(string(warning.Stage)).Inc()
	}
}

func warningMessages(warnings []catalog.Warning) []string {
	if len(warnings) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(warnings))
	for _, warning := range warnings {
		msgs = append(msgs, warning.Message())
	}
	return msgs
}
