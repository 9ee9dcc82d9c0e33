// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/changeflow/internal/adapters/server/common"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	workflow common.WorkflowService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// NewHandler constructs one HTTP API adapter over the workflow service.
func NewHandler(workflow common.WorkflowService) *Handler {
	return &Handler{workflow: workflow}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.workflow == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "workflow service is not configured",
		})
		return
	}

	path := normalizePath(r.URL.Path)
	switch {
	case path == "steps/run":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleRunStep(w, r)
		return
	default:
		id, rest, ok := resolveWorkItemPath(path)
		if !ok {
			writeJSONError(w, http.StatusNotFound, APIError{
				Code:    "not_found",
				Message: "endpoint not found",
			})
			return
		}
		switch rest {
		case "":
			if r.Method != http.MethodGet {
				writeMethodNotAllowed(w, http.MethodGet)
				return
			}
			h.handleGetWorkItem(w, r, id)
		case "journal":
			switch r.Method {
			case http.MethodGet:
				h.handleListJournal(w, r, id)
			case http.MethodPost:
				h.handleAddJournalEntry(w, r, id)
			default:
				writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
			}
		default:
			writeJSONError(w, http.StatusNotFound, APIError{
				Code:    "not_found",
				Message: "endpoint not found",
			})
		}
	}
}

// handleRunStep serves POST `/steps/run`.
func (h *Handler) handleRunStep(w http.ResponseWriter, r *http.Request) {
	var req common.RunStepRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	res, err := h.workflow.RunStep(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetWorkItem serves GET `/work_items/{id}`.
func (h *Handler) handleGetWorkItem(w http.ResponseWriter, r *http.Request, id string) {
	item, err := h.workflow.GetWorkItem(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleListJournal serves GET `/work_items/{id}/journal`.
func (h *Handler) handleListJournal(w http.ResponseWriter, r *http.Request, id string) {
	req := common.ListJournalRequest{WorkItemID: id}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		req.Limit = limit
	}
	entries, err := h.workflow.ListJournal(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

// handleAddJournalEntry serves POST `/work_items/{id}/journal`.
func (h *Handler) handleAddJournalEntry(w http.ResponseWriter, r *http.Request, id string) {
	var req common.AddJournalEntryRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	req.WorkItemID = id
	entry, err := h.workflow.AddJournalEntry(r.Context(), req)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// resolveWorkItemPath parses `work_items/{id}[/rest]`.
func resolveWorkItemPath(path string) (string, string, bool) {
	const prefix = "work_items/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	id, rest, _ := strings.Cut(strings.TrimPrefix(path, prefix), "/")
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(rest, "/") {
		return "", "", false
	}
	return id, rest, true
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
	case errors.Is(err, common.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, common.ErrNoRuleConfig):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "no_rule_config",
			Message: err.Error(),
			Hint:    "Add a [[config]] block for the project and task, or a wildcard block.",
			Context: map[string]any{"outcome": "ERROR"},
		})
	case errors.Is(err, common.ErrMalformedRule):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "malformed_rule",
			Message: err.Error(),
			Context: map[string]any{"outcome": "ERROR"},
		})
	case errors.Is(err, common.ErrDocumentUnreadable):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "document_unreadable",
			Message: err.Error(),
			Context: map[string]any{"outcome": "ERROR"},
		})
	case errors.Is(err, common.ErrPersistFailed):
		writeJSONError(w, http.StatusUnprocessableEntity, APIError{
			Code:    "persist_failed",
			Message: err.Error(),
			Context: map[string]any{"outcome": "ERROR"},
		})
	case errors.Is(err, common.ErrUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: err.Error(),
		})
	default:
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: err.Error(),
		})
	}
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}
