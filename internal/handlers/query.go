package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/farmx/apiserver/internal/delegate"
	"github.com/farmx/apiserver/internal/services"
	"github.com/farmx/apiserver/types"
)

const codeInvalidInput = "invalid_input"

// QueryHandler exposes the assistant endpoints backed by the analysis worker.
type QueryHandler struct {
	queries       *services.QueryService
	exposeDetails bool
}

// NewQueryHandler constructs a QueryHandler. When exposeDetails is set, the
// worker's error output is returned to callers of the legacy endpoint.
func NewQueryHandler(queries *services.QueryService, exposeDetails bool) *QueryHandler {
	return &QueryHandler{queries: queries, exposeDetails: exposeDetails}
}

// QueryRouter registers both assistant endpoints.
func QueryRouter(r chi.Router, h *QueryHandler) {
	r.Post("/query", h.Query)
	r.Post("/ai/query", h.AIQuery)
}

// Query answers {prompt} with {result}.
//
// Deprecated: clients should call AIQuery, which returns structured output.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidInput, "invalid request")
		return
	}

	result, err := h.queries.Query(r.Context(), req.Prompt)
	if err != nil {
		h.writeQueryError(w, err, h.exposeDetails)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: result})
}

// AIQuery answers {text} with {status, result:{response, sources}}.
func (h *QueryHandler) AIQuery(w http.ResponseWriter, r *http.Request) {
	var req AIQueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidInput, "invalid request")
		return
	}

	result, err := h.queries.Ask(r.Context(), req.Text)
	if err != nil {
		h.writeQueryError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, types.AIQueryResponse{Status: "success", Result: result})
}

func (h *QueryHandler) writeQueryError(w http.ResponseWriter, err error, withDetails bool) {
	if errors.Is(err, services.ErrInvalidInput) {
		writeErrorCode(w, http.StatusBadRequest, codeInvalidInput, "prompt is required")
		return
	}

	var de *delegate.Error
	if !errors.As(err, &de) {
		writeErrorCode(w, http.StatusInternalServerError, "internal_error", "query failed")
		return
	}

	status, message := delegateStatus(de.Code)
	if de.Retryable() && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	resp := ErrorResponse{Error: message, Code: string(de.Code)}
	if withDetails && de.Code == delegate.CodeExecutionFailed {
		resp.Details = de.Detail
	}
	writeJSON(w, status, resp)
}

func delegateStatus(code delegate.Code) (int, string) {
	switch code {
	case delegate.CodeUnavailable:
		return http.StatusServiceUnavailable, "analysis engine unavailable"
	case delegate.CodeBusy:
		return http.StatusServiceUnavailable, "analysis engine busy"
	case delegate.CodeTimeout:
		return http.StatusGatewayTimeout, "analysis timed out"
	case delegate.CodeCanceled:
		return http.StatusServiceUnavailable, "request canceled"
	case delegate.CodeOutputMalformed:
		return http.StatusInternalServerError, "analysis returned malformed output"
	default:
		return http.StatusInternalServerError, "analysis failed"
	}
}

type QueryRequest struct {
	Prompt string `json:"prompt"`
}

type QueryResponse struct {
	Result string `json:"result"`
}

type AIQueryRequest struct {
	Text string `json:"text"`
}
