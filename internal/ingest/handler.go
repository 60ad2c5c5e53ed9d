// Package ingest is the standalone remote-insert endpoint: it receives an
// already-captured payload from an upstream agent instead of driving the
// helper itself, validates it, and inserts a row into the remote store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/pulsogym/huellad/internal/enroll"
	"github.com/pulsogym/huellad/internal/helper"
	"github.com/pulsogym/huellad/internal/supabase"
)

// envelope is the response wrapper for every ingest reply.
type envelope struct {
	OK     bool   `json:"ok"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// Handler serves the single ingest route.
type Handler struct {
	bridge         *enroll.Bridge
	allowedOrigins []string
	maxBodyBytes   int64
}

// New creates the ingest handler.
func New(bridge *enroll.Bridge, allowedOrigins []string, maxBodyBytes int64) *Handler {
	return &Handler{
		bridge:         bridge,
		allowedOrigins: allowedOrigins,
		maxBodyBytes:   maxBodyBytes,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if h.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	}

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", "POST,OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		h.handleInsert(w, r)
	default:
		writeEnvelope(w, http.StatusMethodNotAllowed, envelope{OK: false, Error: "method_not_allowed"})
	}
}

type insertRequest struct {
	ClienteID   string         `json:"cliente_id"`
	FingerLabel string         `json:"finger_label"`
	JSON        map[string]any `json:"json"`
}

func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid_body", Detail: err.Error()})
		return
	}

	if strings.TrimSpace(req.ClienteID) == "" {
		writeEnvelope(w, http.StatusBadRequest, envelope{OK: false, Error: "cliente_id requerido"})
		return
	}
	if req.JSON == nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{OK: false, Error: "json requerido"})
		return
	}

	// An upstream-reported capture failure is forwarded, not stored.
	if ok, present := req.JSON["ok"].(bool); present && !ok {
		code := "capture_failed"
		if e, isStr := req.JSON["error"].(string); isStr && strings.TrimSpace(e) != "" {
			code = e
		}
		writeEnvelope(w, http.StatusUnprocessableEntity, envelope{OK: false, Error: code, Detail: req.JSON})
		return
	}

	payload := helper.PayloadFromMap(req.JSON)
	id, err := h.bridge.PersistInsert(context.Background(), req.ClienteID, req.FingerLabel, payload)
	if err != nil {
		if errors.Is(err, helper.ErrMissingEncryptionFields) {
			writeEnvelope(w, http.StatusBadRequest, envelope{OK: false, Error: "invalid_encryption_fields"})
			return
		}
		if storeErr, ok := supabase.IsStoreError(err); ok {
			writeEnvelope(w, http.StatusInternalServerError, envelope{OK: false, Error: "supabase_insert_failed", Detail: storeErr.Body})
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, envelope{OK: false, Error: "supabase_insert_exception", Detail: err.Error()})
		return
	}

	writeEnvelope(w, http.StatusCreated, envelope{OK: true, ID: id})
}

func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}
	return false
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
