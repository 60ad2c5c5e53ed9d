package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsogym/huellad/internal/events"
	"github.com/pulsogym/huellad/internal/helper"
	"github.com/pulsogym/huellad/internal/journal"
	"github.com/pulsogym/huellad/internal/supabase"
	"github.com/pulsogym/huellad/internal/version"
)

// Stable error codes surfaced to the frontend. These must not change: the
// frontend branches on them.
const (
	codeClientIDRequired        = "client_id requerido"
	codeReaderUnavailable       = "reader_unavailable"
	codeCaptureFailed           = "capture_failed"
	codeHelperTimeout           = "helper_timeout"
	codeHelperNonJSON           = "helper_non_json"
	codeInvalidJSON             = "invalid_json"
	codeInvalidEncryption       = "invalid_encryption_fields"
	codeSupabaseInsertFailed    = "supabase_insert_failed"
	codeSupabaseInsertException = "supabase_insert_exception"
)

type healthResponse struct {
	Status          string `json:"status"`
	DeviceConnected bool   `json:"device_connected"`
	Helper          string `json:"helper"`
	Error           string `json:"error,omitempty"`
}

// handleHealth reports helper and device connectivity. It always answers
// 200: a broken or absent helper is a reportable condition, not a server
// error, because the frontend polls this endpoint to render status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	outcome := s.runner.Run(context.Background(), []string{helper.ArgCheck}, s.cfg.HealthTimeout)
	s.healthChecks.Inc(outcome.Kind.String())

	resp := healthResponse{Status: "ok", Helper: "ok"}
	switch outcome.Kind {
	case helper.OutcomeSuccess:
		resp.DeviceConnected = true
		if v, ok := outcome.Payload["device_connected"].(bool); ok {
			resp.DeviceConnected = v
		}
	case helper.OutcomeSpawnFailure:
		resp.Helper = "unavailable"
		resp.Error = outcome.Message
	case helper.OutcomeHelperError:
		resp.Error = helperErrorCode(outcome.Detail)
	case helper.OutcomeTimeout:
		resp.Error = codeHelperTimeout
	case helper.OutcomeNonZeroExit:
		resp.Error = codeHelperNonJSON
	case helper.OutcomeInvalidOutput:
		resp.Error = codeInvalidJSON
	}

	writeJSON(w, http.StatusOK, resp)
}

type enrollRequest struct {
	ClientID    string
	FingerLabel string
}

// parseEnrollRequest validates the request body before anything is spawned.
// client_id must be present and a non-empty string.
func parseEnrollRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (enrollRequest, bool) {
	var body map[string]any
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := decoder.Decode(&body); err != nil {
		return enrollRequest{}, false
	}

	clientID, ok := body["client_id"].(string)
	if !ok || strings.TrimSpace(clientID) == "" {
		return enrollRequest{}, false
	}

	fingerLabel, _ := body["finger_label"].(string)
	return enrollRequest{ClientID: clientID, FingerLabel: fingerLabel}, true
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}

	req, ok := parseEnrollRequest(w, r, s.cfg.MaxBodyBytes)
	if !ok {
		writeError(w, http.StatusBadRequest, codeClientIDRequired, nil)
		return
	}

	captureID := uuid.NewString()
	s.hub.Publish(events.Event{
		Type:        events.TypeCaptureStarted,
		CaptureID:   captureID,
		ClientID:    req.ClientID,
		FingerLabel: req.FingerLabel,
	})

	// Deliberately not derived from the request context: an early client
	// disconnect does not cancel an in-flight capture session. The helper's
	// own timeout is the only cancellation primitive.
	outcome := s.runner.Run(context.Background(), []string{helper.ArgEnroll}, s.cfg.EnrollTimeout)
	s.captures.Inc(outcome.Kind.String())

	status, errCode, supabaseID := s.respondEnroll(w, req, outcome)

	s.recordAttempt(journal.Attempt{
		ID:          captureID,
		ClientID:    req.ClientID,
		FingerLabel: req.FingerLabel,
		Outcome:     outcome.Kind.String(),
		ErrorCode:   errCode,
		SupabaseID:  supabaseID,
	})
	s.hub.Publish(events.Event{
		Type:        events.TypeCaptureFinished,
		CaptureID:   captureID,
		ClientID:    req.ClientID,
		FingerLabel: req.FingerLabel,
		Status:      finishStatus(status, errCode),
	})
}

// respondEnroll maps a helper outcome onto the wire protocol and writes the
// response. It returns the HTTP status, the stable error code (empty on
// success), and the remote row id (when persisted) for journaling.
func (s *Server) respondEnroll(w http.ResponseWriter, req enrollRequest, outcome helper.Outcome) (int, string, string) {
	switch outcome.Kind {
	case helper.OutcomeSpawnFailure:
		writeError(w, http.StatusServiceUnavailable, codeReaderUnavailable, outcome.Message)
		return http.StatusServiceUnavailable, codeReaderUnavailable, ""

	case helper.OutcomeHelperError:
		code := helperErrorCode(outcome.Detail)
		writeError(w, http.StatusUnprocessableEntity, code, outcome.Detail)
		return http.StatusUnprocessableEntity, code, ""

	case helper.OutcomeTimeout:
		writeError(w, http.StatusGatewayTimeout, codeHelperTimeout, nil)
		return http.StatusGatewayTimeout, codeHelperTimeout, ""

	case helper.OutcomeNonZeroExit:
		detail := map[string]any{
			"exit_code":   outcome.ExitCode,
			"stderr_tail": outcome.StderrTail,
			"stdout_tail": outcome.StdoutTail,
		}
		writeError(w, http.StatusBadGateway, codeHelperNonJSON, detail)
		return http.StatusBadGateway, codeHelperNonJSON, ""

	case helper.OutcomeInvalidOutput:
		writeError(w, http.StatusBadGateway, codeInvalidJSON, nil)
		return http.StatusBadGateway, codeInvalidJSON, ""

	case helper.OutcomeSuccess:
		return s.respondEnrollSuccess(w, req, outcome.Payload)

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
		return http.StatusInternalServerError, "internal_error", ""
	}
}

func (s *Server) respondEnrollSuccess(w http.ResponseWriter, req enrollRequest, raw map[string]any) (int, string, string) {
	if s.bridge == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"client_id": req.ClientID,
			"upload":    "skipped",
			"json":      raw,
		})
		return http.StatusOK, "", ""
	}

	payload := helper.PayloadFromMap(raw)
	id, err := s.bridge.Persist(context.Background(), req.ClientID, req.FingerLabel, payload)
	if err != nil {
		if errors.Is(err, helper.ErrMissingEncryptionFields) {
			writeError(w, http.StatusBadRequest, codeInvalidEncryption, nil)
			return http.StatusBadRequest, codeInvalidEncryption, ""
		}
		if storeErr, ok := supabase.IsStoreError(err); ok {
			writeError(w, http.StatusInternalServerError, codeSupabaseInsertFailed, storeErr.Body)
			return http.StatusInternalServerError, codeSupabaseInsertFailed, ""
		}
		writeError(w, http.StatusInternalServerError, codeSupabaseInsertException, err.Error())
		return http.StatusInternalServerError, codeSupabaseInsertException, ""
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"client_id":   req.ClientID,
		"supabase_id": id,
		"json":        raw,
	})
	return http.StatusOK, "", id
}

func (s *Server) handleCapturesRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_not_configured", nil)
		return
	}

	limit, err := parseLimit(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}

	attempts, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("[Server] journal read failed: %v", err)
		writeError(w, http.StatusInternalServerError, "journal_read_failed", nil)
		return
	}

	out := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, map[string]any{
			"id":           a.ID,
			"client_id":    a.ClientID,
			"finger_label": a.FingerLabel,
			"outcome":      a.Outcome,
			"error_code":   a.ErrorCode,
			"supabase_id":  a.SupabaseID,
			"created_at":   a.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": out})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write(s.exporter.Export())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version.String()})
}

// recordAttempt journals the attempt when a journal is configured. Journal
// failures are logged, never surfaced: auditing must not break captures.
func (s *Server) recordAttempt(a journal.Attempt) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, a); err != nil {
		log.Printf("[Server] failed to journal attempt %s: %v", a.ID, err)
	}
}

// helperErrorCode picks the helper's own error code out of its structured
// error object, falling back to the generic capture_failed.
func helperErrorCode(detail map[string]any) string {
	if code, ok := detail["error"].(string); ok && strings.TrimSpace(code) != "" {
		return code
	}
	return codeCaptureFailed
}

func finishStatus(status int, errCode string) string {
	if status == http.StatusOK {
		return "success"
	}
	return errCode
}

func parseLimit(query url.Values) (int, error) {
	raw := strings.TrimSpace(query.Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return 0, errors.New("value must be non-negative")
	}
	return limit, nil
}
