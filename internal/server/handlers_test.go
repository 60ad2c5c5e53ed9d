package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pulsogym/huellad/internal/config"
	"github.com/pulsogym/huellad/internal/enroll"
	"github.com/pulsogym/huellad/internal/helper"
	"github.com/pulsogym/huellad/internal/journal"
	"github.com/pulsogym/huellad/internal/supabase"
)

// spyRunner records invocations and plays back a scripted outcome.
type spyRunner struct {
	calls       int
	lastArgs    []string
	lastTimeout time.Duration
	outcome     helper.Outcome
}

func (s *spyRunner) Run(ctx context.Context, args []string, timeout time.Duration) helper.Outcome {
	s.calls++
	s.lastArgs = args
	s.lastTimeout = timeout
	return s.outcome
}

func testConfig() config.Config {
	return config.Config{
		Port:          0,
		SupabaseTable: "huellas",
		HealthTimeout: config.DefaultHealthTimeout,
		EnrollTimeout: config.DefaultEnrollTimeout,
		MaxBodyBytes:  config.DefaultMaxBodyBytes,
	}
}

func newTestServer(t *testing.T, runner CaptureRunner, bridge *enroll.Bridge, jnl AttemptJournal) http.Handler {
	t.Helper()
	return New(testConfig(), runner, bridge, jnl).Handler()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v: %s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func successPayload() map[string]any {
	return map[string]any{
		"ok":                 true,
		"format":             "iso",
		"enc_nonce_b64":      "AA",
		"enc_tag_b64":        "BB",
		"enc_ciphertext_b64": "CC",
	}
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

func TestHealthNeverFails(t *testing.T) {
	outcomes := []helper.Outcome{
		{Kind: helper.OutcomeSuccess, Payload: successPayload()},
		{Kind: helper.OutcomeSpawnFailure, Message: "helper not found"},
		{Kind: helper.OutcomeTimeout},
		{Kind: helper.OutcomeNonZeroExit, ExitCode: 3},
		{Kind: helper.OutcomeInvalidOutput},
		{Kind: helper.OutcomeHelperError, Detail: map[string]any{"error": "device_busy"}},
	}

	for _, outcome := range outcomes {
		handler := newTestServer(t, &spyRunner{outcome: outcome}, nil, nil)
		rec, body := doJSON(t, handler, http.MethodGet, "/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("health must stay 200 for outcome %s, got %d", outcome.Kind, rec.Code)
		}
		if body["status"] != "ok" {
			t.Fatalf("unexpected status field: %v", body["status"])
		}
	}
}

func TestHealthReportsHelperUnavailable(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSpawnFailure, Message: "helper not found"}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["helper"] != "unavailable" {
		t.Fatalf("expected helper unavailable, got %v", body["helper"])
	}
	if body["device_connected"] != false {
		t.Fatalf("device must not report connected")
	}
	if body["error"] != "helper not found" {
		t.Fatalf("unexpected error field: %v", body["error"])
	}
}

func TestHealthUsesCheckArgAndShortTimeout(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, nil, nil)

	_, body := doJSON(t, handler, http.MethodGet, "/health", "")
	if spy.calls != 1 || len(spy.lastArgs) != 1 || spy.lastArgs[0] != helper.ArgCheck {
		t.Fatalf("expected one check invocation, got %d %v", spy.calls, spy.lastArgs)
	}
	if spy.lastTimeout != config.DefaultHealthTimeout {
		t.Fatalf("unexpected health timeout %s", spy.lastTimeout)
	}
	if body["device_connected"] != true {
		t.Fatalf("expected device connected on success")
	}
}

func TestHealthHonoursDeviceConnectedField(t *testing.T) {
	payload := successPayload()
	payload["device_connected"] = false
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: payload}}
	handler := newTestServer(t, spy, nil, nil)

	_, body := doJSON(t, handler, http.MethodGet, "/health", "")
	if body["device_connected"] != false {
		t.Fatalf("helper-reported device state must win")
	}
}

// ---------------------------------------------------------------------------
// enroll: validation
// ---------------------------------------------------------------------------

func TestEnrollRequiresClientID(t *testing.T) {
	bodies := []string{
		`{}`,
		`{"client_id": ""}`,
		`{"client_id": "   "}`,
		`{"client_id": 42}`,
		`{"finger_label": "thumb"}`,
		`not json`,
	}
	for _, body := range bodies {
		spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
		handler := newTestServer(t, spy, nil, nil)

		rec, decoded := doJSON(t, handler, http.MethodPost, "/enroll", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
		if decoded["error"] != "client_id requerido" {
			t.Fatalf("body %q: unexpected error %v", body, decoded["error"])
		}
		if spy.calls != 0 {
			t.Fatalf("body %q: helper must not be invoked on validation failure", body)
		}
	}
}

func TestEnrollUsesEnrollArgAndLongTimeout(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, nil, nil)

	doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if len(spy.lastArgs) != 1 || spy.lastArgs[0] != helper.ArgEnroll {
		t.Fatalf("unexpected helper args %v", spy.lastArgs)
	}
	if spy.lastTimeout != config.DefaultEnrollTimeout {
		t.Fatalf("unexpected enroll timeout %s", spy.lastTimeout)
	}
}

// ---------------------------------------------------------------------------
// enroll: outcome mapping
// ---------------------------------------------------------------------------

func TestEnrollHelperAbsent(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSpawnFailure, Message: "helper not found"}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body["error"] != "reader_unavailable" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestEnrollSuccessWithoutStore(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["status"] != "success" || body["client_id"] != "c1" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["upload"] != "skipped" {
		t.Fatalf("expected upload skipped, got %v", body["upload"])
	}
	payload, ok := body["json"].(map[string]any)
	if !ok || payload["format"] != "iso" {
		t.Fatalf("payload not passed through: %v", body["json"])
	}
}

func TestEnrollHelperReportedError(t *testing.T) {
	detail := map[string]any{"ok": false, "error": "no_finger"}
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeHelperError, Detail: detail}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if body["error"] != "no_finger" {
		t.Fatalf("helper error code must be forwarded, got %v", body["error"])
	}
	forwarded, ok := body["detail"].(map[string]any)
	if !ok || forwarded["error"] != "no_finger" {
		t.Fatalf("helper detail not forwarded: %v", body["detail"])
	}
}

func TestEnrollHelperErrorWithoutCodeFallsBack(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeHelperError, Detail: map[string]any{"ok": false}}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if body["error"] != "capture_failed" {
		t.Fatalf("expected capture_failed fallback, got %v", body["error"])
	}
}

func TestEnrollTimeout(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeTimeout}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if body["error"] != "helper_timeout" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestEnrollNonZeroExit(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{
		Kind:       helper.OutcomeNonZeroExit,
		ExitCode:   3,
		StderrTail: "sensor detached",
	}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if body["error"] != "helper_non_json" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	detail, ok := body["detail"].(map[string]any)
	if !ok || detail["exit_code"] != float64(3) || detail["stderr_tail"] != "sensor detached" {
		t.Fatalf("diagnostic detail missing: %v", body["detail"])
	}
}

func TestEnrollInvalidOutput(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeInvalidOutput}}
	handler := newTestServer(t, spy, nil, nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if body["error"] != "invalid_json" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

// ---------------------------------------------------------------------------
// enroll: persistence bridge
// ---------------------------------------------------------------------------

// countingStoreServer fakes the Supabase REST surface and counts writes.
func countingStoreServer(t *testing.T, status int, responseBody string) (*httptest.Server, *int) {
	t.Helper()
	calls := new(int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(status)
		_, _ = w.Write([]byte(responseBody))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func bridgeFor(url string) *enroll.Bridge {
	return enroll.New(supabase.New(url, "service-key"), "huellas")
}

func TestEnrollPersistSuccess(t *testing.T) {
	store, calls := countingStoreServer(t, http.StatusCreated, `[{"id":"row-7"}]`)
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, bridgeFor(store.URL), nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1","finger_label":"thumb_right"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	if body["supabase_id"] != "row-7" {
		t.Fatalf("expected supabase_id, got %v", body)
	}
	if *calls != 1 {
		t.Fatalf("expected exactly one store call, got %d", *calls)
	}
}

func TestEnrollPersistMissingEncryptionFields(t *testing.T) {
	store, calls := countingStoreServer(t, http.StatusCreated, `[{"id":"row-7"}]`)

	payload := successPayload()
	delete(payload, "enc_tag_b64")
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: payload}}
	handler := newTestServer(t, spy, bridgeFor(store.URL), nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["error"] != "invalid_encryption_fields" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if *calls != 0 {
		t.Fatalf("store must never be called with incomplete encryption fields, got %d calls", *calls)
	}
}

func TestEnrollPersistStoreFailure(t *testing.T) {
	store, _ := countingStoreServer(t, http.StatusInternalServerError, `{"message":"backend down"}`)
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, bridgeFor(store.URL), nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["error"] != "supabase_insert_failed" {
		t.Fatalf("unexpected error %v", body["error"])
	}
	if detail, ok := body["detail"].(string); !ok || !strings.Contains(detail, "backend down") {
		t.Fatalf("store message not attached: %v", body["detail"])
	}
}

func TestEnrollPersistTransportFailure(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, bridgeFor("http://127.0.0.1:1"), nil)

	rec, body := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body["error"] != "supabase_insert_exception" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

// ---------------------------------------------------------------------------
// journal + responsiveness
// ---------------------------------------------------------------------------

func TestEnrollJournalsAttempt(t *testing.T) {
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer jnl.Close()

	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, nil, jnl)

	doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1","finger_label":"thumb_left"}`)

	rec, body := doJSON(t, handler, http.MethodGet, "/captures/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	captures, ok := body["captures"].([]any)
	if !ok || len(captures) != 1 {
		t.Fatalf("expected one journaled attempt, got %v", body["captures"])
	}
	attempt := captures[0].(map[string]any)
	if attempt["client_id"] != "c1" || attempt["outcome"] != "success" {
		t.Fatalf("unexpected attempt %v", attempt)
	}
	if attempt["id"] == "" {
		t.Fatalf("attempt must carry a capture id")
	}
}

func TestCapturesRecentWithoutJournal(t *testing.T) {
	handler := newTestServer(t, &spyRunner{}, nil, nil)
	rec, body := doJSON(t, handler, http.MethodGet, "/captures/recent", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body["error"] != "journal_not_configured" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestServerStaysResponsiveAfterHelperFailure(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSpawnFailure, Message: "helper not found"}}
	handler := newTestServer(t, spy, nil, nil)

	for i := 0; i < 3; i++ {
		if rec, _ := doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("enroll attempt %d: expected 503, got %d", i, rec.Code)
		}
	}
	if rec, _ := doJSON(t, handler, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must still answer 200 after failures, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// methods + CORS
// ---------------------------------------------------------------------------

func TestMethodRestrictions(t *testing.T) {
	handler := newTestServer(t, &spyRunner{}, nil, nil)

	cases := []struct {
		method, path string
	}{
		{http.MethodPost, "/health"},
		{http.MethodGet, "/enroll"},
		{http.MethodPut, "/enroll"},
		{http.MethodDelete, "/captures/recent"},
	}
	for _, tc := range cases {
		rec, _ := doJSON(t, handler, tc.method, tc.path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := newTestServer(t, &spyRunner{}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/enroll", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("localhost origin must be allowed, got %q", got)
	}
}

func TestCORSDeniesUnknownOrigin(t *testing.T) {
	handler := newTestServer(t, &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin must not be allowed, got %q", got)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://admin.pulsogym.example"}
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := New(cfg, spy, nil, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://admin.pulsogym.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.pulsogym.example" {
		t.Fatalf("configured origin must be allowed, got %q", got)
	}
}

func TestMetricsCountCaptures(t *testing.T) {
	spy := &spyRunner{outcome: helper.Outcome{Kind: helper.OutcomeSuccess, Payload: successPayload()}}
	handler := newTestServer(t, spy, nil, nil)

	doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c1"}`)
	doJSON(t, handler, http.MethodPost, "/enroll", `{"client_id":"c2"}`)
	doJSON(t, handler, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`huellad_captures_total{outcome="success"} 2`,
		`huellad_health_checks_total{outcome="success"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing metric line %q in:\n%s", want, out)
		}
	}
}

func TestVersionEndpoint(t *testing.T) {
	handler := newTestServer(t, &spyRunner{}, nil, nil)
	rec, body := doJSON(t, handler, http.MethodGet, "/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["version"] == "" {
		t.Fatalf("version missing")
	}
}
