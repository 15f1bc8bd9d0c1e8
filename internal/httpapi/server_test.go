package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/tape/internal/db"
	"horse.fit/tape/internal/orch"
	"horse.fit/tape/internal/resolve"
)

func TestParsePositiveInt(t *testing.T) {
	t.Parallel()

	if got, err := parsePositiveInt("", 50, 1, 200); err != nil || got != 50 {
		t.Fatalf("expected default 50, got %d err=%v", got, err)
	}
	if got, err := parsePositiveInt("120", 50, 1, 200); err != nil || got != 120 {
		t.Fatalf("expected 120, got %d err=%v", got, err)
	}
	if _, err := parsePositiveInt("0", 50, 1, 200); err == nil {
		t.Fatalf("expected below-minimum value to be rejected")
	}
	if _, err := parsePositiveInt("201", 50, 1, 200); err == nil {
		t.Fatalf("expected above-maximum value to be rejected")
	}
	if _, err := parsePositiveInt("abc", 50, 1, 200); err == nil {
		t.Fatalf("expected non-integer value to be rejected")
	}
}

func TestParseDelayParam(t *testing.T) {
	t.Parallel()

	if _, ok, err := parseDelayParam(""); ok || err != nil {
		t.Fatalf("expected absent param to be a no-op, ok=%v err=%v", ok, err)
	}
	if got, ok, err := parseDelayParam("2s"); err != nil || !ok || got != 2*time.Second {
		t.Fatalf("expected 2s, got %v ok=%v err=%v", got, ok, err)
	}
	if got, ok, err := parseDelayParam("0s"); err != nil || !ok || got != 0 {
		t.Fatalf("expected zero to be accepted, got %v ok=%v err=%v", got, ok, err)
	}
	if _, _, err := parseDelayParam("-1s"); err == nil {
		t.Fatalf("expected negative duration to be rejected")
	}
	if _, _, err := parseDelayParam("fast"); err == nil {
		t.Fatalf("expected malformed duration to be rejected")
	}
}

func TestResolveDelayContextScopesOverrides(t *testing.T) {
	t.Parallel()

	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/phases/resolve?min_delay=500ms&query_delay=1s", nil)
	ctx, fields, err := resolveDelayContext(e.NewContext(req, httptest.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v (%v)", err, fields)
	}
	if got := resolve.PerItemDelay(ctx, -1); got != 500*time.Millisecond {
		t.Fatalf("expected min_delay carried in context, got %v", got)
	}
	if got := resolve.PerQueryDelay(ctx, -1); got != time.Second {
		t.Fatalf("expected query_delay carried in context, got %v", got)
	}

	// Without parameters the request context passes through untouched.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/phases/resolve", nil)
	ctx, _, err = resolveDelayContext(e.NewContext(req, httptest.NewRecorder()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resolve.PerItemDelay(ctx, -1); got != -1 {
		t.Fatalf("expected no override without params, got %v", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/phases/resolve?min_delay=-2s", nil)
	_, fields, err = resolveDelayContext(e.NewContext(req, httptest.NewRecorder()))
	if err == nil {
		t.Fatalf("expected negative min_delay to fail validation")
	}
	if _, ok := fields["min_delay"]; !ok {
		t.Fatalf("expected min_delay field in validation map, got %v", fields)
	}
}

func TestPhaseReportResponse(t *testing.T) {
	t.Parallel()

	report := orch.PhaseReport{
		Type:     db.RunResolve,
		RunUUID:  "uuid-1",
		Status:   db.RunSuccess,
		Duration: 1500 * time.Millisecond,
		Stats: orch.Stats{
			ItemsProcessed: 7,
			ItemsCreated:   2,
			ErrorCount:     1,
			Metadata:       map[string]any{"remaining": 3},
		},
	}

	response := phaseReportResponse(report)
	if response.Phase != "resolve" || response.Status != "success" {
		t.Fatalf("unexpected response %+v", response)
	}
	if response.DurationMS != 1500 {
		t.Fatalf("expected 1500ms, got %d", response.DurationMS)
	}
	if response.Counters["items_processed"] != 7 {
		t.Fatalf("unexpected counters %+v", response.Counters)
	}
	if response.Counters["remaining"] != 3 {
		t.Fatalf("expected metadata merged into counters, got %+v", response.Counters)
	}
	if response.Error != "" {
		t.Fatalf("expected no error, got %q", response.Error)
	}
}

func TestRequireTriggerToken(t *testing.T) {
	t.Parallel()

	server := &Server{triggerSecret: "shared-token"}
	e := echo.New()

	handlerCalled := false
	handler := server.requireTriggerToken(func(c echo.Context) error {
		handlerCalled = true
		return success(c, map[string]any{"ok": true})
	})

	// Missing token is rejected before the handler runs.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/phases/ingest", nil)
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if handlerCalled {
		t.Fatalf("handler must not run without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"fail"`) {
		t.Fatalf("expected jsend fail body, got %s", rec.Body.String())
	}

	// Wrong token is rejected too.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/phases/ingest", nil)
	req.Header.Set(triggerTokenHeader, "wrong")
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if handlerCalled || rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected rejection for wrong token, got %d", rec.Code)
	}

	// Correct token reaches the handler.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/phases/ingest", nil)
	req.Header.Set(triggerTokenHeader, "shared-token")
	rec = httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to run with a valid token")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireTriggerToken_NoSecretConfigured(t *testing.T) {
	t.Parallel()

	server := &Server{triggerSecret: ""}
	e := echo.New()

	handler := server.requireTriggerToken(func(c echo.Context) error {
		t.Fatal("handler must never run when no secret is configured")
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/phases/ingest", nil)
	req.Header.Set(triggerTokenHeader, "anything")
	rec := httptest.NewRecorder()
	if err := handler(e.NewContext(req, rec)); err != nil {
		t.Fatalf("middleware returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
