package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apphealth "3tcapital/auditharvest/internal/application/health"
	corehealth "3tcapital/auditharvest/internal/core/health"
	"3tcapital/auditharvest/internal/testutil"
)

func TestHandler_Status(t *testing.T) {
	tests := []struct {
		name       string
		checks     []apphealth.Check
		wantCode   int
		wantStatus string
	}{
		{name: "no dependencies", wantCode: http.StatusOK, wantStatus: corehealth.StatusUp},
		{
			name:       "healthy dependency",
			checks:     []apphealth.Check{{Name: "cursor-db", Probe: func(context.Context) error { return nil }}},
			wantCode:   http.StatusOK,
			wantStatus: corehealth.StatusUp,
		},
		{
			name:       "failing dependency",
			checks:     []apphealth.Check{{Name: "cursor-db", Probe: func(context.Context) error { return errors.New("down") }}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: corehealth.StatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := apphealth.NewService(apphealth.Metadata{Service: "auditharvest", Source: "Reports", RunID: "run-9"}, tt.checks...)
			handler := NewHandler(service, testutil.NewNullLogger())

			w := httptest.NewRecorder()
			handler.Status(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.wantCode {
				t.Errorf("expected status code %d, got %d", tt.wantCode, w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %s", ct)
			}

			var status corehealth.Status
			if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("expected %q, got %q", tt.wantStatus, status.Status)
			}
			if status.RunID != "run-9" || status.Source != "Reports" {
				t.Errorf("expected run identity in body, got %+v", status)
			}
		})
	}
}
