package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

// ReadJSONResponse checks the status code and decodes the body into v.
func ReadJSONResponse(t TB, w *httptest.ResponseRecorder, wantCode int, v any) {
	t.Helper()
	if w.Code != wantCode {
		t.Errorf("expected status %d, got %d: %s", wantCode, w.Code, w.Body.String())
		t.FailNow()
	}
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Errorf("failed to decode JSON response: %v", err)
		t.FailNow()
	}
}

// ReadErrorResponse decodes an error body written by WriteError.
func ReadErrorResponse(t TB, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Errorf("failed to decode error response: %v", err)
		t.FailNow()
	}
	return response
}

// CreateRequest builds a body-less request with optional headers.
func CreateRequest(method, path string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}
