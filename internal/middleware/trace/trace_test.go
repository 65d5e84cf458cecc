package trace

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	applog "monthlypay/internal/log"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	var seen string
	var hasLogger bool
	h := NewMiddleware(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		_, hasLogger = r.Context().Value(applog.LoggerContextKey).(*applog.Logger)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("request id %q is not a uuid: %v", seen, err)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("header = %q, want %q", rec.Header().Get(RequestIDHeader), seen)
	}
	if !hasLogger {
		t.Error("request-scoped logger missing from context")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddlewareKeepsIncomingRequestID(t *testing.T) {
	tests := []struct {
		incoming string
		keep     bool
	}{
		{"abcdef12-proxy", true},
		{"short", false},
		{"has spaces in it", false},
	}
	for _, tt := range tests {
		m := NewMiddleware(func(*http.Request) string { return "10.0.0.1" })
		var seen string
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestID(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, tt.incoming)
		h.ServeHTTP(httptest.NewRecorder(), req)

		if (seen == tt.incoming) != tt.keep {
			t.Errorf("incoming %q: got %q, keep=%v", tt.incoming, seen, tt.keep)
		}
		if m.TotalRequests() != 1 {
			t.Errorf("TotalRequests = %d", m.TotalRequests())
		}
	}
}
