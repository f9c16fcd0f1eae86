package webhook

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"event":"ping"}`)

	resolve := func(r *http.Request) (string, error) {
		if r.Header.Get("X-Store-ID") != "store-1" {
			return "", errors.New("unknown store")
		}
		return "secret", nil
	}

	var gotBody []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		store  string
		secret string
		want   int
	}{
		{"valid", "store-1", "secret", http.StatusNoContent},
		{"bad signature", "store-1", "wrong", http.StatusUnauthorized},
		{"unknown store", "store-2", "secret", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSigner(now)
			handler := s.Middleware(resolve)(next)
			gotBody = nil

			req := httptest.NewRequest(http.MethodPost, "/webhooks/verify", bytes.NewReader(body))
			for k, v := range s.BuildOutboundHeaders(tt.secret, body, now) {
				req.Header[k] = v
			}
			req.Header.Set("X-Store-ID", tt.store)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusNoContent && !bytes.Equal(gotBody, body) {
				t.Errorf("body not restored for next handler: %q", gotBody)
			}
		})
	}
}
