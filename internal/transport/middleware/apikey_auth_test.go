// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/auth"
	"github.com/keymeter/keymeter/internal/domain"
)

type stubResolver struct {
	key domain.APIKey
	err error
}

func (s stubResolver) Resolve(context.Context, string) (domain.APIKey, error) {
	return s.key, s.err
}

type recordingToucher struct {
	mu   sync.Mutex
	keys []string
}

func (t *recordingToucher) Touch(keyString string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys = append(t.keys, keyString)
}

func (t *recordingToucher) touched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeKey() domain.APIKey {
	return domain.APIKey{
		ID:       uuid.New(),
		Key:      "ak_valid",
		OwnerID:  uuid.New(),
		Credits:  100,
		IsActive: true,
	}
}

// passthrough returns a handler that records whether it was reached and what
// key the request context carried.
func passthrough(reached *bool, gotKey *domain.APIKey) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*reached = true
		if key, ok := auth.APIKeyFromContext(r.Context()); ok {
			*gotKey = key
		}
		w.WriteHeader(http.StatusOK)
	})
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestAPIKeyAuthMissingHeader(t *testing.T) {
	t.Parallel()

	var reached bool
	var gotKey domain.APIKey
	handler := APIKeyAuth(stubResolver{key: activeKey()}, nil, 60, discardLogger())(passthrough(&reached, &gotKey))

	req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if msg := decodeErrorBody(t, rec); msg != "API key is missing" {
		t.Fatalf("error = %q", msg)
	}
	if reached {
		t.Fatal("handler must not run without a key")
	}
}

func TestAPIKeyAuthUnknownKey(t *testing.T) {
	t.Parallel()

	var reached bool
	var gotKey domain.APIKey
	handler := APIKeyAuth(stubResolver{err: domain.ErrNotFound}, nil, 60, discardLogger())(passthrough(&reached, &gotKey))

	req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
	req.Header.Set("X-API-Key", "ak_bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if msg := decodeErrorBody(t, rec); msg != "invalid or inactive API key" {
		t.Fatalf("error = %q", msg)
	}
	if reached {
		t.Fatal("handler must not run for an unknown key")
	}
}

func TestAPIKeyAuthInactiveKey(t *testing.T) {
	t.Parallel()

	key := activeKey()
	key.IsActive = false

	var reached bool
	var gotKey domain.APIKey
	handler := APIKeyAuth(stubResolver{key: key}, nil, 60, discardLogger())(passthrough(&reached, &gotKey))

	req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if reached {
		t.Fatal("handler must not run for a deactivated key")
	}
}

func TestAPIKeyAuthResolverFailure(t *testing.T) {
	t.Parallel()

	var reached bool
	var gotKey domain.APIKey
	resolver := stubResolver{err: domain.NewPersistenceError("get api key", errors.New("connection refused"))}
	handler := APIKeyAuth(resolver, nil, 60, discardLogger())(passthrough(&reached, &gotKey))

	req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
	req.Header.Set("X-API-Key", "ak_valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if reached {
		t.Fatal("handler must not run on resolver failure")
	}
}

func TestAPIKeyAuthPassStoresKeyAndTouches(t *testing.T) {
	t.Parallel()

	key := activeKey()
	toucher := &recordingToucher{}

	var reached bool
	var gotKey domain.APIKey
	handler := APIKeyAuth(stubResolver{key: key}, toucher, 60, discardLogger())(passthrough(&reached, &gotKey))

	req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !reached {
		t.Fatal("handler should have run")
	}
	if gotKey.ID != key.ID {
		t.Fatalf("context key id = %s, want %s", gotKey.ID, key.ID)
	}
	if touched := toucher.touched(); len(touched) != 1 || touched[0] != key.Key {
		t.Fatalf("touched = %v, want [%s]", touched, key.Key)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("X-RateLimit-Limit = %q, want 60", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestAPIKeyAuthRateLimitExhausted(t *testing.T) {
	t.Parallel()

	key := activeKey()
	handler := APIKeyAuth(stubResolver{key: key}, nil, 2, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/free", nil)
		req.Header.Set("X-API-Key", key.Key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)

		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatal("429 response must carry Retry-After")
		}
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, status := range statuses {
		if status != want[i] {
			t.Fatalf("request %d status = %d, want %d (all: %v)", i+1, status, want[i], statuses)
		}
	}
}
