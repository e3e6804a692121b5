// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/cache"
	"github.com/keymeter/keymeter/internal/domain"
)

type fakeLicenseStore struct {
	mu       sync.Mutex
	licenses map[uuid.UUID]domain.License
	getCalls int
}

func newFakeLicenseStore() *fakeLicenseStore {
	return &fakeLicenseStore{licenses: make(map[uuid.UUID]domain.License)}
}

func (s *fakeLicenseStore) Insert(_ context.Context, license domain.License) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.licenses[license.ID] = license
	return license, nil
}

func (s *fakeLicenseStore) GetByID(_ context.Context, id uuid.UUID) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	license, ok := s.licenses[id]
	if !ok {
		return domain.License{}, domain.ErrNotFound
	}
	return license, nil
}

func (s *fakeLicenseStore) Update(_ context.Context, id uuid.UUID, patch domain.LicensePatch) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	license, ok := s.licenses[id]
	if !ok {
		return domain.License{}, domain.ErrNotFound
	}
	if patch.ProductID != nil {
		license.ProductID = *patch.ProductID
	}
	if patch.ExpiresAt != nil {
		license.ExpiresAt = *patch.ExpiresAt
	}
	if patch.IsActive != nil {
		license.IsActive = *patch.IsActive
	}
	s.licenses[id] = license
	return license, nil
}

func (s *fakeLicenseStore) Revoke(_ context.Context, id uuid.UUID) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	license, ok := s.licenses[id]
	if !ok {
		return domain.License{}, domain.ErrNotFound
	}
	license.IsActive = false
	s.licenses[id] = license
	return license, nil
}

func (s *fakeLicenseStore) ListByAPIKey(_ context.Context, apiKeyID uuid.UUID) ([]domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.License
	for _, l := range s.licenses {
		if l.APIKeyID == apiKeyID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeLicenseStore) gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

func newTestLicenseRegistry(store LicenseStore, now func() time.Time) *LicenseRegistry {
	return NewLicenseRegistry(LicenseRegistryDeps{
		Store:  store,
		Cache:  cache.NewMemory(),
		Logger: testLogger(),
		Now:    now,
	})
}

func TestLicenseRegistryIssueValidation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestLicenseRegistry(newFakeLicenseStore(), func() time.Time { return now })

	tests := []struct {
		name    string
		params  domain.IssueLicenseParams
		wantErr error
	}{
		{
			name:    "missing api key id",
			params:  domain.IssueLicenseParams{ProductID: "reports", ExpiresAt: now.Add(time.Hour)},
			wantErr: domain.ErrInvalidOwner,
		},
		{
			name:    "blank product",
			params:  domain.IssueLicenseParams{APIKeyID: uuid.New(), ProductID: "  ", ExpiresAt: now.Add(time.Hour)},
			wantErr: domain.ErrInvalidProduct,
		},
		{
			name:    "expiry in the past",
			params:  domain.IssueLicenseParams{APIKeyID: uuid.New(), ProductID: "reports", ExpiresAt: now.Add(-time.Minute)},
			wantErr: domain.ErrInvalidExpiry,
		},
		{
			name:    "expiry exactly now",
			params:  domain.IssueLicenseParams{APIKeyID: uuid.New(), ProductID: "reports", ExpiresAt: now},
			wantErr: domain.ErrInvalidExpiry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Issue(context.Background(), tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLicenseRegistryIssueAndGet(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeLicenseStore()
	reg := newTestLicenseRegistry(store, func() time.Time { return now })

	issued, err := reg.Issue(context.Background(), domain.IssueLicenseParams{
		APIKeyID:  uuid.New(),
		ProductID: "reports",
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !issued.IsActive {
		t.Fatal("issued license should be active")
	}

	got, err := reg.Get(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != issued.ID {
		t.Fatalf("got id %s, want %s", got.ID, issued.ID)
	}
	if calls := store.gets(); calls != 0 {
		t.Fatalf("store reads = %d, want 0 (issue should populate the cache)", calls)
	}
}

func TestLicenseRegistryGetUnknown(t *testing.T) {
	t.Parallel()

	reg := newTestLicenseRegistry(newFakeLicenseStore(), time.Now)

	if _, err := reg.Get(context.Background(), uuid.New()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLicenseRegistryRevokeRefreshesCache(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeLicenseStore()
	reg := newTestLicenseRegistry(store, func() time.Time { return now })

	issued, err := reg.Issue(context.Background(), domain.IssueLicenseParams{
		APIKeyID:  uuid.New(),
		ProductID: "reports",
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := reg.Revoke(context.Background(), issued.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// The cached entry must already reflect the revocation.
	got, err := reg.Get(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("get after revoke: %v", err)
	}
	if got.IsActive {
		t.Fatal("cached license still active after revoke")
	}
	if calls := store.gets(); calls != 0 {
		t.Fatalf("store reads = %d, want 0 (revoke must refresh the cache)", calls)
	}
}

func TestLicenseRegistryHasValidLicense(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	apiKeyID := uuid.New()

	tests := []struct {
		name     string
		licenses []domain.License
		product  string
		want     bool
	}{
		{
			name: "active and unexpired",
			licenses: []domain.License{
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "reports", ExpiresAt: now.Add(time.Hour), IsActive: true},
			},
			product: "reports",
			want:    true,
		},
		{
			name: "expired",
			licenses: []domain.License{
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "reports", ExpiresAt: now.Add(-time.Hour), IsActive: true},
			},
			product: "reports",
			want:    false,
		},
		{
			name: "revoked",
			licenses: []domain.License{
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "reports", ExpiresAt: now.Add(time.Hour), IsActive: false},
			},
			product: "reports",
			want:    false,
		},
		{
			name: "wrong product",
			licenses: []domain.License{
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "exports", ExpiresAt: now.Add(time.Hour), IsActive: true},
			},
			product: "reports",
			want:    false,
		},
		{
			name: "one valid among expired",
			licenses: []domain.License{
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "reports", ExpiresAt: now.Add(-time.Hour), IsActive: true},
				{ID: uuid.New(), APIKeyID: apiKeyID, ProductID: "reports", ExpiresAt: now.Add(time.Hour), IsActive: true},
			},
			product: "reports",
			want:    true,
		},
		{
			name:    "no licenses at all",
			product: "reports",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeLicenseStore()
			for _, l := range tt.licenses {
				if _, err := store.Insert(context.Background(), l); err != nil {
					t.Fatalf("seed store: %v", err)
				}
			}

			reg := newTestLicenseRegistry(store, func() time.Time { return now })

			got, err := reg.HasValidLicense(context.Background(), apiKeyID, tt.product)
			if err != nil {
				t.Fatalf("has valid license: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
