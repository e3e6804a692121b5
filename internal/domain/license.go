// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// License grants an API key access to one product until an expiry date.
// Validity is derived at evaluation time, never stored.
type License struct {
	ID        uuid.UUID `json:"id"`
	APIKeyID  uuid.UUID `json:"api_key_id"`
	ProductID string    `json:"product_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IsActive  bool      `json:"is_active"`
}

// ValidAt reports whether the license grants access at the given instant.
// A revoked license is invalid regardless of expiry, and an expired license
// is invalid regardless of the active flag.
func (l License) ValidAt(now time.Time) bool {
	return l.IsActive && l.ExpiresAt.After(now)
}

// LicensePatch is a partial update restricted to the mutable fields of a
// License. The owning key reference is immutable.
type LicensePatch struct {
	ProductID *string    `json:"product_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  *bool      `json:"is_active,omitempty"`
}

// IsZero reports whether the patch carries no changes.
func (p LicensePatch) IsZero() bool {
	return p.ProductID == nil && p.ExpiresAt == nil && p.IsActive == nil
}

type IssueLicenseParams struct {
	APIKeyID  uuid.UUID
	ProductID string
	ExpiresAt time.Time
}
