// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

// APIKey is a bearer credential carrying a prepaid credit balance.
// Credits never go below zero; every balance mutation happens through a
// single atomic store-side operation.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Credits   int64      `json:"credits"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// APIKeyPatch is a partial update restricted to the mutable fields of an
// APIKey. Nil fields are left untouched; id, key, owner and creation time
// are immutable once issued.
type APIKeyPatch struct {
	Credits  *int64     `json:"credits,omitempty"`
	LastUsed *time.Time `json:"last_used,omitempty"`
	IsActive *bool      `json:"is_active,omitempty"`
}

// IsZero reports whether the patch carries no changes.
func (p APIKeyPatch) IsZero() bool {
	return p.Credits == nil && p.LastUsed == nil && p.IsActive == nil
}

type IssueAPIKeyParams struct {
	OwnerID        uuid.UUID
	InitialCredits int64
}
