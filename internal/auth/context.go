// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/domain"
)

type apiKeyContextKey struct{}

var ctxAPIKeyKey apiKeyContextKey

// WithAPIKey stores the resolved API key record on the request context.
// Downstream gates (credit, license) read it instead of resolving again.
func WithAPIKey(ctx context.Context, key domain.APIKey) context.Context {
	return context.WithValue(ctx, ctxAPIKeyKey, key)
}

// APIKeyFromContext reads the resolved API key record from context.
func APIKeyFromContext(ctx context.Context) (domain.APIKey, bool) {
	v := ctx.Value(ctxAPIKeyKey)
	key, ok := v.(domain.APIKey)
	if !ok || key.ID == uuid.Nil {
		return domain.APIKey{}, false
	}
	return key, true
}

// APIKeyIDFromContext reads the authenticated key id from context.
func APIKeyIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	key, ok := APIKeyFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return key.ID, true
}
