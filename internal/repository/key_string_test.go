// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNewKeyStringFormat(t *testing.T) {
	t.Parallel()

	key, err := NewKeyString()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !strings.HasPrefix(key, "ak_") {
		t.Fatalf("key %q missing ak_ prefix", key)
	}

	hexPart := strings.TrimPrefix(key, "ak_")
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		t.Fatalf("key body is not hex: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("key entropy = %d bytes, want 32", len(raw))
	}
}

func TestNewKeyStringUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		key, err := NewKeyString()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key generated: %s", key)
		}
		seen[key] = struct{}{}
	}
}
