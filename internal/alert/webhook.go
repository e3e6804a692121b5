// SPDX-License-Identifier: Apache-2.0

// Package alert delivers low-balance webhook notifications so key owners can
// top up before requests start failing with insufficient funds.
package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keymeter/keymeter/internal/domain"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
)

type lowBalancePayload struct {
	APIKeyID   uuid.UUID `json:"api_key_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Credits    int64     `json:"credits"`
	ObservedAt time.Time `json:"observed_at"`
}

// Notifier posts HMAC-signed low-balance payloads to a configured webhook
// URL. A Notifier with an empty URL is a no-op.
type Notifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	secret     string
	now        func() time.Time
}

type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	URL        string
	Secret     string
	Now        func() time.Time
}

func NewNotifier(deps Deps) *Notifier {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Notifier{
		httpClient: client,
		logger:     logger,
		url:        strings.TrimSpace(deps.URL),
		secret:     deps.Secret,
		now:        now,
	}
}

// NotifyLowBalance delivers the alert with bounded retries. Delivery is
// best-effort; exhausted retries are logged and dropped.
func (n *Notifier) NotifyLowBalance(ctx context.Context, key domain.APIKey) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(lowBalancePayload{
		APIKeyID:   key.ID,
		OwnerID:    key.OwnerID,
		Credits:    key.Credits,
		ObservedAt: n.now().UTC(),
	})
	if err != nil {
		n.logger.Error("low-balance payload marshal failed",
			"api_key_id", key.ID,
			"error", err,
		)
		return
	}

	signature := signPayload(n.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Error("low-balance request build failed",
				"api_key_id", key.ID,
				"error", err,
			)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			lastErr = err
			n.logger.Warn("low-balance webhook failure",
				"api_key_id", key.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				n.logger.Info("low-balance webhook delivered",
					"api_key_id", key.ID,
					"credits", key.Credits,
					"attempt", attempt,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			n.logger.Warn("low-balance webhook failure",
				"api_key_id", key.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	if lastErr != nil {
		n.logger.Error("low-balance webhook retries exhausted",
			"api_key_id", key.ID,
			"error", lastErr,
		)
	}
}

func signPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
