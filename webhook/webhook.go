// Package webhook ships the session report to the configured log endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/use-agent/harvest/models"
)

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Harvest-Signature"

// DefaultTimeout bounds one delivery when ctx has no deadline.
const DefaultTimeout = 10 * time.Second

// Report is the body of the outbound report call.
type Report struct {
	Log  []models.Record `json:"log"`
	Info map[string]any  `json:"info"`
}

// Deliver POSTs payload as JSON, signed with HMAC-SHA256 if secret is
// non-empty. Statuses >= 400 are errors.
func Deliver(ctx context.Context, url, secret string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Harvest-Webhook/1.0")

	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ship delivers report once. Failures are logged and returned; nothing is
// retried.
func Ship(ctx context.Context, url, secret string, report Report) error {
	if report.Log == nil {
		report.Log = []models.Record{}
	}
	if err := Deliver(ctx, url, secret, report); err != nil {
		slog.Warn("report delivery failed", "url", url, "records", len(report.Log), "error", err)
		return err
	}
	slog.Info("report delivered", "url", url, "records", len(report.Log))
	return nil
}
