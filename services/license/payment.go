package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"prediction-controlplane/pkg/config"
)

// PaymentVerifier answers whether a user's payment checks out before a
// license is issued as verified.
type PaymentVerifier interface {
	Verified(ctx context.Context, userID string) (bool, error)
}

// NewPaymentVerifier returns the HTTP verifier when a payment endpoint is
// configured, otherwise a static verifier that marks nothing as verified.
func NewPaymentVerifier(cfg *config.Config) PaymentVerifier {
	if cfg.Payment.URL == "" {
		zap.L().Warn("payment verifier endpoint not configured, issuing licenses as unverified")
		return staticVerifier{}
	}
	return &httpVerifier{
		url: cfg.Payment.URL,
		client: &http.Client{
			Timeout: cfg.Payment.Timeout,
		},
	}
}

type staticVerifier struct{}

func (staticVerifier) Verified(ctx context.Context, userID string) (bool, error) {
	return false, nil
}

type httpVerifier struct {
	url    string
	client *http.Client
}

type verifyRequest struct {
	UserID string `json:"user_id"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

func (v *httpVerifier) Verified(ctx context.Context, userID string) (bool, error) {
	body, err := json.Marshal(verifyRequest{UserID: userID})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("payment verification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("payment verification: unexpected status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("payment verification: %w", err)
	}
	return out.Verified, nil
}
