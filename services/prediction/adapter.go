package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/datatypes"

	"prediction-controlplane/pkg/config"
)

// ErrGeneratorNotConfigured is returned when no generation endpoint is set.
var ErrGeneratorNotConfigured = errors.New("prediction: generator endpoint not configured")

// Generator produces the prediction payload. The gateway treats it as an
// opaque collaborator: any error after the round was consumed triggers a
// refund.
type Generator interface {
	Generate(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error)
}

// NewHTTPGenerator builds the HTTP-backed generator from config.
func NewHTTPGenerator(cfg *config.Config) Generator {
	return &httpGenerator{
		url: cfg.Generation.URL,
		client: &http.Client{
			Timeout: cfg.Generation.Timeout,
		},
	}
}

type httpGenerator struct {
	url    string
	client *http.Client
}

type generateRequest struct {
	GameType string          `json:"game_type"`
	Context  json.RawMessage `json:"context,omitempty"`
}

type generateResponse struct {
	PredictionData string `json:"prediction_data"`
}

func (g *httpGenerator) Generate(ctx context.Context, gameType string, reqContext datatypes.JSON) (string, error) {
	if g.url == "" {
		return "", ErrGeneratorNotConfigured
	}

	body, err := json.Marshal(generateRequest{
		GameType: gameType,
		Context:  json.RawMessage(reqContext),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation request: unexpected status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("generation response: %w", err)
	}
	if out.PredictionData == "" {
		return "", fmt.Errorf("generation response: empty prediction_data")
	}
	return out.PredictionData, nil
}
