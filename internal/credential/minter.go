package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultVoice   = "marin"
)

// DefaultInstructions keeps the assistant on Indian travel topics.
const DefaultInstructions = `You are a concise voice travel guide for India.
- Only answer questions directly related to Indian tourism (places in India, itineraries, transport within India, seasons, culture relevant for travelers).
- If the user asks anything outside that scope, reply with exactly: "I can not reply to this question".
- Keep answers short and conversational. Ask a brief clarifying follow-up only if it is about Indian tourism.`

var ErrMissingAPIKey = errors.New("realtime API key is not configured")

// ProviderError is a non-success answer from the provider's session endpoint.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("realtime sessions returned %d: %s", e.StatusCode, e.Body)
}

type MinterConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Voice        string
	Instructions string
}

// Minter creates ephemeral realtime sessions with the long-lived API key.
type Minter struct {
	cfg  MinterConfig
	http *http.Client
}

func NewMinter(cfg MinterConfig, httpClient *http.Client) *Minter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Minter{cfg: cfg, http: httpClient}
}

type sessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// Issue satisfies the same contract as Client, so the process can mint its
// own credentials without a round trip through its HTTP server.
func (m *Minter) Issue(ctx context.Context) (Credential, error) {
	if m.cfg.APIKey == "" {
		return Credential{}, ErrMissingAPIKey
	}

	body, err := json.Marshal(sessionRequest{
		Model:        m.cfg.Model,
		Voice:        m.cfg.Voice,
		Instructions: m.cfg.Instructions,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("encode session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("create realtime session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read realtime session: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, &ProviderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if !gjson.ValidBytes(data) {
		return Credential{}, fmt.Errorf("realtime session response is not JSON")
	}

	cred, err := parseCredential(gjson.ParseBytes(data))
	if err != nil {
		return Credential{}, err
	}
	if gjson.GetBytes(data, "model").String() == "" {
		cred.Model = m.cfg.Model
	}
	return cred, nil
}
