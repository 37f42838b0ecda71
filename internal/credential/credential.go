// Package credential issues short-lived realtime session tokens. Client is
// what a session uses to fetch one; Minter is the gateway side that trades the
// long-lived API key for one.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultModel is used when neither the gateway nor the configuration names a
// realtime model.
const DefaultModel = "gpt-realtime"

var ErrNoToken = errors.New("credential response carried no token")

// Credential is an ephemeral bearer token and the model it was minted for.
type Credential struct {
	Token string `json:"token"`
	Model string `json:"model"`
}

// Client fetches credentials from a gateway's GET /session route.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Issue(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build session request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("session endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return Credential{}, fmt.Errorf("session endpoint returned malformed JSON")
	}

	return parseCredential(gjson.ParseBytes(body))
}

// parseCredential accepts every shape the gateway and the provider have used
// for the secret: token, client_secret.value, client_secret and value.
func parseCredential(root gjson.Result) (Credential, error) {
	token := ""
	for _, path := range []string{"token", "client_secret.value", "client_secret", "value"} {
		v := root.Get(path)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			token = strings.TrimSpace(v.Str)
			break
		}
	}
	if token == "" {
		return Credential{}, ErrNoToken
	}

	model := strings.TrimSpace(root.Get("model").String())
	if model == "" {
		model = DefaultModel
	}
	return Credential{Token: token, Model: model}, nil
}
