package classify

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

// ErrClassification marks a failed classification call. Callers treat it as
// "no tags this time", never as a session failure.
var ErrClassification = errors.New("classification failed")

const maxResponseBytes = 64 << 10

// Request is the wire body of a classification call.
type Request struct {
	Text string `json:"text"`
	Role string `json:"role"`
}

// Response is the wire body returned by the classification route.
type Response struct {
	Categories []string `json:"categories"`
}

// Client calls a remote classification route.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, http: httpClient}
}

// Classify posts the text and returns the raw category labels. Missing or
// non-string categories are tolerated and yield an empty result.
func (c *Client) Classify(ctx context.Context, role, text string) ([]string, error) {
	body, err := json.Marshal(Request{Text: text, Role: role})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrClassification, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrClassification, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrClassification, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrClassification, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed response", ErrClassification)
	}

	return stringArray(gjson.GetBytes(data, "categories")), nil
}

func stringArray(value gjson.Result) []string {
	if !value.IsArray() {
		return nil
	}
	var out []string
	value.ForEach(func(_, item gjson.Result) bool {
		if item.Type == gjson.String {
			out = append(out, item.Str)
		}
		return true
	})
	return out
}
