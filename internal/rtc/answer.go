package rtc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sjawhar/ghost-voice/internal/credential"
)

const DefaultRealtimeURL = "https://api.openai.com/v1/realtime"

// HTTPAnswerer posts the offer SDP to the realtime endpoint and returns the
// answer body verbatim.
type HTTPAnswerer struct {
	URL  string
	HTTP *http.Client
}

func NewHTTPAnswerer(endpoint string, httpClient *http.Client) *HTTPAnswerer {
	if endpoint == "" {
		endpoint = DefaultRealtimeURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAnswerer{URL: endpoint, HTTP: httpClient}
}

func (a *HTTPAnswerer) Answer(ctx context.Context, cred credential.Credential, offerSDP string) (string, error) {
	endpoint, err := url.Parse(a.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	model := cred.Model
	if model == "" {
		model = credential.DefaultModel
	}
	q := endpoint.Query()
	q.Set("model", model)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build offer request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("realtime endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=") {
		return "", fmt.Errorf("realtime endpoint returned a body that is not SDP")
	}
	return answer, nil
}
