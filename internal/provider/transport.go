package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"llmproxy/internal/logging"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llmproxy/0.1"
)

// maxResponseBody caps how much of an upstream body is read.
var maxResponseBody int64 = 16 << 20

// NewJSONRequest builds a POST carrying payload as JSON with the common headers.
// An empty apiKey sends no Authorization header.
func NewJSONRequest(ctx context.Context, url string, payload any, apiKey string, headers map[string]string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Send performs req and returns the body of a 2xx response. Transport failures
// become *NetworkError, any other status becomes *ProviderError and a body over
// the size cap becomes *ParseError.
func Send(client *http.Client, name string, req *http.Request) ([]byte, error) {
	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Provider: name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, &NetworkError{Provider: name, Err: fmt.Errorf("read response body: %w", err)}
	}
	if int64(len(body)) > maxResponseBody {
		return nil, &ParseError{Provider: name, Err: fmt.Errorf("response body with status %d exceeds %d bytes", resp.StatusCode, maxResponseBody)}
	}

	logging.Debug().
		Str("provider", name).
		Str("url", req.URL.Redacted()).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Int("bytes", len(body)).
		Msg("upstream response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			Provider:   name,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	return body, nil
}

// DecodeJSON unmarshals a response body, reporting failures as *ParseError.
func DecodeJSON(name string, body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return &ParseError{Provider: name, Err: fmt.Errorf("decode provider response: %w", err)}
	}
	return nil
}
