package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayClient talks to an external messaging gateway over HTTP
type GatewayClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewGatewayClient creates a gateway client
func NewGatewayClient(baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendRequest struct {
	Phone    string `json:"phone"`
	Body     string `json:"body"`
	MediaRef string `json:"media_ref,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type statusResponse struct {
	Connected bool `json:"connected"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Ready queries the gateway session status. Any transport or decode failure
// counts as not ready.
func (c *GatewayClient) Ready(ctx context.Context) bool {
	var resp statusResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return false
	}
	return resp.Connected
}

// Send delivers one message through the gateway
func (c *GatewayClient) Send(ctx context.Context, phone, body, mediaRef string) (*Result, error) {
	if !c.Ready(ctx) {
		return nil, ErrNotReady
	}

	var resp sendResponse
	req := sendRequest{Phone: phone, Body: body, MediaRef: mediaRef}
	if err := c.request(ctx, http.MethodPost, "/api/v1/send", req, &resp); err != nil {
		return nil, err
	}
	return &Result{ProviderMessageID: resp.MessageID}, nil
}

func (c *GatewayClient) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway error: %s", errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
