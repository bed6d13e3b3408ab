// Package push delivers call wake-up notifications through an external push
// gateway. It is the backup channel for callees whose socket never
// acknowledged the ring.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WakeupRequest is the payload for the gateway's POST /v1/wakeup endpoint.
type WakeupRequest struct {
	LicenseKey   string `json:"license_key"`
	PushToken    string `json:"push_token"`
	PushPlatform string `json:"push_platform"` // "fcm" or "apns"
	CallerID     string `json:"caller_id"`
	CallID       string `json:"call_id"`
	CallType     string `json:"call_type"` // "voice" or "video"
	Reason       string `json:"reason"`
}

// WakeupResponse is the response from POST /v1/wakeup.
type WakeupResponse struct {
	Delivered bool   `json:"delivered"`
	CallID    string `json:"call_id"`
}

// envelope is the standard gateway response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the push gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	licenseKey string
}

// NewClient creates a push gateway client. baseURL is the gateway endpoint;
// licenseKey authenticates this deployment.
func NewClient(baseURL, licenseKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		licenseKey: licenseKey,
	}
}

// SendWakeup asks the gateway to wake the device behind pushToken for an
// incoming call. Returns whether the gateway reported delivery.
func (c *Client) SendWakeup(ctx context.Context, pushToken, pushPlatform, callerID, callID, callType, reason string) (bool, error) {
	req := WakeupRequest{
		LicenseKey:   c.licenseKey,
		PushToken:    pushToken,
		PushPlatform: pushPlatform,
		CallerID:     callerID,
		CallID:       callID,
		CallType:     callType,
		Reason:       reason,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("push: marshalling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/wakeup", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("push: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-License-Key", c.licenseKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return false, fmt.Errorf("push: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return false, fmt.Errorf("push: gateway returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return false, fmt.Errorf("push: decoding response: %w", err)
	}

	var wakeup WakeupResponse
	if err := json.Unmarshal(env.Data, &wakeup); err != nil {
		return false, fmt.Errorf("push: decoding wakeup data: %w", err)
	}

	slog.Debug("call wakeup sent",
		"delivered", wakeup.Delivered,
		"call_id", callID,
		"platform", pushPlatform,
	)

	return wakeup.Delivered, nil
}

// Configured returns true if the client has a base URL and license key.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.licenseKey != ""
}
