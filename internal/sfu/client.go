// Package sfu is the control-plane client for the managed SFU provider.
// Rooms are created on demand when a call needs (or escalates to) server
// routing, and deleted when the call ends.
package sfu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parleo/parleo/internal/clock"
)

const (
	// roomExpiry bounds how long an unused room lives provider-side.
	roomExpiry = 2 * time.Hour

	// tokenExpiry is the lifetime of a per-participant meeting token.
	tokenExpiry = time.Hour

	// maxParticipants caps a room whatever party size is requested; group
	// calls are small by product design.
	maxParticipants = 16
)

// Room is the provider-side room backing an SFU call.
type Room struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Client talks to the SFU provider's REST API.
type Client struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	domain     string
	clk        clock.Clock
}

// NewClient creates an SFU control-plane client. apiURL is the REST base
// (e.g. "https://api.daily.co/v1"), domain the room URL base.
func NewClient(apiURL, apiKey, domain string, clk clock.Clock) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiURL:     apiURL,
		apiKey:     apiKey,
		domain:     domain,
		clk:        clk,
	}
}

// Configured reports whether the SFU control plane is usable.
func (c *Client) Configured() bool {
	return c.apiURL != "" && c.apiKey != ""
}

// RoomName derives the deterministic room name for a call.
func RoomName(callID string) string {
	return "call-" + callID
}

// CreateRoom provisions the room for a call, admitting at most partySize
// participants. Creating a room that already exists is treated as success so
// escalation can be retried safely.
func (c *Client) CreateRoom(ctx context.Context, callID string, partySize int) (*Room, error) {
	if partySize < 2 || partySize > maxParticipants {
		partySize = maxParticipants
	}
	name := RoomName(callID)
	payload := map[string]any{
		"name":    name,
		"privacy": "private",
		"properties": map[string]any{
			"exp":               c.clk.Now().Add(roomExpiry).Unix(),
			"max_participants":  partySize,
			"eject_at_room_exp": true,
		},
	}

	var out struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	status, err := c.do(ctx, http.MethodPost, "/rooms", payload, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusConflict {
		return &Room{Name: name, URL: c.RoomURL(name)}, nil
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("sfu: creating room %s: status %d", name, status)
	}
	if out.URL == "" {
		out.URL = c.RoomURL(name)
	}
	return &Room{Name: out.Name, URL: out.URL}, nil
}

// CreateMeetingToken mints a short-lived token admitting one user to a room.
func (c *Client) CreateMeetingToken(ctx context.Context, roomName, userID string, isOwner bool) (string, error) {
	payload := map[string]any{
		"properties": map[string]any{
			"room_name": roomName,
			"user_id":   userID,
			"is_owner":  isOwner,
			"exp":       c.clk.Now().Add(tokenExpiry).Unix(),
		},
	}

	var out struct {
		Token string `json:"token"`
	}
	status, err := c.do(ctx, http.MethodPost, "/meeting-tokens", payload, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("sfu: minting token for room %s: status %d", roomName, status)
	}
	if out.Token == "" {
		return "", fmt.Errorf("sfu: provider returned empty token for room %s", roomName)
	}
	return out.Token, nil
}

// DeleteRoom removes a room. A room that is already gone counts as deleted.
func (c *Client) DeleteRoom(ctx context.Context, roomName string) error {
	status, err := c.do(ctx, http.MethodDelete, "/rooms/"+roomName, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("sfu: deleting room %s: status %d", roomName, status)
	}
	return nil
}

// RoomURL returns the join URL for a room name.
func (c *Client) RoomURL(roomName string) string {
	return c.domain + "/" + roomName
}

// do sends one authenticated request and decodes the body into out when the
// status is a success. The caller branches on the returned status.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("sfu: marshalling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("sfu: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sfu: sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("sfu: reading response: %w", err)
	}

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("sfu: decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
