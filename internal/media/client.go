// Package media talks to the SFU sidecar that carries the actual audio.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client is an HTTP client for the SFU sidecar's internal API. Responses are
// passed through as opaque JSON; the sidecar owns their format.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type roomRequest struct {
	UserID string          `json:"userId"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// Join opens a media session for userID in the room of channelID and returns
// the transport parameters to forward to the client.
func (c *Client) Join(ctx context.Context, channelID, userID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, roomPath(channelID, "join"), roomRequest{UserID: userID})
}

// Signal forwards an offer, answer or ICE candidate. The response may be nil
// for one-way signals.
func (c *Client) Signal(ctx context.Context, channelID, userID string, payload json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, roomPath(channelID, "signal"), roomRequest{UserID: userID, Signal: payload})
}

// Leave closes userID's media session in channelID's room.
func (c *Client) Leave(ctx context.Context, channelID, userID string) error {
	_, err := c.do(ctx, http.MethodDelete, roomPath(channelID, "leave"), roomRequest{UserID: userID})
	return err
}

func roomPath(channelID, action string) string {
	return "/rooms/" + url.PathEscape(channelID) + "/" + action
}

// do sends body as JSON and returns the raw response. An empty response body
// comes back as nil, nil.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("media %s %s: status %d", method, path, resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("media %s %s: decode response: %w", method, path, err)
	}
	return raw, nil
}
