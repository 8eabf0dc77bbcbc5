// Package rpc is the request/reply adapter for the remote platform:
// streamer directory, layout rows, heartbeat rows, the current user
// and session credentials.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/domain"
)

type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// LiveStreamers fetches the ranked live streamer list. Fallback order:
// primary ranked RPC, then the legacy unranked RPC; only when both
// fail does the caller see an error (and should show an empty grid).
func (c *Client) LiveStreamers(ctx context.Context) ([]domain.StreamerRef, error) {
	var out []domain.StreamerRef
	err := c.do(ctx, http.MethodGet, "/rpc/get_live_grid", nil, &out)
	if err == nil {
		return out, nil
	}
	log.Warn().Err(err).Str("module", "rpc").Msg("ranked streamer fetch failed, trying legacy")

	out = nil
	if lerr := c.do(ctx, http.MethodGet, "/rpc/get_available_streamers_filtered", nil, &out); lerr != nil {
		return nil, fmt.Errorf("streamer fetch exhausted: %w", lerr)
	}
	return out, nil
}

func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	var u domain.User
	if err := c.do(ctx, http.MethodGet, "/auth/user", nil, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, nil
	}
	return &u, nil
}

func (c *Client) FetchLayout(ctx context.Context, owner domain.ProfileID) ([]domain.GridSlot, error) {
	var out []domain.GridSlot
	path := "/user_grid_slots?owner=" + url.QueryEscape(string(owner))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SaveLayout(ctx context.Context, owner domain.ProfileID, slots [domain.GridSize]domain.GridSlot) error {
	body := struct {
		Owner domain.ProfileID  `json:"owner"`
		Slots []domain.GridSlot `json:"slots"`
	}{Owner: owner, Slots: slots[:]}
	return c.do(ctx, http.MethodPost, "/user_grid_slots", body, nil)
}

func (c *Client) UpsertHeartbeat(ctx context.Context, rec domain.HeartbeatRecord) error {
	return c.do(ctx, http.MethodPost, "/active_viewers/heartbeat", rec, nil)
}

func (c *Client) DeleteHeartbeat(ctx context.Context, key domain.HeartbeatKey) error {
	path := fmt.Sprintf("/active_viewers/heartbeat?viewer_id=%s&stream_id=%s",
		url.QueryEscape(string(key.ViewerID)), url.QueryEscape(string(key.StreamID)))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) ListHeartbeats(ctx context.Context, stream domain.StreamID) ([]domain.HeartbeatRecord, error) {
	var out []domain.HeartbeatRecord
	path := "/active_viewers?stream_id=" + url.QueryEscape(string(stream))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SessionCredential is the short-lived token used to establish the
// shared video session, consumed once per connect.
type SessionCredential struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}

func (c *Client) SessionToken(ctx context.Context) (SessionCredential, error) {
	var cred SessionCredential
	if err := c.do(ctx, http.MethodPost, "/session/token", nil, &cred); err != nil {
		return SessionCredential{}, err
	}
	return cred, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
