// Package httpapi is the JSON-over-HTTP adapter for the remote budget
// store. It maps transport and status failures onto the remote error
// taxonomy; callers never inspect status codes.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/normalize"
	"bilancio/internal/remote"
)

// Client talks to the budget API.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// New builds a client for the given base URL. token, when non-empty, is
// sent as a bearer token.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in base url", u.Scheme)
	}
	return &Client{
		base:  u,
		http:  &http.Client{Timeout: 15 * time.Second},
		token: token,
	}, nil
}

type monthWire struct {
	MonthKey  string          `json:"monthKey,omitempty"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (c *Client) ListMonths(ctx context.Context) ([]remote.MonthRecord, error) {
	const op = "httpapi.ListMonths"
	body, err := c.do(ctx, op, http.MethodGet, "/api/months", nil)
	if err != nil {
		return nil, err
	}
	var wire []monthWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, remote.E(remote.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	out := make([]remote.MonthRecord, 0, len(wire))
	for _, w := range wire {
		key, err := core.ParseMonthKey(w.MonthKey)
		if err != nil {
			continue
		}
		out = append(out, remote.MonthRecord{
			Key:       key,
			Data:      normalize.BudgetData(w.Data),
			UpdatedAt: w.UpdatedAt,
		})
	}
	return out, nil
}

func (c *Client) GetMonth(ctx context.Context, key core.MonthKey) (remote.MonthRecord, error) {
	const op = "httpapi.GetMonth"
	body, err := c.do(ctx, op, http.MethodGet, "/api/months/"+string(key), nil)
	if err != nil {
		return remote.MonthRecord{}, err
	}
	var w monthWire
	if err := json.Unmarshal(body, &w); err != nil {
		return remote.MonthRecord{}, remote.E(remote.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return remote.MonthRecord{
		Key:       key,
		Data:      normalize.BudgetData(w.Data),
		UpdatedAt: w.UpdatedAt,
	}, nil
}

func (c *Client) PutMonth(ctx context.Context, key core.MonthKey, data core.BudgetData) (time.Time, error) {
	const op = "httpapi.PutMonth"
	payload, err := json.Marshal(data)
	if err != nil {
		return time.Time{}, remote.E(remote.KindClientRejected, op, fmt.Errorf("encode month: %w", err))
	}
	body, err := c.do(ctx, op, http.MethodPut, "/api/months/"+string(key), payload)
	if err != nil {
		return time.Time{}, err
	}
	var w monthWire
	if err := json.Unmarshal(body, &w); err != nil {
		return time.Time{}, remote.E(remote.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return w.UpdatedAt, nil
}

func (c *Client) DeleteMonth(ctx context.Context, key core.MonthKey) error {
	const op = "httpapi.DeleteMonth"
	_, err := c.do(ctx, op, http.MethodDelete, "/api/months/"+string(key), nil)
	if remote.IsNotFound(err) {
		// Already gone remotely; the intent is satisfied.
		return nil
	}
	return err
}

func (c *Client) GetSettings(ctx context.Context) (core.Settings, error) {
	const op = "httpapi.GetSettings"
	body, err := c.do(ctx, op, http.MethodGet, "/api/settings", nil)
	if err != nil {
		return core.Settings{}, err
	}
	return normalize.Settings(body), nil
}

func (c *Client) PatchSettings(ctx context.Context, patch core.SettingsPatch) (core.Settings, error) {
	const op = "httpapi.PatchSettings"
	payload, err := json.Marshal(patch)
	if err != nil {
		return core.Settings{}, remote.E(remote.KindClientRejected, op, fmt.Errorf("encode patch: %w", err))
	}
	body, err := c.do(ctx, op, http.MethodPatch, "/api/settings", payload)
	if err != nil {
		return core.Settings{}, err
	}
	return normalize.Settings(body), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, remote.E(remote.KindClientRejected, op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, remote.E(remote.KindTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, remote.E(remote.KindTransient, op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, remote.E(remote.KindUnauthorized, op, httpError(resp.StatusCode, body))
	case resp.StatusCode == http.StatusNotFound:
		return nil, remote.E(remote.KindNotFound, op, httpError(resp.StatusCode, body))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, remote.E(remote.KindClientRejected, op, httpError(resp.StatusCode, body))
	default:
		return nil, remote.E(remote.KindTransient, op, httpError(resp.StatusCode, body))
	}
}

func httpError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("status %d", status)
	}
	return fmt.Errorf("status %d: %s", status, msg)
}
