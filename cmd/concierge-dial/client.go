package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/concierge/internal/api"
	"github.com/MrWong99/concierge/internal/relay"
)

// client talks to a running concierge server over its polling API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, hc *http.Client) *client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &client{base: strings.TrimRight(base, "/"), http: hc}
}

// settings fetches the capture and polling parameters.
func (c *client) settings(ctx context.Context) (api.ClientConfig, error) {
	var cc api.ClientConfig
	err := c.do(ctx, http.MethodGet, "/api/realtime/config", nil, &cc)
	return cc, err
}

// poll fetches and drains the server's pending events and audio.
func (c *client) poll(ctx context.Context) (relay.Snapshot, error) {
	var snap relay.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/realtime", nil, &snap)
	return snap, err
}

// send forwards one client event upstream.
func (c *client) send(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/api/realtime", body, nil)
}

// hangUp tears down the server's upstream session.
func (c *client) hangUp(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/realtime", nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
