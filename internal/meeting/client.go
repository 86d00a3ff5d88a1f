// Package meeting talks to the meeting REST service that owns rooms and
// users. The session core never calls it; the CLI resolves a meeting code
// and the local identity before joining.
package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("meeting not found")

// Meeting is the part of a meeting record the client needs.
type Meeting struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	HostID string `json:"hostId"`
	Title  string `json:"title"`
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Client is a small JSON client for the meeting service.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient returns a client for the service at base, e.g.
// "http://127.0.0.1:8080/api". token, when set, is sent as a bearer token.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ByCode resolves a human-friendly meeting code to its room.
func (c *Client) ByCode(ctx context.Context, code string) (*Meeting, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrNotFound)
	}
	var m Meeting
	if err := c.get(ctx, "/meetings/by-code/"+url.PathEscape(code), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Me returns the user the token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/user/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: failed to decode response: %w", path, err)
	}
	return nil
}
