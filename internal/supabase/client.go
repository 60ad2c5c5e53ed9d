// Package supabase is a minimal PostgREST client covering what the agent
// needs: authenticated inserts and conflict-aware upserts returning the
// generated row id.
package supabase

import (
	"bytes"
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

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20 // 1 MB; representation of a single row
)

// StoreError reports a non-2xx response from the remote store. The body is
// kept verbatim for operator diagnosis.
type StoreError struct {
	Status int
	Body   string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("supabase: HTTP %d: %s", e.Status, e.Body)
}

// IsStoreError returns the StoreError when err is (or wraps) one.
func IsStoreError(err error) (*StoreError, bool) {
	var target *StoreError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Client talks to a Supabase project's REST endpoint with a service
// credential. It is stateless from the caller's perspective and safe for
// concurrent use.
type Client struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

// New creates a client for the given project URL and service key.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		http: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("too many redirects")
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("redirect to disallowed scheme: %s", req.URL.Scheme)
				}
				return nil
			},
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client (primarily for tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Insert adds a row to table and returns the generated id.
func (c *Client) Insert(ctx context.Context, table string, row map[string]any) (string, error) {
	return c.write(ctx, table, row, nil)
}

// Upsert inserts or updates a row keyed on conflictCols and returns the row id.
func (c *Client) Upsert(ctx context.Context, table string, row map[string]any, conflictCols []string) (string, error) {
	if len(conflictCols) == 0 {
		return "", fmt.Errorf("supabase: upsert requires conflict columns")
	}
	return c.write(ctx, table, row, conflictCols)
}

func (c *Client) write(ctx context.Context, table string, row map[string]any, conflictCols []string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("supabase: table name is required")
	}

	body, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("supabase: encode row: %w", err)
	}

	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(table)
	if len(conflictCols) > 0 {
		endpoint += "?on_conflict=" + url.QueryEscape(strings.Join(conflictCols, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	prefer := "return=representation"
	if len(conflictCols) > 0 {
		prefer = "resolution=merge-duplicates," + prefer
	}
	req.Header.Set("Prefer", prefer)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("supabase: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("supabase: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StoreError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return extractID(data)
}

// extractID pulls the id out of the returned representation. PostgREST
// answers with an array of affected rows; ids may be UUID strings or
// numeric serials.
func extractID(data []byte) (string, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		var row map[string]any
		if err2 := json.Unmarshal(data, &row); err2 != nil {
			return "", fmt.Errorf("supabase: parse representation: %w", err)
		}
		rows = []map[string]any{row}
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("supabase: empty representation")
	}
	switch id := rows[0]["id"].(type) {
	case string:
		return id, nil
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	default:
		return "", fmt.Errorf("supabase: representation has no id")
	}
}
