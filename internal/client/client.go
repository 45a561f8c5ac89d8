// Package client talks to the petition service over its HTTP API. Every
// request carries a keyed digest of its body in place of the shared secret.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petitiond/petitiond/internal/auth"
	"github.com/petitiond/petitiond/internal/protocol"
)

// Client is an authenticated API client.
type Client struct {
	baseURL string
	keyring *auth.Keyring
	http    *http.Client
}

// New builds a client for baseURL, e.g. "http://127.0.0.1:7611".
func New(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		keyring: auth.NewKeyring(secret),
		// Petition streams run as long as the work does; no client-side
		// timeout. Use the request context to bound calls.
		http: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.Header, c.keyring.Digest(body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	var e protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return fmt.Errorf("unexpected status: %s", resp.Status)
}

// Submit sends a petition and consumes its output stream, invoking onLine
// per output line. It returns the exit code from the final exit frame; a
// stream that ends cleanly without one reads as success.
func (c *Client) Submit(ctx context.Context, sub protocol.SubmitRequest, onLine func(string)) (int, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return 1, fmt.Errorf("marshal submit request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/petitions", body)
	if err != nil {
		return 1, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 1, fmt.Errorf("submit petition: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 1, decodeError(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		frame, err := protocol.DecodeFrame(dec)
		if err == io.EOF {
			return 0, nil
		}
		if err != nil {
			return 1, err
		}
		switch frame.Type {
		case protocol.FrameLine:
			if onLine != nil {
				onLine(frame.Line)
			}
		case protocol.FrameExit:
			return *frame.Code, nil
		}
	}
}

// Cancel asks the service to cancel a live petition. It returns false when
// the petition is unknown or already settled.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/petitions/"+id+"/cancel", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("cancel petition: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusConflict:
		var out protocol.CancelResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, fmt.Errorf("decode cancel response: %w", err)
		}
		return out.Cancelled, nil
	default:
		return false, decodeError(resp)
	}
}

// Status fetches the service status snapshot.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

// HistoryEntry is one finished petition from the service log.
type HistoryEntry struct {
	PetitionID string    `json:"petition_id"`
	Kind       string    `json:"kind"`
	Priority   float64   `json:"priority"`
	State      string    `json:"state"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// History fetches recently finished petitions, newest first.
func (c *Client) History(ctx context.Context) ([]HistoryEntry, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/history", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out []HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return out, nil
}
