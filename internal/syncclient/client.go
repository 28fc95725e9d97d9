// Package syncclient talks to the portfolio API: it posts significant bus
// events with the current game state and reports conflicts back.
package syncclient

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

	"github.com/portfolio-narrator/internal/models"
)

// ErrNotFound is returned for 404 responses
var ErrNotFound = errors.New("not found")

// ConflictError is the server refusing a stale play time. GameState is the
// authoritative snapshot to resynchronise to.
type ConflictError struct {
	Message   string
	GameState json.RawMessage
	EventID   int64
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("game state conflict: %s", e.Message)
}

// Client is a thin HTTP client for the API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. http://localhost:3001/api
func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP creates a client using the given http.Client
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// PostEvent sends one event. A 409 is returned as *ConflictError.
func (c *Client) PostEvent(ctx context.Context, event models.EventRequest) (*models.EventResponse, error) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to post event: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result models.EventResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &result, nil
	case http.StatusConflict:
		var conflict models.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("failed to decode conflict: %w", err)
		}
		return nil, &ConflictError{
			Message:   conflict.Error,
			GameState: conflict.GameState,
			EventID:   conflict.ID,
			SessionID: conflict.SessionID,
		}
	default:
		return nil, statusError(resp)
	}
}

// GameState fetches the latest snapshot of a session, or of the active
// session when sessionID is empty. A nil result means the server has none.
func (c *Client) GameState(ctx context.Context, sessionID string) (json.RawMessage, error) {
	endpoint := c.baseURL + "/gamestate"
	if sessionID != "" {
		endpoint += "?" + url.Values{"sessionId": {sessionID}}.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to get game state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	raw := json.RawMessage(bytes.TrimSpace(body))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	var errResp models.ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
