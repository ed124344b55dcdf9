// Package plex implements the media-server gateway against the Plex HTTP API.
// Responses are parsed into the engine's typed model at this boundary; missing
// required fields surface as structural errors here, not as nil checks in the
// business logic.
package plex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

const plexTVBaseURL = "https://plex.tv"

// Client talks to one Plex Media Server and to plex.tv for home users.
type Client struct {
	baseURL string
	token   string
	client  *http.Client

	// plexTV overrides the plex.tv base URL in tests.
	plexTV string
}

// NewClient creates a client for the server at baseURL using the owner token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		plexTV:  plexTVBaseURL,
	}
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TestConnection verifies the server is reachable and the token is accepted.
// Failure here is fatal at startup.
func (c *Client) TestConnection(ctx context.Context) error {
	testURL := c.baseURL + "/identity"

	req, err := http.NewRequestWithContext(ctx, "GET", testURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("plex: connection to %s failed: %w", testURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("plex: invalid token for %s: %w", c.baseURL, remediate.ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plex: %s returned status %d", testURL, resp.StatusCode)
	}

	return nil
}

// get performs a JSON GET against the server and maps status codes onto the
// engine's error taxonomy.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if err := statusError(resp.StatusCode, path); err != nil {
		return nil, err
	}

	log.Trace().Str("path", path).RawJSON("payload", body).Msg("Fetched from Plex")
	return body, nil
}

func statusError(code int, path string) error {
	switch {
	case code == http.StatusOK || code == http.StatusCreated || code == http.StatusNoContent:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("plex: %s: %w", path, remediate.ErrUnauthorized)
	case code == http.StatusNotFound:
		return fmt.Errorf("plex: %s: %w", path, remediate.ErrNotFound)
	default:
		return fmt.Errorf("plex: %s returned status %d", path, code)
	}
}

// SwitchAudioTrack selects an audio stream on a part. An empty userToken acts
// as the server owner; a managed-user token changes that user's selection.
func (c *Client) SwitchAudioTrack(ctx context.Context, partID, trackID int, userToken string) error {
	setURL := fmt.Sprintf("%s/library/parts/%d", c.baseURL, partID)

	params := url.Values{}
	params.Set("audioStreamID", fmt.Sprintf("%d", trackID))
	params.Set("allParts", "1")

	req, err := http.NewRequestWithContext(ctx, "PUT", setURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token := userToken
	if token == "" {
		token = c.token
	}
	req.Header.Set("X-Plex-Token", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("plex: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode, "/library/parts"); err != nil {
		return err
	}

	log.Debug().
		Int("part_id", partID).
		Int("track_id", trackID).
		Bool("owner", userToken == "").
		Msg("Set audio stream selection")
	return nil
}

// TerminateTranscode stops a transcode session by its key.
func (c *Client) TerminateTranscode(ctx context.Context, transcodeKey string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+transcodeKey, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("plex: request failed: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp.StatusCode, transcodeKey)
}

// TerminateSession kills a playback session, showing the reason to the client.
func (c *Client) TerminateSession(ctx context.Context, sessionID, reason string) error {
	params := url.Values{}
	params.Set("sessionId", sessionID)
	params.Set("reason", reason)

	req, err := http.NewRequestWithContext(ctx, "GET",
		c.baseURL+"/status/sessions/terminate?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("plex: request failed: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp.StatusCode, "/status/sessions/terminate")
}
