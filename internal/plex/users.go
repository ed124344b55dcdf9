package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

// ListManagedUserTokens resolves an access token per home user by walking
// plex.tv: list the home users, then switch into each one. The result is
// keyed by the user's server-side account id. Callers cache this; the walk
// costs one plex.tv round trip per user.
func (c *Client) ListManagedUserTokens(ctx context.Context) (map[string]string, error) {
	body, err := c.plexTVRequest(ctx, "GET", "/api/v2/home/users", c.token)
	if err != nil {
		return nil, fmt.Errorf("listing home users: %w", err)
	}

	var parsed homeUsersResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse home users response: %w", err)
	}

	tokens := make(map[string]string, len(parsed.Users))
	for _, user := range parsed.Users {
		switchBody, err := c.plexTVRequest(ctx, "POST",
			"/api/v2/home/users/"+user.UUID+"/switch", c.token)
		if err != nil {
			log.Warn().
				Err(err).
				Str("user", user.Title).
				Msg("Failed to switch into home user, sessions for this user will be unauthorized")
			continue
		}

		var switched switchUserResponse
		if err := json.Unmarshal(switchBody, &switched); err != nil {
			log.Warn().Err(err).Str("user", user.Title).Msg("Failed to parse switch response")
			continue
		}
		if switched.AuthToken == "" {
			continue
		}
		tokens[strconv.FormatInt(user.ID, 10)] = switched.AuthToken
	}

	log.Debug().Int("users", len(tokens)).Msg("Resolved home user tokens")
	return tokens, nil
}

func (c *Client) plexTVRequest(ctx context.Context, method, path, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.plexTV+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Plex-Token", token)
	req.Header.Set("X-Plex-Client-Identifier", "transcodefix")
	req.Header.Set("X-Plex-Product", "transcodefix")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plex.tv: request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := statusError(resp.StatusCode, path); err != nil {
		return nil, err
	}
	return body, nil
}
