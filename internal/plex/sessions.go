package plex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// ListActiveSessions returns a snapshot of every current playback session.
func (c *Client) ListActiveSessions(ctx context.Context) ([]remediate.PlaybackSession, error) {
	body, err := c.get(ctx, "/status/sessions", nil)
	if err != nil {
		return nil, err
	}

	var parsed sessionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse sessions response: %w", err)
	}

	sessions := make([]remediate.PlaybackSession, 0, len(parsed.MediaContainer.Metadata))
	for _, item := range parsed.MediaContainer.Metadata {
		session := remediate.PlaybackSession{
			SessionKey:    item.SessionKey,
			SessionID:     item.Session.ID,
			TranscodeKey:  item.TranscodeSession.Key,
			MediaID:       item.RatingKey,
			MediaTitle:    sessionTitle(item),
			PlayerID:      item.Player.MachineIdentifier,
			PlayerTitle:   playerTitle(item.Player),
			UserID:        item.User.ID,
			Username:      item.User.Title,
			Transcoding:   item.TranscodeSession.Key != "",
			AudioDecision: item.TranscodeSession.AudioDecision,
			VideoDecision: item.TranscodeSession.VideoDecision,
		}

		// Streams ride along on the session's media copy; the authoritative
		// list still comes from a metadata fetch at reconcile time.
		if len(item.Media) > 0 && len(item.Media[0].Part) > 0 {
			part := item.Media[0].Part[0]
			session.PartID = part.ID
			session.AudioTracks = audioTracks(part.Stream)
		}

		sessions = append(sessions, session)
	}

	return sessions, nil
}

// sessionTitle formats "Show Name - Episode Name" for episodes.
func sessionTitle(item sessionItem) string {
	if item.Type == "episode" && item.GrandparentTitle != "" {
		return item.GrandparentTitle + " - " + item.Title
	}
	return item.Title
}

func playerTitle(player sessionPlayer) string {
	if player.Title != "" {
		return player.Title
	}
	return player.Product
}

func audioTracks(streams []streamEntry) []remediate.AudioTrack {
	var tracks []remediate.AudioTrack
	for _, stream := range streams {
		if stream.StreamType != 2 {
			continue
		}
		tracks = append(tracks, remediate.AudioTrack{
			ID:           stream.ID,
			Codec:        stream.Codec,
			Channels:     stream.Channels,
			Language:     stream.LanguageCode,
			DisplayTitle: stream.DisplayTitle,
			Selected:     stream.Selected,
		})
	}
	return tracks
}
