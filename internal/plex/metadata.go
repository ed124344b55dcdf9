package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// GetMediaItem fetches authoritative metadata for a library item, including
// its full stream list. Missing media or part structure is a structural
// error for the item, never retried.
func (c *Client) GetMediaItem(ctx context.Context, mediaID string) (*remediate.MediaItem, error) {
	body, err := c.get(ctx, "/library/metadata/"+mediaID, nil)
	if err != nil {
		return nil, err
	}

	var parsed metadataResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse metadata response: %w", err)
	}
	if len(parsed.MediaContainer.Metadata) == 0 {
		return nil, fmt.Errorf("metadata for %s: %w", mediaID, remediate.ErrNotFound)
	}

	return mediaItem(&parsed.MediaContainer.Metadata[0])
}

func mediaItem(meta *detailedMetadata) (*remediate.MediaItem, error) {
	item := &remediate.MediaItem{
		RatingKey: meta.RatingKey,
		Title:     meta.Title,
		SectionID: strconv.Itoa(meta.LibrarySectionID),
		UpdatedAt: meta.UpdatedAt,
	}
	if meta.Type == "episode" && meta.GrandparentTitle != "" {
		item.Title = meta.GrandparentTitle + " - " + meta.Title
	}

	if len(meta.Media) == 0 {
		return nil, &remediate.StructuralError{MediaID: meta.RatingKey, Reason: "no media entries"}
	}
	if len(meta.Media[0].Part) == 0 {
		return nil, &remediate.StructuralError{MediaID: meta.RatingKey, Reason: "no parts"}
	}

	part := meta.Media[0].Part[0]
	item.PartID = part.ID
	item.AudioTracks = audioTracks(part.Stream)

	return item, nil
}
