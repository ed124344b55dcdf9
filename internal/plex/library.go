package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/saltyorg/transcodefix/internal/remediate"
	"github.com/saltyorg/transcodefix/internal/scanner"
)

// ListLibrarySections returns the server's library sections.
func (c *Client) ListLibrarySections(ctx context.Context) ([]scanner.Section, error) {
	body, err := c.get(ctx, "/library/sections", nil)
	if err != nil {
		return nil, err
	}

	var parsed librariesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse sections response: %w", err)
	}

	sections := make([]scanner.Section, 0, len(parsed.MediaContainer.Directory))
	for _, dir := range parsed.MediaContainer.Directory {
		sections = append(sections, scanner.Section{
			ID:    dir.Key,
			Title: dir.Title,
			Type:  dir.Type,
		})
	}
	return sections, nil
}

// ListSectionItems returns all playable leaf items in a section. Show
// sections list show-level container rows by default, so they are requested
// at episode depth; streams ride along when the server includes them.
func (c *Client) ListSectionItems(ctx context.Context, section scanner.Section) ([]remediate.MediaItem, error) {
	query := url.Values{}
	query.Set("includeStreams", "1")
	if section.Type == "show" {
		// type 4 = episode
		query.Set("type", "4")
	}

	body, err := c.get(ctx, "/library/sections/"+section.ID+"/all", query)
	if err != nil {
		return nil, err
	}

	var parsed metadataResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse section items response: %w", err)
	}

	items := make([]remediate.MediaItem, 0, len(parsed.MediaContainer.Metadata))
	for i := range parsed.MediaContainer.Metadata {
		meta := &parsed.MediaContainer.Metadata[i]

		// Some rows come back without parts or streams; the scanner will
		// fetch full metadata per item, so a partless row is passed through
		// rather than rejected.
		item, err := mediaItem(meta)
		if err != nil {
			items = append(items, remediate.MediaItem{
				RatingKey: meta.RatingKey,
				Title:     meta.Title,
				UpdatedAt: meta.UpdatedAt,
			})
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}
