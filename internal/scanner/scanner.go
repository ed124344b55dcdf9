// Package scanner applies the audio track selection rules across whole
// library sections, pre-selecting compatible tracks before anyone plays the
// items. It is independent of live session remediation: no sessions are
// terminated and nothing is validated afterwards.
package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// Section is one library section as reported by the server.
type Section struct {
	ID    string
	Title string
	Type  string // "movie" or "show"
}

// Gateway is the slice of the media-server API the scanner needs.
type Gateway interface {
	ListLibrarySections(ctx context.Context) ([]Section, error)
	ListSectionItems(ctx context.Context, section Section) ([]remediate.MediaItem, error)
	GetMediaItem(ctx context.Context, mediaID string) (*remediate.MediaItem, error)
	SwitchAudioTrack(ctx context.Context, partID, trackID int, userToken string) error
}

// WatermarkStore persists per-section scan progress across restarts.
type WatermarkStore interface {
	Watermark(section string) (int64, error)
	SetWatermark(section string, lastSeen int64) error
}

// Config holds the scanner knobs.
type Config struct {
	// Sections limits the scan to the named sections. Empty scans everything.
	Sections []string

	// Workers bounds in-flight item processing. Zero means DefaultWorkers.
	Workers int

	// DryRun logs would-be switches and leaves watermarks untouched.
	DryRun bool
}

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 5

// Summary aggregates the result of one full scan run.
type Summary struct {
	Sections int
	Scanned  int
	Changed  int
	Switched int
	Failed   int
	Duration time.Duration
}

// Scanner walks library sections and switches incompatible audio tracks.
type Scanner struct {
	gateway Gateway
	store   WatermarkStore
	rules   func() []remediate.SelectionRule
	cfg     Config

	fetchPolicy remediate.RetryPolicy
}

// New creates a scanner. rules is called once per run.
func New(gateway Gateway, store WatermarkStore, rules func() []remediate.SelectionRule, cfg Config) *Scanner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Scanner{
		gateway: gateway,
		store:   store,
		rules:   rules,
		cfg:     cfg,
		fetchPolicy: remediate.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
		},
	}
}

// Run scans every eligible section once. Per-section and per-item failures
// are absorbed into the summary; only an unusable section listing is fatal.
func (s *Scanner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	rules := s.rules()

	sections, err := remediate.Do(ctx, s.fetchPolicy, "library section listing", func() ([]Section, error) {
		return s.gateway.ListLibrarySections(ctx)
	})
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, section := range sections {
		if !s.sectionAllowed(section.Title) {
			continue
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		summary.Sections++
		result := s.scanSection(ctx, section, rules)
		summary.Scanned += result.scanned
		summary.Changed += result.changed
		summary.Switched += result.switched
		summary.Failed += result.failed
	}

	summary.Duration = time.Since(start)
	log.Info().
		Int("sections", summary.Sections).
		Int("items", summary.Scanned).
		Int("changed", summary.Changed).
		Int("switched", summary.Switched).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Bool("dry_run", s.cfg.DryRun).
		Msg("Library scan finished")
	return summary, nil
}

func (s *Scanner) sectionAllowed(title string) bool {
	if len(s.cfg.Sections) == 0 {
		return true
	}
	for _, name := range s.cfg.Sections {
		if name == title {
			return true
		}
	}
	return false
}

type sectionResult struct {
	scanned  int
	changed  int
	switched int
	failed   int
}

// scanSection processes one section with the bounded worker pool. The
// watermark advances only after every worker finishes, only when no item
// failed transiently, and never in dry-run mode; a failed or interrupted
// section is rescanned from the old watermark on the next run.
func (s *Scanner) scanSection(ctx context.Context, section Section, rules []remediate.SelectionRule) sectionResult {
	var result sectionResult

	items, err := remediate.Do(ctx, s.fetchPolicy, "section item listing", func() ([]remediate.MediaItem, error) {
		return s.gateway.ListSectionItems(ctx, section)
	})
	if err != nil {
		log.Warn().Err(err).Str("section", section.Title).Msg("Failed to list section items, skipping section")
		result.failed++
		return result
	}
	result.scanned = len(items)

	watermark, err := s.store.Watermark(section.Title)
	if err != nil {
		log.Warn().Err(err).Str("section", section.Title).Msg("Failed to read watermark, rescanning section from scratch")
		watermark = 0
	}

	var work []remediate.MediaItem
	maxSeen := watermark
	for _, item := range items {
		if item.UpdatedAt > maxSeen {
			maxSeen = item.UpdatedAt
		}
		if item.UpdatedAt > watermark {
			work = append(work, item)
		}
	}
	result.changed = len(work)
	if len(work) == 0 {
		log.Debug().Str("section", section.Title).Int("items", len(items)).Msg("No items changed since last scan")
		return result
	}

	log.Info().
		Str("section", section.Title).
		Int("changed", len(work)).
		Int("workers", s.cfg.Workers).
		Msg("Scanning changed items")

	var next atomic.Int64
	var switched, failed atomic.Int64

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := next.Add(1) - 1
				if int(idx) >= len(work) || ctx.Err() != nil {
					return
				}
				ok, err := s.processItem(ctx, &work[idx], rules)
				if err != nil {
					failed.Add(1)
					log.Warn().
						Err(err).
						Str("section", section.Title).
						Str("title", work[idx].Title).
						Msg("Item scan failed")
					continue
				}
				if ok {
					switched.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	result.switched = int(switched.Load())
	result.failed += int(failed.Load())

	if s.cfg.DryRun || ctx.Err() != nil || failed.Load() > 0 {
		return result
	}
	if maxSeen > watermark {
		if err := s.store.SetWatermark(section.Title, maxSeen); err != nil {
			log.Warn().Err(err).Str("section", section.Title).Msg("Failed to persist watermark")
			result.failed++
		}
	}
	return result
}

// processItem applies the rules to one item. It reports whether a switch was
// performed (or would have been, in dry-run). Structural problems are logged
// and treated as no-match; the returned error covers transient failures only.
func (s *Scanner) processItem(ctx context.Context, item *remediate.MediaItem, rules []remediate.SelectionRule) (bool, error) {
	tracks := item.AudioTracks
	partID := item.PartID

	// Section listings often omit the stream detail; fetch the full metadata
	// when the batch copy has none.
	if len(tracks) == 0 {
		full, err := remediate.Do(ctx, s.fetchPolicy, "media metadata fetch", func() (*remediate.MediaItem, error) {
			return s.gateway.GetMediaItem(ctx, item.RatingKey)
		})
		if err != nil {
			if remediate.IsStructural(err) || errors.Is(err, remediate.ErrNotFound) {
				log.Debug().Err(err).Str("title", item.Title).Msg("Item unusable, skipping")
				return false, nil
			}
			return false, err
		}
		tracks = full.AudioTracks
		if partID == 0 {
			partID = full.PartID
		}
	}
	if len(tracks) == 0 {
		log.Debug().Str("title", item.Title).Msg("Item has no audio tracks, skipping")
		return false, nil
	}

	currentID := 0
	for i := range tracks {
		if tracks[i].Selected {
			currentID = tracks[i].ID
			break
		}
	}

	match := remediate.MatchTrack(tracks, currentID, rules)
	if match == nil {
		return false, nil
	}

	if s.cfg.DryRun {
		log.Info().
			Str("title", item.Title).
			Str("to", match.DisplayTitle).
			Msg("Dry run: would pre-select audio track")
		return true, nil
	}

	// Batch pre-selection acts as the server owner.
	_, err := remediate.Do(ctx, s.fetchPolicy, "audio track switch", func() (struct{}, error) {
		return struct{}{}, s.gateway.SwitchAudioTrack(ctx, partID, match.ID, "")
	})
	if err != nil {
		return false, err
	}

	log.Info().
		Str("title", item.Title).
		Str("to", match.DisplayTitle).
		Msg("Pre-selected audio track")
	return true, nil
}
