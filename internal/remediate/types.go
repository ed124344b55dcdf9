// Package remediate implements automatic remediation of audio-only transcodes.
// It watches playback sessions, switches incompatible audio tracks to a
// compatible pre-existing track and confirms the client resumes direct play.
package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the remote server has no record of the requested item.
var ErrNotFound = errors.New("plex item not found")

// ErrUnauthorized indicates the server rejected the token used for a request.
var ErrUnauthorized = errors.New("plex token unauthorized")

// ErrNoMatchingSession indicates no live session matched a media/player pair.
var ErrNoMatchingSession = errors.New("no matching playback session")

// StructuralError indicates a remote response was missing required fields.
// Items with structural errors are skipped, never retried.
type StructuralError struct {
	MediaID string
	Reason  string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("malformed media %s: %s", e.MediaID, e.Reason)
}

// IsStructural reports whether err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// AudioTrack is an immutable snapshot of a single audio stream as reported by
// the server.
type AudioTrack struct {
	ID           int    `json:"id"`
	Codec        string `json:"codec"`
	Channels     int    `json:"channels"`
	Language     string `json:"language"` // ISO code, may be empty
	DisplayTitle string `json:"displayTitle"`
	Selected     bool   `json:"selected"`
}

// PlaybackSession is a snapshot of one active playback session.
type PlaybackSession struct {
	SessionKey   string
	SessionID    string // opaque id used for session termination
	TranscodeKey string // transcode session reference, empty when direct playing
	MediaID      string
	MediaTitle   string
	PartID       int
	PlayerID     string // client machine identifier
	PlayerTitle  string
	UserID       string
	Username     string

	Transcoding   bool
	AudioDecision string // "transcode", "copy" or "directplay"
	VideoDecision string

	AudioTracks []AudioTrack
}

// AudioOnlyTranscode reports whether the session transcodes solely because of
// the audio track. Video transcodes are out of reach for a track switch.
func (s *PlaybackSession) AudioOnlyTranscode() bool {
	return s.Transcoding && s.AudioDecision == "transcode" && s.VideoDecision != "transcode"
}

// SelectedAudioTrack returns the currently selected audio track, or nil.
func (s *PlaybackSession) SelectedAudioTrack() *AudioTrack {
	return selectedTrack(s.AudioTracks)
}

// MediaItem is the authoritative metadata for a library item, fetched fresh
// per reconciliation attempt and never cached.
type MediaItem struct {
	RatingKey   string
	Title       string
	SectionID   string
	PartID      int
	UpdatedAt   int64
	AudioTracks []AudioTrack
}

// SelectedAudioTrack returns the item's currently selected audio track, or nil.
func (m *MediaItem) SelectedAudioTrack() *AudioTrack {
	return selectedTrack(m.AudioTracks)
}

func selectedTrack(tracks []AudioTrack) *AudioTrack {
	for i := range tracks {
		if tracks[i].Selected {
			return &tracks[i]
		}
	}
	return nil
}

// RecordState is the lifecycle state of a ProcessingRecord.
type RecordState string

const (
	// StateAwaitingRestart marks a pair whose session was terminated and is
	// expected to come back with a new session key.
	StateAwaitingRestart RecordState = "awaiting_restart"
	// StateCooldown marks a pair that was acted on without a forced restart;
	// it is left alone until the record expires.
	StateCooldown RecordState = "cooldown"
)

// ProcessingRecord tracks an in-flight or cooling-down remediation for one
// (media, player) pair. At most one record exists per pair; a new record
// always replaces the prior one.
type ProcessingRecord struct {
	MediaID            string
	PlayerID           string
	CreatedAt          time.Time
	ExpectedTrackID    int
	OriginalSessionKey string
	State              RecordState
}

// Outcome summarizes the result of one reconciliation pass for a session.
type Outcome string

const (
	OutcomeNoAction     Outcome = "no_action"
	OutcomeSimulated    Outcome = "simulated"
	OutcomeSwitched     Outcome = "switched"
	OutcomeValidated    Outcome = "validated"
	OutcomeFailed       Outcome = "failed"
	OutcomeUnauthorized Outcome = "unauthorized"
)

// Event is a normalized playback event from an external transport (webhook or
// server notification socket). Unrecognized types are ignored, not errors.
type Event struct {
	Type     string `json:"event"`
	MediaID  string `json:"media_id"`
	PlayerID string `json:"player_id"`
	Username string `json:"username"`
}

// Gateway is the remote media-server contract the engine drives. All methods
// distinguish a not-found condition (ErrNotFound) from transport and
// authorization errors; the engine relies on this to decide retryability.
type Gateway interface {
	ListActiveSessions(ctx context.Context) ([]PlaybackSession, error)
	GetMediaItem(ctx context.Context, mediaID string) (*MediaItem, error)
	SwitchAudioTrack(ctx context.Context, partID, trackID int, userToken string) error
	TerminateTranscode(ctx context.Context, transcodeKey string) error
	TerminateSession(ctx context.Context, sessionID, reason string) error
	ListManagedUserTokens(ctx context.Context) (map[string]string, error)
}
