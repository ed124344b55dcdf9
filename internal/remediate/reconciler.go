package remediate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds the knobs for a Reconciler.
type Config struct {
	// DryRun logs the intended switch and stops without touching the server.
	DryRun bool

	// ForceRestart kills the transcode and the session after a switch so the
	// client reconnects with the new track. Without it the switch only takes
	// effect on the next natural playback.
	ForceRestart bool

	// OwnerUsername is the server owner's account name. Sessions from the
	// owner use the server token; everyone else needs a managed-user token.
	OwnerUsername string

	// TerminateReason is shown to the client when the session is killed.
	TerminateReason string

	// ValidationTimeout bounds how long a record waits for the restart.
	ValidationTimeout time.Duration
}

// HistoryEntry records the outcome of one remediation attempt.
type HistoryEntry struct {
	Time       time.Time
	MediaID    string
	MediaTitle string
	PlayerID   string
	Username   string
	FromTrack  string
	ToTrack    string
	Outcome    Outcome
	Detail     string
}

// HistorySink receives finished remediation outcomes for durable storage.
type HistorySink interface {
	RecordRemediation(entry HistoryEntry) error
}

// Notifier is told about terminal outcomes. Implementations must not block.
type Notifier interface {
	NotifyOutcome(entry HistoryEntry)
}

// Reconciler drives the per-session workflow: select a compatible track,
// switch it remotely, optionally terminate the session for a restart, and
// validate the restarted session against the expected track.
type Reconciler struct {
	gateway Gateway
	cache   *Cache
	rules   func() []SelectionRule
	cfg     Config
	history HistorySink
	notify  Notifier

	// Managed-user tokens are cached; fetching them walks plex.tv.
	tokensMu      sync.Mutex
	tokens        map[string]string
	tokensFetched time.Time

	fetchPolicy RetryPolicy
	tokenPolicy RetryPolicy
}

const tokenCacheTTL = 12 * time.Hour

// NewReconciler creates a reconciler sharing the given cache. rules is called
// per attempt so rule hot-reload takes effect without restart. history and
// notify may be nil.
func NewReconciler(gateway Gateway, cache *Cache, rules func() []SelectionRule, cfg Config, history HistorySink, notify Notifier) *Reconciler {
	if cfg.TerminateReason == "" {
		cfg.TerminateReason = "Switching to a compatible audio track, press play to resume"
	}
	return &Reconciler{
		gateway: gateway,
		cache:   cache,
		rules:   rules,
		cfg:     cfg,
		history: history,
		notify:  notify,
		fetchPolicy: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
		},
		tokenPolicy: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			Limiter:      rate.NewLimiter(rate.Every(time.Second), 1),
		},
	}
}

// Cache returns the shared reconciliation cache.
func (r *Reconciler) Cache() *Cache {
	return r.cache
}

// Reconcile runs the workflow for one transcoding session without a live
// record. The returned error classifies the failure; per-session errors never
// abort the caller's cycle.
func (r *Reconciler) Reconcile(ctx context.Context, session *PlaybackSession) (Outcome, error) {
	item, err := Do(ctx, r.fetchPolicy, "media metadata fetch", func() (*MediaItem, error) {
		return r.gateway.GetMediaItem(ctx, session.MediaID)
	})
	if err != nil {
		if IsStructural(err) || errors.Is(err, ErrNotFound) {
			// Malformed or vanished media is no-match, never retried.
			log.Warn().
				Err(err).
				Str("media_id", session.MediaID).
				Str("title", session.MediaTitle).
				Msg("Media item unusable, skipping")
			return OutcomeNoAction, err
		}
		return OutcomeFailed, err
	}
	if len(item.AudioTracks) == 0 {
		err := &StructuralError{MediaID: session.MediaID, Reason: "no audio tracks in metadata"}
		log.Warn().Err(err).Str("title", session.MediaTitle).Msg("Media item unusable, skipping")
		return OutcomeNoAction, err
	}

	currentID := 0
	if current := session.SelectedAudioTrack(); current != nil {
		currentID = current.ID
	} else if current := item.SelectedAudioTrack(); current != nil {
		currentID = current.ID
	}

	match := MatchTrack(item.AudioTracks, currentID, r.rules())
	if match == nil {
		log.Debug().
			Str("title", session.MediaTitle).
			Str("player", session.PlayerTitle).
			Msg("No rule matched an alternative track")
		return OutcomeNoAction, nil
	}

	entry := HistoryEntry{
		Time:       time.Now(),
		MediaID:    session.MediaID,
		MediaTitle: session.MediaTitle,
		PlayerID:   session.PlayerID,
		Username:   session.Username,
		FromTrack:  trackLabel(item.AudioTracks, currentID),
		ToTrack:    match.DisplayTitle,
	}

	token, err := r.actingToken(ctx, session)
	if err != nil {
		entry.Outcome = OutcomeUnauthorized
		entry.Detail = err.Error()
		r.record(entry)
		return OutcomeUnauthorized, fmt.Errorf("resolving token for %q: %w", session.Username, err)
	}

	if r.cfg.DryRun {
		log.Info().
			Str("title", session.MediaTitle).
			Str("user", session.Username).
			Str("from", entry.FromTrack).
			Str("to", match.DisplayTitle).
			Msg("Dry run: would switch audio track")
		return OutcomeSimulated, nil
	}

	partID := session.PartID
	if partID == 0 {
		partID = item.PartID
	}
	_, err = Do(ctx, r.fetchPolicy, "audio track switch", func() (struct{}, error) {
		return struct{}{}, r.gateway.SwitchAudioTrack(ctx, partID, match.ID, token)
	})
	if err != nil {
		entry.Outcome = OutcomeFailed
		entry.Detail = err.Error()
		r.record(entry)
		if errors.Is(err, ErrUnauthorized) {
			r.clearTokens()
			return OutcomeUnauthorized, err
		}
		return OutcomeFailed, err
	}

	log.Info().
		Str("title", session.MediaTitle).
		Str("user", session.Username).
		Str("player", session.PlayerTitle).
		Str("from", entry.FromTrack).
		Str("to", match.DisplayTitle).
		Msg("Switched audio track")

	if !r.cfg.ForceRestart {
		r.cache.Put(&ProcessingRecord{
			MediaID:            session.MediaID,
			PlayerID:           session.PlayerID,
			CreatedAt:          time.Now(),
			ExpectedTrackID:    match.ID,
			OriginalSessionKey: session.SessionKey,
			State:              StateCooldown,
		})
		entry.Outcome = OutcomeSwitched
		r.record(entry)
		return OutcomeSwitched, nil
	}

	// Terminate actions run at most once per pass, never retried.
	if session.TranscodeKey != "" {
		if err := r.gateway.TerminateTranscode(ctx, session.TranscodeKey); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().
				Err(err).
				Str("title", session.MediaTitle).
				Msg("Failed to stop transcode, terminating session anyway")
		}
	}
	if err := r.gateway.TerminateSession(ctx, session.SessionID, r.cfg.TerminateReason); err != nil {
		entry.Outcome = OutcomeFailed
		entry.Detail = err.Error()
		r.record(entry)
		return OutcomeFailed, fmt.Errorf("terminating session %s: %w", session.SessionKey, err)
	}

	r.cache.Put(&ProcessingRecord{
		MediaID:            session.MediaID,
		PlayerID:           session.PlayerID,
		CreatedAt:          time.Now(),
		ExpectedTrackID:    match.ID,
		OriginalSessionKey: session.SessionKey,
		State:              StateAwaitingRestart,
	})

	log.Info().
		Str("title", session.MediaTitle).
		Str("user", session.Username).
		Str("session", session.SessionKey).
		Msg("Session terminated, awaiting restart")

	return OutcomeSwitched, nil
}

// Validate checks a restarted session against its record and clears the
// record regardless of the outcome. A still-transcoding restart means the
// selected codec is also incompatible; a wrong track means something else
// changed the selection underneath us. Neither is retried automatically.
func (r *Reconciler) Validate(session *PlaybackSession, record *ProcessingRecord) Outcome {
	r.cache.Clear(record.MediaID, record.PlayerID)

	entry := HistoryEntry{
		Time:       time.Now(),
		MediaID:    session.MediaID,
		MediaTitle: session.MediaTitle,
		PlayerID:   session.PlayerID,
		Username:   session.Username,
	}

	if session.Transcoding {
		entry.Outcome = OutcomeFailed
		entry.Detail = "restarted session is still transcoding"
		r.record(entry)
		log.Warn().
			Str("title", session.MediaTitle).
			Str("player", session.PlayerTitle).
			Msg("Restarted session still transcoding, selected codec not supported by client")
		return OutcomeFailed
	}

	selected := session.SelectedAudioTrack()
	if selected != nil && selected.ID == record.ExpectedTrackID {
		entry.Outcome = OutcomeValidated
		entry.ToTrack = selected.DisplayTitle
		r.record(entry)
		log.Info().
			Str("title", session.MediaTitle).
			Str("user", session.Username).
			Str("track", selected.DisplayTitle).
			Msg("Remediation validated, client direct playing")
		return OutcomeValidated
	}

	entry.Outcome = OutcomeFailed
	entry.Detail = "restarted session is playing an unexpected track"
	r.record(entry)
	log.Warn().
		Str("title", session.MediaTitle).
		Str("player", session.PlayerTitle).
		Int("expected_track", record.ExpectedTrackID).
		Msg("Restarted session selected a different track")
	return OutcomeFailed
}

// actingToken resolves the credential used for the switch. The owner acts
// with the server token (empty string); managed users need their own.
func (r *Reconciler) actingToken(ctx context.Context, session *PlaybackSession) (string, error) {
	if session.Username == "" || session.Username == r.cfg.OwnerUsername {
		return "", nil
	}

	r.tokensMu.Lock()
	cached := r.tokens
	fresh := time.Since(r.tokensFetched) < tokenCacheTTL
	r.tokensMu.Unlock()

	if cached != nil && fresh {
		if token, ok := cached[session.UserID]; ok {
			return token, nil
		}
	}

	tokens, err := Do(ctx, r.tokenPolicy, "managed user token fetch", func() (map[string]string, error) {
		return r.gateway.ListManagedUserTokens(ctx)
	})
	if err != nil {
		return "", err
	}

	r.tokensMu.Lock()
	r.tokens = tokens
	r.tokensFetched = time.Now()
	r.tokensMu.Unlock()

	token, ok := tokens[session.UserID]
	if !ok {
		return "", fmt.Errorf("user %q (%s): %w", session.Username, session.UserID, ErrUnauthorized)
	}
	return token, nil
}

func (r *Reconciler) clearTokens() {
	r.tokensMu.Lock()
	r.tokens = nil
	r.tokensMu.Unlock()
}

func (r *Reconciler) record(entry HistoryEntry) {
	if r.history != nil {
		if err := r.history.RecordRemediation(entry); err != nil {
			log.Warn().Err(err).Msg("Failed to record remediation history")
		}
	}
	if r.notify != nil && (entry.Outcome == OutcomeValidated || entry.Outcome == OutcomeFailed) {
		r.notify.NotifyOutcome(entry)
	}
}

func trackLabel(tracks []AudioTrack, id int) string {
	for i := range tracks {
		if tracks[i].ID == id {
			return tracks[i].DisplayTitle
		}
	}
	return fmt.Sprintf("stream %d", id)
}
