package remediate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types acted on by the ingestor. Anything else is dropped.
const (
	EventPlay   = "play"
	EventResume = "resume"
)

// Ingestor consumes normalized playback events from the transports (webhook
// and notification socket), resolves them to a live session and drives either
// validation or a fresh reconciliation. Events pass through a bounded queue
// drained by a single consumer, which keeps ordering and backpressure under
// the engine's control.
type Ingestor struct {
	gateway    Gateway
	reconciler *Reconciler
	cache      *Cache

	events chan Event

	lookupPolicy RetryPolicy

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewIngestor creates an ingestor feeding the given reconciler.
func NewIngestor(gateway Gateway, reconciler *Reconciler) *Ingestor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		gateway:    gateway,
		reconciler: reconciler,
		cache:      reconciler.Cache(),
		events:     make(chan Event, 100),
		// The server may not have created the session yet when the event
		// arrives; the lookup backs off across 5 attempts from 500ms.
		lookupPolicy: RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			Retryable: func(err error) bool {
				return errors.Is(err, ErrNoMatchingSession) || DefaultRetryable(err)
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the consuming routine.
func (i *Ingestor) Start() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return
	}
	i.running = true

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		for {
			select {
			case <-i.ctx.Done():
				return
			case ev := <-i.events:
				i.handle(i.ctx, ev)
			}
		}
	}()

	log.Info().Msg("Event ingestor started")
}

// Stop stops the consumer. Queued events are dropped.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	i.mu.Unlock()

	i.cancel()
	i.wg.Wait()
	log.Info().Msg("Event ingestor stopped")
}

// Enqueue hands an event to the consumer. A full queue drops the event, which
// is safe: polling will find anything a lost event would have surfaced.
func (i *Ingestor) Enqueue(ev Event) bool {
	select {
	case i.events <- ev:
		return true
	default:
		log.Warn().
			Str("event", ev.Type).
			Str("media_id", ev.MediaID).
			Msg("Event queue full, dropping event")
		return false
	}
}

// QueueDepth returns the number of events waiting to be consumed.
func (i *Ingestor) QueueDepth() int {
	return len(i.events)
}

func (i *Ingestor) handle(ctx context.Context, ev Event) {
	if ev.Type != EventPlay && ev.Type != EventResume {
		log.Trace().Str("event", ev.Type).Msg("Ignoring event type")
		return
	}
	if ev.MediaID == "" || ev.PlayerID == "" {
		log.Debug().Str("event", ev.Type).Msg("Ignoring event without media or player id")
		return
	}

	record, hasRecord := i.cache.Get(ev.MediaID, ev.PlayerID)

	session, err := i.resolveSession(ctx, ev)
	if err != nil {
		if hasRecord {
			// Leave the record for a future event or poll to finish; the
			// session may simply not exist yet.
			log.Debug().
				Err(err).
				Str("media_id", ev.MediaID).
				Str("player_id", ev.PlayerID).
				Msg("Session lookup timed out, keeping record for a later attempt")
			return
		}
		// Stale event or direct play that never registered; nothing to fix.
		log.Trace().
			Err(err).
			Str("media_id", ev.MediaID).
			Str("player_id", ev.PlayerID).
			Msg("No session resolved for event")
		return
	}

	if hasRecord {
		// The lookup above can retry for several seconds, and a concurrent
		// poll cycle may validate and clear the record in that window.
		// Re-read it so a finished remediation is not validated twice.
		record, hasRecord = i.cache.Get(ev.MediaID, ev.PlayerID)
		if !hasRecord {
			log.Trace().
				Str("media_id", ev.MediaID).
				Str("player_id", ev.PlayerID).
				Msg("Record gone after session lookup, already handled")
			return
		}
		if record.State != StateAwaitingRestart {
			return
		}
		if session.SessionKey == record.OriginalSessionKey {
			// The terminated session is still reported; no restart yet.
			log.Trace().
				Str("session", session.SessionKey).
				Str("title", session.MediaTitle).
				Msg("Event resolved to the original session, restart pending")
			return
		}
		i.reconciler.Validate(session, record)
		return
	}

	if !session.AudioOnlyTranscode() {
		log.Trace().
			Str("session", session.SessionKey).
			Str("title", session.MediaTitle).
			Msg("Session not audio transcoding, nothing to fix")
		return
	}

	if _, err := i.reconciler.Reconcile(ctx, session); err != nil {
		log.Warn().
			Err(err).
			Str("title", session.MediaTitle).
			Str("session", session.SessionKey).
			Msg("Event-driven remediation failed")
	}
}

// resolveSession finds the live session for the event's media/player pair,
// retrying while the server catches up.
func (i *Ingestor) resolveSession(ctx context.Context, ev Event) (*PlaybackSession, error) {
	return Do(ctx, i.lookupPolicy, "session lookup", func() (*PlaybackSession, error) {
		sessions, err := i.gateway.ListActiveSessions(ctx)
		if err != nil {
			return nil, err
		}
		for idx := range sessions {
			if sessions[idx].MediaID == ev.MediaID && sessions[idx].PlayerID == ev.PlayerID {
				return &sessions[idx], nil
			}
		}
		return nil, ErrNoMatchingSession
	})
}
