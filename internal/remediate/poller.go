package remediate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller lists active sessions on a fixed interval and drives the reconciler
// for every audio-only transcode that is not already in flight or cooling
// down. It also owns the periodic cache sweep.
type Poller struct {
	gateway    Gateway
	reconciler *Reconciler
	cache      *Cache

	interval      time.Duration
	sweepInterval time.Duration

	listPolicy RetryPolicy

	mu       sync.RWMutex
	running  bool
	lastPoll time.Time
	polling  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. interval drives session listing, sweepInterval
// drives the cache sweep; both loops run until Stop.
func NewPoller(gateway Gateway, reconciler *Reconciler, interval, sweepInterval time.Duration) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		gateway:       gateway,
		reconciler:    reconciler,
		cache:         reconciler.Cache(),
		interval:      interval,
		sweepInterval: sweepInterval,
		listPolicy: RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the polling and sweep loops.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.pollLoop(p.ctx) }()
	go func() { defer p.wg.Done(); p.sweepLoop(p.ctx) }()

	log.Info().
		Dur("interval", p.interval).
		Dur("sweep_interval", p.sweepInterval).
		Msg("Session poller started")
}

// Stop stops both loops and waits for them to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	log.Info().Msg("Session poller stopped")
}

// LastPoll returns when the last poll cycle completed.
func (p *Poller) LastPoll() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPoll
}

func (p *Poller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.polling.CompareAndSwap(false, true) {
				log.Debug().Msg("Skipping poll cycle, previous cycle still running")
				continue
			}
			p.cycle(ctx)
			p.polling.Store(false)
		}
	}
}

// cycle processes one poll pass. Per-session failures never abort the pass.
func (p *Poller) cycle(ctx context.Context) {
	sessions, err := Do(ctx, p.listPolicy, "session listing", func() ([]PlaybackSession, error) {
		return p.gateway.ListActiveSessions(ctx)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list active sessions")
		return
	}

	for i := range sessions {
		session := &sessions[i]

		if record, ok := p.cache.Get(session.MediaID, session.PlayerID); ok {
			if record.State == StateAwaitingRestart && session.SessionKey != record.OriginalSessionKey {
				p.reconciler.Validate(session, record)
			}
			continue
		}

		if !session.AudioOnlyTranscode() {
			continue
		}

		if p.cache.HasAnyForMedia(session.MediaID) {
			log.Debug().
				Str("title", session.MediaTitle).
				Str("player", session.PlayerTitle).
				Msg("Another session for this title is already being remediated")
			continue
		}

		if _, err := p.reconciler.Reconcile(ctx, session); err != nil {
			log.Warn().
				Err(err).
				Str("title", session.MediaTitle).
				Str("session", session.SessionKey).
				Msg("Session remediation failed")
		}
	}

	p.mu.Lock()
	p.lastPoll = time.Now()
	p.mu.Unlock()
}

func (p *Poller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep drops records whose session is gone and whose validation window has
// passed. Listing failures skip the sweep rather than evicting blindly.
func (p *Poller) sweep(ctx context.Context) {
	sessions, err := Do(ctx, p.listPolicy, "session listing", func() ([]PlaybackSession, error) {
		return p.gateway.ListActiveSessions(ctx)
	})
	if err != nil {
		log.Debug().Err(err).Msg("Skipping cache sweep, session listing failed")
		return
	}

	liveKeys := make(map[string]struct{}, len(sessions))
	for i := range sessions {
		liveKeys[sessions[i].SessionKey] = struct{}{}
	}
	p.cache.Sweep(liveKeys)
}
