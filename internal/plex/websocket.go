package plex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saltyorg/transcodefix/internal/remediate"
)

// EventSink accepts normalized playback events. Satisfied by the ingestor.
type EventSink interface {
	Enqueue(ev remediate.Event) bool
}

// Listener maintains a connection to the server's notification socket and
// forwards play-state notifications as normalized events. Connection loss
// triggers reconnect with capped backoff; polling covers any gap.
type Listener struct {
	client *Client
	sink   EventSink

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener creates a listener feeding sink.
func NewListener(client *Client, sink EventSink) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		client: client,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening in the background.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true

	l.wg.Add(1)
	go func() { defer l.wg.Done(); l.run(l.ctx) }()
	log.Info().Msg("Notification listener started")
}

// Stop closes the connection and waits for the loop to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	log.Info().Msg("Notification listener stopped")
}

func (l *Listener) run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Notification socket disconnected, reconnecting")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	wsURL, err := l.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	log.Debug().Msg("Connecting to Plex WebSocket")
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("WebSocket dial failed: %w", err)
	}
	defer conn.Close()

	log.Info().Msg("Connected to Plex WebSocket")

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			l.handleMessage(message)
		}
	}()

	// Plex does not answer WebSocket ping frames, so no keepalive is sent.
	select {
	case <-ctx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ctx.Err()
	case err := <-readErrCh:
		return err
	}
}

func (l *Listener) handleMessage(message []byte) {
	var notification websocketNotification
	if err := json.Unmarshal(message, &notification); err != nil {
		log.Debug().Err(err).RawJSON("message", message).Msg("Failed to parse WebSocket message")
		return
	}
	if notification.NotificationContainer.Type != "playing" {
		return
	}

	for _, psn := range notification.NotificationContainer.PlaySessionStateNotification {
		ev, ok := normalizeNotification(psn)
		if !ok {
			continue
		}
		l.sink.Enqueue(ev)
	}
}

// normalizeNotification maps a play-state notification onto the engine's
// event contract. Only the playing state is interesting: a fresh session and
// a resume both report it, and the ingestor treats play and resume alike.
func normalizeNotification(psn playSessionNotification) (remediate.Event, bool) {
	if psn.State != "playing" {
		return remediate.Event{}, false
	}
	if !strings.HasPrefix(psn.Key, "/library/metadata/") {
		return remediate.Event{}, false
	}
	mediaID := strings.TrimPrefix(psn.Key, "/library/metadata/")
	if mediaID == "" || psn.ClientID == "" {
		return remediate.Event{}, false
	}

	eventType := remediate.EventPlay
	if psn.ViewOffset > 0 {
		eventType = remediate.EventResume
	}
	return remediate.Event{
		Type:     eventType,
		MediaID:  mediaID,
		PlayerID: psn.ClientID,
	}, true
}

func (l *Listener) buildWebSocketURL() (string, error) {
	parsed, err := url.Parse(l.client.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = "/:/websockets/notifications"

	q := parsed.Query()
	q.Set("X-Plex-Token", l.client.token)
	parsed.RawQuery = q.Encode()

	return parsed.String(), nil
}
