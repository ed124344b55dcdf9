package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saltyorg/transcodefix/internal/remediate"
	"github.com/saltyorg/transcodefix/internal/scanner"
)

type fakeQueue struct {
	events []remediate.Event
	full   bool
}

func (q *fakeQueue) Enqueue(ev remediate.Event) bool {
	if q.full {
		return false
	}
	q.events = append(q.events, ev)
	return true
}

func (q *fakeQueue) QueueDepth() int { return len(q.events) }

type fakePoller struct{ last time.Time }

func (p *fakePoller) LastPoll() time.Time { return p.last }

type fakeScans struct {
	mu       sync.Mutex
	sum      scanner.Summary
	err      error
	runCalls int
	scanning bool
	lastRun  time.Time
}

func (f *fakeScans) RunNow() (scanner.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	return f.sum, f.err
}

func (f *fakeScans) Status() (bool, time.Time, scanner.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning, f.lastRun, f.sum
}

func (f *fakeScans) runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runCalls
}

type fakeHistory struct {
	entries   []remediate.HistoryEntry
	err       error
	lastLimit int
}

func (h *fakeHistory) ListRecentRemediations(limit int) ([]remediate.HistoryEntry, error) {
	h.lastLimit = limit
	return h.entries, h.err
}

func newTestServer(t *testing.T, queue *fakeQueue, history *fakeHistory, scans ScanController) *Server {
	t.Helper()
	s, err := NewServer("", 0, nil, history, queue, &fakePoller{last: time.Now()}, remediate.NewCache(time.Minute), scans)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusIncludesScannerWhenEnabled(t *testing.T) {
	scans := &fakeScans{
		scanning: true,
		lastRun:  time.Now(),
		sum:      scanner.Summary{Sections: 2, Scanned: 10, Switched: 3, Duration: 1500 * time.Millisecond},
	}
	queue := &fakeQueue{events: []remediate.Event{{Type: "play"}}}
	s := newTestServer(t, queue, &fakeHistory{}, scans)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.QueueDepth != 1 {
		t.Errorf("expected queue depth 1, got %d", body.QueueDepth)
	}
	if body.Scanner == nil {
		t.Fatal("expected scanner status to be present")
	}
	if !body.Scanner.Scanning {
		t.Error("expected scanning true")
	}
	if body.Scanner.LastScan.Switched != 3 {
		t.Errorf("expected 3 switched, got %d", body.Scanner.LastScan.Switched)
	}
	if body.Scanner.LastScan.Duration != "1.5s" {
		t.Errorf("unexpected duration %q", body.Scanner.LastScan.Duration)
	}
}

func TestStatusOmitsScannerWhenDisabled(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Scanner != nil {
		t.Error("expected no scanner status when scanner is disabled")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	history := &fakeHistory{
		entries: []remediate.HistoryEntry{
			{
				Time:       time.Now(),
				MediaID:    "100",
				MediaTitle: "Some Movie",
				PlayerID:   "tv",
				FromTrack:  "TrueHD 7.1",
				ToTrack:    "AC3 5.1",
				Outcome:    remediate.OutcomeSwitched,
			},
		},
	}
	s := newTestServer(t, &fakeQueue{}, history, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=5", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.lastLimit != 5 {
		t.Errorf("expected limit 5 passed through, got %d", history.lastLimit)
	}
	var body struct {
		History []historyEntryJSON `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(body.History) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(body.History))
	}
	if body.History[0].Outcome != string(remediate.OutcomeSwitched) {
		t.Errorf("unexpected outcome %q", body.History[0].Outcome)
	}
}

func TestHistoryRejectsBadLimit(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?limit=zero", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestEventEndpointEnqueues(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(t, queue, &fakeHistory{}, nil)

	payload := `{"event":"play","media_id":"100","player_id":"tv","username":"alice"}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(payload)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(queue.events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(queue.events))
	}
	ev := queue.events[0]
	if ev.Type != "play" || ev.MediaID != "100" || ev.PlayerID != "tv" || ev.Username != "alice" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestEventEndpointAcceptsUnknownTypes(t *testing.T) {
	queue := &fakeQueue{}
	s := newTestServer(t, queue, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"event":"buffering","media_id":"1"}`)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for unknown event type, got %d", rec.Code)
	}
	if len(queue.events) != 1 {
		t.Fatal("expected unknown event type to still be queued")
	}
}

func TestEventEndpointRejectsInvalidPayload(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, nil)

	for _, payload := range []string{"not json", `{"media_id":"1"}`} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(payload)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %q: expected 400, got %d", payload, rec.Code)
		}
	}
}

func TestEventEndpointReportsFullQueue(t *testing.T) {
	s := newTestServer(t, &fakeQueue{full: true}, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"event":"play","media_id":"1","player_id":"tv"}`)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestScanEndpointAcceptsAndRunsInBackground(t *testing.T) {
	scans := &fakeScans{sum: scanner.Summary{Sections: 1, Scanned: 4, Switched: 2}}
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, scans)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan", nil))

	// The response must not wait for the scan itself; long scans would
	// otherwise outlive the request timeout.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for scans.runs() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scan never started in the background")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := scans.runs(); got != 1 {
		t.Fatalf("expected 1 scan run, got %d", got)
	}
}

func TestScanEndpointConflictWhileRunning(t *testing.T) {
	scans := &fakeScans{scanning: true}
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, scans)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := scans.runs(); got != 0 {
		t.Fatalf("expected no scan run while one is in progress, got %d", got)
	}
}

func TestScanEndpointWhenScannerDisabled(t *testing.T) {
	s := newTestServer(t, &fakeQueue{}, &fakeHistory{}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubnetRestriction(t *testing.T) {
	s, err := NewServer("", 0, []string{"10.0.0.0/8"}, &fakeHistory{}, &fakeQueue{}, &fakePoller{}, remediate.NewCache(time.Minute), nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "192.168.1.5:43210"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 from outside subnet, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:43210"
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from inside subnet, got %d", rec.Code)
	}
}

func TestRejectsInvalidSubnet(t *testing.T) {
	_, err := NewServer("", 0, []string{"not-a-cidr"}, &fakeHistory{}, &fakeQueue{}, &fakePoller{}, remediate.NewCache(time.Minute), nil)
	if err == nil {
		t.Fatal("expected error for invalid subnet")
	}
}
