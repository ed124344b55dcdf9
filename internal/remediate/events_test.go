package remediate

import (
	"context"
	"testing"
	"time"
)

func newTestIngestor(gateway *fakeGateway, r *Reconciler) *Ingestor {
	i := NewIngestor(gateway, r)
	// Keep lookup exhaustion fast in tests.
	i.lookupPolicy.MaxAttempts = 2
	i.lookupPolicy.InitialDelay = time.Millisecond
	return i
}

func TestIngestor_IgnoresOtherEventTypes(t *testing.T) {
	gateway := &fakeGateway{}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: "pause", MediaID: "100", PlayerID: "tv"})
	i.handle(context.Background(), Event{Type: "stop", MediaID: "100", PlayerID: "tv"})

	if gateway.listCalls != 0 {
		t.Fatalf("non-play events must not hit the server, got %d list calls", gateway.listCalls)
	}
}

func TestIngestor_ValidatesRestartedSession(t *testing.T) {
	restarted := *testSession()
	restarted.SessionKey = "sess-2"
	restarted.Transcoding = false
	restarted.AudioDecision = "directplay"
	restarted.AudioTracks = []AudioTrack{
		{ID: 1, Codec: "truehd", Channels: 8},
		{ID: 2, Codec: "ac3", Channels: 6, DisplayTitle: "English (AC3 5.1)", Selected: true},
	}

	gateway := &fakeGateway{sessions: []PlaybackSession{restarted}}
	history := &memoryHistory{}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, history)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		ExpectedTrackID: 2, OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"})

	if _, ok := r.Cache().Get("100", "tv"); ok {
		t.Fatal("expected record cleared after validation")
	}
	if history.last(t).Outcome != OutcomeValidated {
		t.Fatalf("expected validated, got %s", history.last(t).Outcome)
	}
}

func TestIngestor_SkipsValidationWhenRecordClearedDuringLookup(t *testing.T) {
	restarted := *testSession()
	restarted.SessionKey = "sess-2"
	restarted.Transcoding = false
	restarted.AudioDecision = "directplay"

	gateway := &fakeGateway{sessions: []PlaybackSession{restarted}}
	history := &memoryHistory{}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, history)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		ExpectedTrackID: 2, OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	i := newTestIngestor(gateway, r)

	// A poll cycle validates and clears the record while the ingestor is
	// still resolving the session.
	gateway.onList = func() {
		r.Cache().Clear("100", "tv")
	}

	i.handle(context.Background(), Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"})

	if len(history.entries) != 0 {
		t.Fatalf("expected no history entry for a cleared record, got %+v", history.entries)
	}
}

func TestIngestor_OriginalSessionStillReportedIsNoAction(t *testing.T) {
	original := *testSession() // still sess-1
	gateway := &fakeGateway{sessions: []PlaybackSession{original}}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		ExpectedTrackID: 2, OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: EventResume, MediaID: "100", PlayerID: "tv"})

	if _, ok := r.Cache().Get("100", "tv"); !ok {
		t.Fatal("record must survive until a genuinely new session appears")
	}
	if gateway.itemCalls != 0 {
		t.Fatal("no reconciliation expected for the original session")
	}
}

func TestIngestor_LookupExhaustionKeepsRecord(t *testing.T) {
	gateway := &fakeGateway{} // empty session list
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		ExpectedTrackID: 2, OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"})

	if _, ok := r.Cache().Get("100", "tv"); !ok {
		t.Fatal("record must be kept when the session never resolves")
	}
	if gateway.listCalls != 2 {
		t.Fatalf("expected bounded lookup attempts, got %d", gateway.listCalls)
	}
}

func TestIngestor_FreshTranscodeTriggersRemediation(t *testing.T) {
	session := *testSession()
	gateway := &fakeGateway{
		sessions: []PlaybackSession{session},
		item:     &MediaItem{RatingKey: "100", PartID: 500, AudioTracks: testTracks()},
	}
	r := newTestReconciler(gateway, Config{ForceRestart: true, OwnerUsername: "owner"}, nil)
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"})

	if gateway.switchCalls != 1 {
		t.Fatalf("expected one track switch, got %d", gateway.switchCalls)
	}
	record, ok := r.Cache().Get("100", "tv")
	if !ok || record.State != StateAwaitingRestart {
		t.Fatalf("expected an awaiting_restart record, got %+v", record)
	}
}

func TestIngestor_DirectPlaySessionIgnored(t *testing.T) {
	session := *testSession()
	session.Transcoding = false
	session.AudioDecision = "directplay"
	gateway := &fakeGateway{sessions: []PlaybackSession{session}}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	i := newTestIngestor(gateway, r)

	i.handle(context.Background(), Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"})

	if gateway.itemCalls != 0 {
		t.Fatal("direct play sessions need no remediation")
	}
}

func TestIngestor_EnqueueAndConsume(t *testing.T) {
	session := *testSession()
	gateway := &fakeGateway{
		sessions: []PlaybackSession{session},
		item:     &MediaItem{RatingKey: "100", PartID: 500, AudioTracks: testTracks()},
	}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	i := newTestIngestor(gateway, r)

	i.Start()
	defer i.Stop()

	if !i.Enqueue(Event{Type: EventPlay, MediaID: "100", PlayerID: "tv"}) {
		t.Fatal("expected the event to be accepted")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Cache().Get("100", "tv"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event was not consumed in time")
}
