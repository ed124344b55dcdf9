package remediate

import (
	"context"
	"testing"
	"time"
)

func TestPollerCycle_RemediatesAudioTranscodesOnly(t *testing.T) {
	audioOnly := *testSession()

	videoToo := *testSession()
	videoToo.SessionKey = "sess-v"
	videoToo.MediaID = "200"
	videoToo.PlayerID = "phone"
	videoToo.VideoDecision = "transcode"

	direct := *testSession()
	direct.SessionKey = "sess-d"
	direct.MediaID = "300"
	direct.PlayerID = "tablet"
	direct.Transcoding = false
	direct.AudioDecision = "directplay"

	gateway := &fakeGateway{
		sessions: []PlaybackSession{audioOnly, videoToo, direct},
		item:     &MediaItem{RatingKey: "100", PartID: 500, AudioTracks: testTracks()},
	}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	p := NewPoller(gateway, r, time.Hour, time.Hour)
	p.listPolicy.InitialDelay = time.Millisecond

	p.cycle(context.Background())

	if gateway.itemCalls != 1 {
		t.Fatalf("only the audio-only transcode should be remediated, got %d metadata fetches", gateway.itemCalls)
	}
	if gateway.switchCalls != 1 {
		t.Fatalf("expected one track switch, got %d", gateway.switchCalls)
	}
	if p.LastPoll().IsZero() {
		t.Fatal("expected the cycle to record its completion time")
	}
}

func TestPollerCycle_SkipsMediaAlreadyInFlight(t *testing.T) {
	second := *testSession()
	second.SessionKey = "sess-9"
	second.PlayerID = "phone"

	gateway := &fakeGateway{
		sessions: []PlaybackSession{second},
		item:     &MediaItem{RatingKey: "100", PartID: 500, AudioTracks: testTracks()},
	}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	p := NewPoller(gateway, r, time.Hour, time.Hour)

	p.cycle(context.Background())

	if gateway.itemCalls != 0 {
		t.Fatal("a second session for the same title must wait for the first record to settle")
	}
}

func TestPollerCycle_ValidatesRestartedSessions(t *testing.T) {
	restarted := *testSession()
	restarted.SessionKey = "sess-2"
	restarted.Transcoding = false
	restarted.AudioDecision = "directplay"
	restarted.AudioTracks = []AudioTrack{
		{ID: 1, Codec: "truehd", Channels: 8},
		{ID: 2, Codec: "ac3", Channels: 6, Selected: true},
	}

	gateway := &fakeGateway{sessions: []PlaybackSession{restarted}}
	history := &memoryHistory{}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, history)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		ExpectedTrackID: 2, OriginalSessionKey: "sess-1", State: StateAwaitingRestart,
	})
	p := NewPoller(gateway, r, time.Hour, time.Hour)

	p.cycle(context.Background())

	if _, ok := r.Cache().Get("100", "tv"); ok {
		t.Fatal("expected record cleared by validation")
	}
	if history.last(t).Outcome != OutcomeValidated {
		t.Fatalf("expected validated, got %s", history.last(t).Outcome)
	}
}

func TestPollerCycle_CooldownRecordBlocksReprocessing(t *testing.T) {
	session := *testSession()
	gateway := &fakeGateway{sessions: []PlaybackSession{session}}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	r.Cache().Put(&ProcessingRecord{
		MediaID: "100", PlayerID: "tv", CreatedAt: time.Now(),
		OriginalSessionKey: "sess-1", State: StateCooldown,
	})
	p := NewPoller(gateway, r, time.Hour, time.Hour)

	p.cycle(context.Background())

	if gateway.itemCalls != 0 {
		t.Fatal("a cooldown record must suppress reprocessing")
	}
}

func TestPollerStartStop(t *testing.T) {
	gateway := &fakeGateway{}
	r := newTestReconciler(gateway, Config{OwnerUsername: "owner"}, nil)
	p := NewPoller(gateway, r, 50*time.Millisecond, time.Hour)

	p.Start()
	p.Start() // idempotent

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.LastPoll().IsZero() {
		time.Sleep(5 * time.Millisecond)
	}
	if p.LastPoll().IsZero() {
		t.Fatal("expected at least one completed poll cycle")
	}

	p.Stop()
	p.Stop() // idempotent
}
