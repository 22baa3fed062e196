package memory

import (
	"path/filepath"
	"testing"

	"github.com/homielabs/homie/pkg/homie/config"
)

func openTestStore(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	cfg := config.DefaultConfig().Memory
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), cfg, embedder, nil)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrackPersonIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)

	p1, err := s.TrackPerson("signal", "+15550001", "Ana")
	if err != nil {
		t.Fatalf("track person: %v", err)
	}
	p2, err := s.TrackPerson("signal", "+15550001", "")
	if err != nil {
		t.Fatalf("track person again: %v", err)
	}

	if p1.ID != p2.ID || p1.ID != "person:signal:+15550001" {
		t.Fatalf("ids differ: %q vs %q", p1.ID, p2.ID)
	}
	if p2.DisplayName != "Ana" {
		t.Fatalf("empty display name overwrote stored one: %q", p2.DisplayName)
	}
}

func TestRelationshipScoreIsMonotone(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)
	p, _ := s.TrackPerson("tg", "42", "Bo")

	if err := s.UpdateRelationshipScore(p.ID, 0.6); err != nil {
		t.Fatalf("update score: %v", err)
	}
	if err := s.UpdateRelationshipScore(p.ID, 0.3); err != nil {
		t.Fatalf("update score down: %v", err)
	}

	got, _ := s.GetPerson(p.ID)
	if got.RelationshipScore != 0.6 {
		t.Fatalf("score = %v, want 0.6 (never decreases)", got.RelationshipScore)
	}
}

func TestDeletePersonCascadesButKeepsEpisodes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)
	p, _ := s.TrackPerson("tg", "7", "Cam")

	s.AddFact(Fact{PersonID: p.ID, Content: "likes jazz", Category: CategoryPreference})
	s.AddLesson(Lesson{Type: LessonObservation, Content: "short replies land better", PersonID: p.ID})
	s.RecordObservation(p.ID, 20, 10, 14)
	epID, err := s.LogEpisode(Episode{ChatID: "tg:7", PersonID: p.ID, Content: "USER: hi\nFRIEND: yo"})
	if err != nil {
		t.Fatalf("log episode: %v", err)
	}

	if err := s.DeletePerson(p.ID); err != nil {
		t.Fatalf("delete person: %v", err)
	}

	if facts, _ := s.ListFactsForPerson(p.ID, 10); len(facts) != 0 {
		t.Fatalf("facts survived delete: %+v", facts)
	}
	if c, _ := s.GetCounters(p.ID); c.SampleCount != 0 {
		t.Fatalf("counters survived delete: %+v", c)
	}
	eps, _ := s.RecentEpisodes("tg:7", 10)
	if len(eps) != 1 || eps[0].ID != epID {
		t.Fatalf("episodes must survive a forget, got %+v", eps)
	}
}

func TestGroupEpisodeMarksCapsuleDirty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)

	if _, err := s.LogEpisode(Episode{ChatID: "signal:group:g1", IsGroup: true, Content: "USER: lol", CreatedAtMs: 1000}); err != nil {
		t.Fatalf("log episode: %v", err)
	}
	if _, err := s.LogEpisode(Episode{ChatID: "signal:group:g1", IsGroup: true, Content: "USER: more", CreatedAtMs: 2000}); err != nil {
		t.Fatalf("log episode: %v", err)
	}

	claimed, err := s.ClaimDirtyGroupCapsules(10, 60_000)
	if err != nil {
		t.Fatalf("claim dirty: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Key != "signal:group:g1" {
		t.Fatalf("claimed = %+v, want one entry for the group", claimed)
	}
	if claimed[0].FirstDirtyMs != 1000 || claimed[0].LastDirtyMs != 2000 {
		t.Fatalf("dirty window = [%d,%d], want [1000,2000]", claimed[0].FirstDirtyMs, claimed[0].LastDirtyMs)
	}

	// A second claim inside the lease sees nothing.
	again, _ := s.ClaimDirtyGroupCapsules(10, 60_000)
	if len(again) != 0 {
		t.Fatalf("claim inside lease returned %+v", again)
	}

	if err := s.ResolveDirtyGroupCapsule("signal:group:g1", 2000); err != nil {
		t.Fatalf("resolve dirty: %v", err)
	}
}

func TestObservationCountersRunningAverage(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)
	p, _ := s.TrackPerson("tg", "9", "Di")

	s.RecordObservation(p.ID, 10, 30, 9)
	s.RecordObservation(p.ID, 20, 10, 22)

	c, err := s.GetCounters(p.ID)
	if err != nil {
		t.Fatalf("get counters: %v", err)
	}
	if c.SampleCount != 2 {
		t.Fatalf("sample count = %d, want 2", c.SampleCount)
	}
	if c.AvgUserLen != 15 || c.AvgReplyLen != 20 {
		t.Fatalf("averages = user %v reply %v, want 15/20", c.AvgUserLen, c.AvgReplyLen)
	}
	wantMask := int64(1)<<9 | int64(1)<<22
	if c.ActiveHoursBitmask != wantMask {
		t.Fatalf("bitmask = %b, want %b", c.ActiveHoursBitmask, wantMask)
	}
}

func TestTrustTierLadder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		score    float64
		samples  int
		override string
		want     string
	}{
		{"fresh contact", 0.0, 0, "", TierNewContact},
		{"score without history", 0.9, 2, "", TierNewContact},
		{"getting to know", 0.25, 6, "", TierGettingToKnow},
		{"established", 0.55, 25, "", TierEstablished},
		{"close friend", 0.85, 60, "", TierCloseFriend},
		{"override wins", 0.0, 0, TierCloseFriend, TierCloseFriend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Person{RelationshipScore: tt.score, TrustTierOverride: tt.override}
			c := Counters{SampleCount: tt.samples}
			if got := TrustTier(p, c); got != tt.want {
				t.Fatalf("TrustTier = %q, want %q", got, tt.want)
			}
		})
	}
}
