package memory

import (
	"strings"
	"testing"
)

// keywordEmbedder is a deterministic toy embedder: one dimension per
// tracked keyword.
type keywordEmbedder struct {
	keywords []string
}

func (e *keywordEmbedder) Embed(text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.keywords))
	for i, kw := range e.keywords {
		if strings.Contains(lower, kw) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func TestHybridSearchFTSOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)

	s.AddFact(Fact{Subject: "music", Content: "Ana plays bass in a jazz trio", Category: CategoryPersonal})
	s.AddFact(Fact{Subject: "food", Content: "Ana hates cilantro", Category: CategoryPreference})
	s.AddFact(Fact{Subject: "work", Content: "Bo ships compilers for a living", Category: CategoryProfessional})

	got, err := s.HybridSearchFacts("jazz bass", 5)
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if len(got) == 0 || !strings.Contains(got[0].Content, "jazz trio") {
		t.Fatalf("top hit = %+v, want the jazz fact first", got)
	}
}

func TestHybridSearchVectorBoost(t *testing.T) {
	t.Parallel()
	emb := &keywordEmbedder{keywords: []string{"guitar", "bass", "cilantro"}}
	s := openTestStore(t, emb)

	// Both facts FTS-match "music"; only one matches the query vector.
	s.AddFact(Fact{Subject: "music", Content: "likes loud music and guitar", Category: CategoryPreference})
	s.AddFact(Fact{Subject: "music", Content: "thinks music festivals are overrated", Category: CategoryPreference})

	got, err := s.HybridSearchFacts("music guitar", 2)
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("hits = %d, want 2", len(got))
	}
	if !strings.Contains(got[0].Content, "guitar") {
		t.Fatalf("vector match should rank first, got %q", got[0].Content)
	}
}

func TestHybridSearchSurvivesHostileQuery(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)
	s.AddFact(Fact{Subject: "misc", Content: `said "NEAR enough" about the deadline`, Category: CategoryMisc})

	// FTS5 operators and stray quotes must not error out.
	if _, err := s.HybridSearchFacts(`NEAR( "unbalanced`, 5); err != nil {
		t.Fatalf("hostile query errored: %v", err)
	}
}

func TestSearchWithoutFTSModule(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, nil)
	// A sqlite build without the fts5 module leaves the store in LIKE mode.
	s.ftsAvailable = false

	s.AddFact(Fact{Subject: "music", Content: "Ana plays bass in a jazz trio", Category: CategoryPersonal})
	s.AddFact(Fact{Subject: "work", Content: "Bo ships compilers for a living", Category: CategoryProfessional})
	s.LogEpisode(Episode{ChatID: "c", Content: "talked about the jazz gig on friday"})

	facts, err := s.HybridSearchFacts("jazz", 5)
	if err != nil {
		t.Fatalf("fact search without fts: %v", err)
	}
	if len(facts) != 1 || !strings.Contains(facts[0].Content, "jazz trio") {
		t.Fatalf("facts = %+v, want only the jazz fact", facts)
	}

	episodes, err := s.HybridSearchEpisodes("jazz", 5)
	if err != nil {
		t.Fatalf("episode search without fts: %v", err)
	}
	if len(episodes) != 1 || !strings.Contains(episodes[0].Content, "jazz gig") {
		t.Fatalf("episodes = %+v, want only the jazz episode", episodes)
	}
}

func TestSanitizeFTS5Query(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" OR "world"`},
		{`drop "table`, `"drop" OR "table"`},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFTS5Query(tt.in); got != tt.want {
			t.Fatalf("sanitizeFTS5Query(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
