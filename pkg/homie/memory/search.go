// search.go implements hybrid retrieval over facts and episodes: FTS5
// full-text rank fused with embedding cosine rank and a recency rank via
// reciprocal rank fusion. Without an embedder the vector list is empty and
// the fusion degrades to FTS plus recency.
package memory

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// SearchResult is one scored retrieval hit.
type SearchResult struct {
	ID      int64
	Content string
	Subject string
	Score   float64
}

// HybridSearchFacts retrieves the best-matching facts for a query.
func (s *Store) HybridSearchFacts(query string, limit int) ([]SearchResult, error) {
	return s.hybridSearch("facts", query, limit)
}

// HybridSearchEpisodes retrieves the best-matching episodes for a query.
func (s *Store) HybridSearchEpisodes(query string, limit int) ([]SearchResult, error) {
	return s.hybridSearch("episodes", query, limit)
}

type candidate struct {
	id          int64
	subject     string
	content     string
	createdAtMs int64
	embedding   []byte
}

func (s *Store) hybridSearch(table, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	// Pull a wider candidate pool than the final limit so fusion has
	// something to reorder.
	pool := limit * 4
	if pool < 20 {
		pool = 20
	}

	var (
		ftsRank    []int64
		candidates []candidate
		err        error
	)
	if s.ftsAvailable {
		ftsRank, candidates, err = s.ftsCandidates(table, query, pool)
		if err != nil {
			// FTS5 syntax errors degrade to a LIKE scan rather than
			// failing the turn.
			s.logger.Debug("fts search failed, falling back to LIKE", "error", err)
			ftsRank, candidates, err = s.likeCandidates(table, query, pool)
		}
	} else {
		ftsRank, candidates, err = s.likeCandidates(table, query, pool)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	vecRank := s.vectorRank(query, candidates)
	recencyRank := recencyOrder(candidates)

	k := s.retrieval.RRFK
	if k <= 0 {
		k = 60
	}
	scores := make(map[int64]float64, len(candidates))
	addRanks(scores, ftsRank, s.retrieval.FTSWeight, k)
	addRanks(scores, vecRank, s.retrieval.VecWeight, k)
	if s.decay.Enabled {
		addRanks(scores, recencyRank, s.retrieval.RecencyWeight, k)
	}

	byID := make(map[int64]candidate, len(candidates))
	for _, c := range candidates {
		byID[c.id] = c
	}

	out := make([]SearchResult, 0, len(scores))
	for id, score := range scores {
		c := byID[id]
		out = append(out, SearchResult{ID: id, Subject: c.subject, Content: c.content, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// addRanks folds one ranked id list into the fusion map: weight / (k + rank).
func addRanks(scores map[int64]float64, ranked []int64, weight, k float64) {
	if weight <= 0 {
		return
	}
	for i, id := range ranked {
		scores[id] += weight / (k + float64(i+1))
	}
}

func (s *Store) ftsCandidates(table, query string, pool int) ([]int64, []candidate, error) {
	match := sanitizeFTS5Query(query)
	if match == "" {
		return nil, nil, nil
	}

	var q string
	if table == "facts" {
		q = `
			SELECT f.id, f.subject, f.content, f.created_at_ms, f.embedding
			FROM facts_fts JOIN facts f ON f.id = facts_fts.rowid
			WHERE facts_fts MATCH ? ORDER BY bm25(facts_fts) LIMIT ?
		`
	} else {
		q = `
			SELECT e.id, '', e.content, e.created_at_ms, e.embedding
			FROM episodes_fts JOIN episodes e ON e.id = episodes_fts.rowid
			WHERE episodes_fts MATCH ? ORDER BY bm25(episodes_fts) LIMIT ?
		`
	}
	rows, err := s.db.Query(q, match, pool)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	return collectCandidates(rows)
}

// likeCandidates is the degraded path: no fts5 module, or an FTS query that
// cannot be parsed. Tokens are OR-joined like the sanitized FTS match.
func (s *Store) likeCandidates(table, query string, pool int) ([]int64, []candidate, error) {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return nil, nil, nil
	}

	var (
		conds []string
		args  []any
	)
	for _, f := range fields {
		pattern := "%" + f + "%"
		if table == "facts" {
			conds = append(conds, "(content LIKE ? OR subject LIKE ?)")
			args = append(args, pattern, pattern)
		} else {
			conds = append(conds, "content LIKE ?")
			args = append(args, pattern)
		}
	}

	cols := "id, subject, content, created_at_ms, embedding"
	if table == "episodes" {
		cols = "id, '', content, created_at_ms, embedding"
	}
	args = append(args, pool)

	rows, err := s.db.Query(fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY created_at_ms DESC LIMIT ?",
		cols, table, strings.Join(conds, " OR ")), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()
	return collectCandidates(rows)
}

func collectCandidates(rows *sql.Rows) ([]int64, []candidate, error) {
	var (
		order []int64
		cands []candidate
	)
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.subject, &c.content, &c.createdAtMs, &c.embedding); err != nil {
			return nil, nil, fmt.Errorf("scan candidate: %w", err)
		}
		order = append(order, c.id)
		cands = append(cands, c)
	}
	return order, cands, rows.Err()
}

// vectorRank orders candidates by cosine similarity to the query embedding.
// Candidates without stored vectors are skipped.
func (s *Store) vectorRank(query string, candidates []candidate) []int64 {
	if s.embedder == nil {
		return nil
	}
	qvec, err := s.embedder.Embed(query)
	if err != nil || len(qvec) == 0 {
		return nil
	}

	type scored struct {
		id  int64
		sim float64
	}
	var hits []scored
	for _, c := range candidates {
		cvec := decodeVector(c.embedding)
		if len(cvec) == 0 {
			continue
		}
		if sim := cosineSimilarity(qvec, cvec); sim > 0 {
			hits = append(hits, scored{c.id, sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })

	out := make([]int64, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// recencyOrder ranks candidates newest first.
func recencyOrder(candidates []candidate) []int64 {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].createdAtMs > sorted[j].createdAtMs })
	out := make([]int64, len(sorted))
	for i, c := range sorted {
		out[i] = c.id
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RecencyHalfLifeScore is the exponential decay factor for an age in days.
// Exposed for capsule consolidation, which weighs episodes by freshness.
func (s *Store) RecencyHalfLifeScore(createdAtMs int64) float64 {
	if !s.decay.Enabled || s.decay.HalfLifeDays <= 0 {
		return 1
	}
	ageDays := float64(time.Now().UnixMilli()-createdAtMs) / float64(24*time.Hour/time.Millisecond)
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/s.decay.HalfLifeDays)
}

// sanitizeFTS5Query quotes each token so user text can never inject FTS5
// operators. Tokens are OR-joined for recall.
func sanitizeFTS5Query(query string) string {
	fields := strings.Fields(query)
	var quoted []string
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}
