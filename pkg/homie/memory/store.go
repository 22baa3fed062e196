// Package memory implements Homie's long-term memory: people, facts,
// episodes and lessons backed by SQLite, with FTS5 full-text indexes when
// the sqlite build provides the module and optional embedding vectors.
// Group and style capsules are derived asynchronously through dirty-flag
// work queues claimed by the maintenance job.
package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/storage"
)

// Fact categories.
const (
	CategoryPreference   = "preference"
	CategoryPersonal     = "personal"
	CategoryPlan         = "plan"
	CategoryProfessional = "professional"
	CategoryRelationship = "relationship"
	CategoryMisc         = "misc"
)

// Lesson types.
const (
	LessonSuccess     = "success"
	LessonFailure     = "failure"
	LessonObservation = "observation"
)

// Person is one known contact. ID is "person:<channel>:<channelUserId>".
type Person struct {
	ID                 string
	DisplayName        string
	Channel            string
	ChannelUserID      string
	RelationshipScore  float64
	TrustTierOverride  string
	Capsule            string
	PublicStyleCapsule string
	CreatedAtMs        int64
	UpdatedAtMs        int64
}

// Fact is one remembered statement about a person or the world.
type Fact struct {
	ID               int64
	PersonID         string
	Subject          string
	Content          string
	Category         string
	EvidenceQuote    string
	LastAccessedAtMs int64
	CreatedAtMs      int64
}

// Episode is one durable record of an exchange.
type Episode struct {
	ID          int64
	ChatID      string
	PersonID    string
	IsGroup     bool
	Content     string
	Extracted   bool
	CreatedAtMs int64
}

// Lesson is one behavioral rule learned from feedback.
type Lesson struct {
	ID             int64
	Type           string
	Category       string
	Content        string
	Rule           string
	Alternative    string
	PersonID       string
	EpisodeRefs    string
	Confidence     float64
	TimesValidated int
	TimesViolated  int
	CreatedAtMs    int64
}

// Counters hold per-person running observation statistics.
type Counters struct {
	PersonID           string
	AvgReplyLen        float64
	AvgUserLen         float64
	ActiveHoursBitmask int64
	ConversationCount  int
	SampleCount        int
}

// DirtyEntry is one claimed row from a capsule work queue.
type DirtyEntry struct {
	Key          string // chat id or person id depending on the queue
	FirstDirtyMs int64
	LastDirtyMs  int64
}

// Embedder turns text into a vector. Optional; a nil embedder degrades
// retrieval to FTS-only.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// Store is the SQLite-backed memory store.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	embedder  Embedder
	retrieval config.RetrievalConfig
	decay     config.DecayConfig

	// ftsAvailable is false when the sqlite build lacks the FTS5 module;
	// retrieval then serves LIKE scans instead of full-text rank.
	ftsAvailable bool
}

// Open opens or creates the memory database.
func Open(path string, cfg config.MemoryConfig, embedder Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:        db,
		logger:    logger.With("component", "memory"),
		embedder:  embedder,
		retrieval: cfg.Retrieval,
		decay:     cfg.Decay,
	}
	if err := storage.Migrate(db, migrations, s.logger); err != nil {
		db.Close()
		return nil, err
	}

	// The FTS5 schema is applied outside the migration list: fts5 is a
	// compile-time sqlite module, and a build without it must still open the
	// store and answer searches.
	s.ftsAvailable = true
	if _, err := db.Exec(ftsSchema); err != nil {
		s.ftsAvailable = false
		s.logger.Warn("fts5 unavailable, search degrades to LIKE", "error", err)
	}
	return s, nil
}

var migrations = []storage.Migration{
	{
		Name: "memory_base",
		SQL: `
			CREATE TABLE IF NOT EXISTS people (
				id                   TEXT PRIMARY KEY,
				display_name         TEXT NOT NULL DEFAULT '',
				channel              TEXT NOT NULL,
				channel_user_id      TEXT NOT NULL,
				relationship_score   REAL NOT NULL DEFAULT 0,
				trust_tier_override  TEXT NOT NULL DEFAULT '',
				capsule              TEXT NOT NULL DEFAULT '',
				public_style_capsule TEXT NOT NULL DEFAULT '',
				created_at_ms        INTEGER NOT NULL,
				updated_at_ms        INTEGER NOT NULL,
				UNIQUE(channel, channel_user_id)
			);

			CREATE TABLE IF NOT EXISTS facts (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				person_id           TEXT NOT NULL DEFAULT '',
				subject             TEXT NOT NULL DEFAULT '',
				content             TEXT NOT NULL,
				category            TEXT NOT NULL DEFAULT 'misc',
				evidence_quote      TEXT NOT NULL DEFAULT '',
				embedding           BLOB,
				last_accessed_at_ms INTEGER NOT NULL DEFAULT 0,
				created_at_ms       INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_facts_person ON facts(person_id);

			CREATE TABLE IF NOT EXISTS episodes (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id       TEXT NOT NULL,
				person_id     TEXT NOT NULL DEFAULT '',
				is_group      INTEGER NOT NULL DEFAULT 0,
				content       TEXT NOT NULL,
				embedding     BLOB,
				extracted     INTEGER NOT NULL DEFAULT 0,
				created_at_ms INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id, created_at_ms);

			CREATE TABLE IF NOT EXISTS lessons (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				type            TEXT NOT NULL,
				category        TEXT NOT NULL DEFAULT '',
				content         TEXT NOT NULL,
				rule            TEXT NOT NULL DEFAULT '',
				alternative     TEXT NOT NULL DEFAULT '',
				person_id       TEXT NOT NULL DEFAULT '',
				episode_refs    TEXT NOT NULL DEFAULT '',
				confidence      REAL NOT NULL DEFAULT 0.5,
				times_validated INTEGER NOT NULL DEFAULT 0,
				times_violated  INTEGER NOT NULL DEFAULT 0,
				created_at_ms   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS observation_counters (
				person_id            TEXT PRIMARY KEY,
				avg_reply_len        REAL NOT NULL DEFAULT 0,
				avg_user_len         REAL NOT NULL DEFAULT 0,
				active_hours_bitmask INTEGER NOT NULL DEFAULT 0,
				conversation_count   INTEGER NOT NULL DEFAULT 0,
				sample_count         INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS group_capsules (
				chat_id       TEXT PRIMARY KEY,
				capsule       TEXT NOT NULL DEFAULT '',
				updated_at_ms INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS group_capsule_dirty (
				chat_id        TEXT PRIMARY KEY,
				first_dirty_ms INTEGER NOT NULL,
				last_dirty_ms  INTEGER NOT NULL,
				claimed_at_ms  INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS public_style_dirty (
				person_id      TEXT PRIMARY KEY,
				first_dirty_ms INTEGER NOT NULL,
				last_dirty_ms  INTEGER NOT NULL,
				claimed_at_ms  INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
}

// ftsSchema is the FTS5 index layer over facts and episodes, kept in lockstep
// by triggers. Applied best-effort at open; see Open.
const ftsSchema = `
	CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
		subject, content,
		content='facts', content_rowid='id'
	);
	CREATE TRIGGER IF NOT EXISTS facts_ai AFTER INSERT ON facts BEGIN
		INSERT INTO facts_fts(rowid, subject, content)
		VALUES (new.id, new.subject, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS facts_ad AFTER DELETE ON facts BEGIN
		INSERT INTO facts_fts(facts_fts, rowid, subject, content)
		VALUES ('delete', old.id, old.subject, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS facts_au AFTER UPDATE ON facts BEGIN
		INSERT INTO facts_fts(facts_fts, rowid, subject, content)
		VALUES ('delete', old.id, old.subject, old.content);
		INSERT INTO facts_fts(rowid, subject, content)
		VALUES (new.id, new.subject, new.content);
	END;

	CREATE VIRTUAL TABLE IF NOT EXISTS episodes_fts USING fts5(
		content,
		content='episodes', content_rowid='id'
	);
	CREATE TRIGGER IF NOT EXISTS episodes_ai AFTER INSERT ON episodes BEGIN
		INSERT INTO episodes_fts(rowid, content) VALUES (new.id, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS episodes_ad AFTER DELETE ON episodes BEGIN
		INSERT INTO episodes_fts(episodes_fts, rowid, content)
		VALUES ('delete', old.id, old.content);
	END;
`

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// TrackPerson returns the person for (channel, channelUserID), creating the
// row on first sight. Idempotent; a non-empty displayName refreshes the
// stored one.
func (s *Store) TrackPerson(channel, channelUserID, displayName string) (Person, error) {
	id := PersonID(channel, channelUserID)
	now := time.Now().UnixMilli()

	_, err := s.db.Exec(`
		INSERT INTO people (id, display_name, channel, channel_user_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel, channel_user_id) DO UPDATE SET
			display_name  = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE people.display_name END,
			updated_at_ms = excluded.updated_at_ms
	`, id, displayName, channel, channelUserID, now, now)
	if err != nil {
		return Person{}, fmt.Errorf("track person: %w", err)
	}
	return s.GetPerson(id)
}

// PersonID builds the stable person id for a channel identity.
func PersonID(channel, channelUserID string) string {
	return "person:" + channel + ":" + channelUserID
}

// GetPerson loads one person by id.
func (s *Store) GetPerson(id string) (Person, error) {
	var p Person
	err := s.db.QueryRow(`
		SELECT id, display_name, channel, channel_user_id, relationship_score,
		       trust_tier_override, capsule, public_style_capsule, created_at_ms, updated_at_ms
		FROM people WHERE id = ?
	`, id).Scan(&p.ID, &p.DisplayName, &p.Channel, &p.ChannelUserID, &p.RelationshipScore,
		&p.TrustTierOverride, &p.Capsule, &p.PublicStyleCapsule, &p.CreatedAtMs, &p.UpdatedAtMs)
	if err != nil {
		return Person{}, fmt.Errorf("get person %s: %w", id, err)
	}
	return p, nil
}

// UpdateRelationshipScore raises a person's relationship score. The score
// never decreases; forgetting someone is DeletePerson, not a downgrade.
func (s *Store) UpdateRelationshipScore(id string, score float64) error {
	score = math.Min(math.Max(score, 0), 1)
	_, err := s.db.Exec(`
		UPDATE people SET relationship_score = MAX(relationship_score, ?), updated_at_ms = ?
		WHERE id = ?
	`, score, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update relationship score: %w", err)
	}
	return nil
}

// SetTrustTierOverride pins a person's tier regardless of derived score.
func (s *Store) SetTrustTierOverride(id, tier string) error {
	_, err := s.db.Exec("UPDATE people SET trust_tier_override = ? WHERE id = ?", tier, id)
	return err
}

// SetCapsule stores a person's derived profile capsule.
func (s *Store) SetCapsule(id, capsule string) error {
	_, err := s.db.Exec(
		"UPDATE people SET capsule = ?, updated_at_ms = ? WHERE id = ?",
		capsule, time.Now().UnixMilli(), id)
	return err
}

// SetPublicStyleCapsule stores a person's derived public style capsule.
func (s *Store) SetPublicStyleCapsule(id, capsule string) error {
	_, err := s.db.Exec(
		"UPDATE people SET public_style_capsule = ?, updated_at_ms = ? WHERE id = ?",
		capsule, time.Now().UnixMilli(), id)
	return err
}

// DeletePerson forgets a person: the person row, their facts, lessons and
// counters go; episodes stay, chat history is not rewritten by a forget.
func (s *Store) DeletePerson(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM facts WHERE person_id = ?",
		"DELETE FROM lessons WHERE person_id = ?",
		"DELETE FROM observation_counters WHERE person_id = ?",
		"DELETE FROM public_style_dirty WHERE person_id = ?",
		"DELETE FROM people WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete person: %w", err)
		}
	}
	return tx.Commit()
}

// AddFact stores a fact, computing its embedding when an embedder is set.
func (s *Store) AddFact(f Fact) (int64, error) {
	if f.CreatedAtMs == 0 {
		f.CreatedAtMs = time.Now().UnixMilli()
	}
	emb := s.embedBytes(f.Subject + " " + f.Content)

	res, err := s.db.Exec(`
		INSERT INTO facts (person_id, subject, content, category, evidence_quote, embedding, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.PersonID, f.Subject, f.Content, f.Category, f.EvidenceQuote, emb, f.CreatedAtMs)
	if err != nil {
		return 0, fmt.Errorf("add fact: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// UpdateFact rewrites a fact's content and refreshes its embedding.
func (s *Store) UpdateFact(id int64, content string) error {
	emb := s.embedBytes(content)
	_, err := s.db.Exec(
		"UPDATE facts SET content = ?, embedding = ? WHERE id = ?", content, emb, id)
	if err != nil {
		return fmt.Errorf("update fact: %w", err)
	}
	return nil
}

// DeleteFact removes a fact.
func (s *Store) DeleteFact(id int64) error {
	_, err := s.db.Exec("DELETE FROM facts WHERE id = ?", id)
	return err
}

// TouchFactAccess records that a fact was surfaced into a prompt.
func (s *Store) TouchFactAccess(ids []int64) {
	now := time.Now().UnixMilli()
	for _, id := range ids {
		s.db.Exec("UPDATE facts SET last_accessed_at_ms = ? WHERE id = ?", now, id)
	}
}

// ListFactsForPerson returns a person's facts, newest first.
func (s *Store) ListFactsForPerson(personID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
		FROM facts WHERE person_id = ? ORDER BY created_at_ms DESC LIMIT ?
	`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// LogEpisode appends an episode. Group episodes mark the group capsule
// dirty; DM episodes mark the person's public style dirty. The dirty rows
// feed the maintenance job's consolidation pass.
func (s *Store) LogEpisode(e Episode) (int64, error) {
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = time.Now().UnixMilli()
	}
	emb := s.embedBytes(e.Content)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("log episode: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO episodes (chat_id, person_id, is_group, content, embedding, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ChatID, e.PersonID, boolInt(e.IsGroup), e.Content, emb, e.CreatedAtMs)
	if err != nil {
		return 0, fmt.Errorf("log episode: %w", err)
	}
	id, _ := res.LastInsertId()

	if e.IsGroup {
		_, err = tx.Exec(`
			INSERT INTO group_capsule_dirty (chat_id, first_dirty_ms, last_dirty_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET last_dirty_ms = excluded.last_dirty_ms
		`, e.ChatID, e.CreatedAtMs, e.CreatedAtMs)
	} else if e.PersonID != "" {
		_, err = tx.Exec(`
			INSERT INTO public_style_dirty (person_id, first_dirty_ms, last_dirty_ms)
			VALUES (?, ?, ?)
			ON CONFLICT(person_id) DO UPDATE SET last_dirty_ms = excluded.last_dirty_ms
		`, e.PersonID, e.CreatedAtMs, e.CreatedAtMs)
	}
	if err != nil {
		return 0, fmt.Errorf("mark dirty: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// MarkEpisodeExtracted flags an episode as processed by the extractor.
func (s *Store) MarkEpisodeExtracted(id int64) error {
	_, err := s.db.Exec("UPDATE episodes SET extracted = 1 WHERE id = ?", id)
	return err
}

// AddLesson stores one behavioral lesson.
func (s *Store) AddLesson(l Lesson) (int64, error) {
	if l.CreatedAtMs == 0 {
		l.CreatedAtMs = time.Now().UnixMilli()
	}
	if l.Confidence == 0 {
		l.Confidence = 0.5
	}
	res, err := s.db.Exec(`
		INSERT INTO lessons (type, category, content, rule, alternative, person_id, episode_refs, confidence, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.Type, l.Category, l.Content, l.Rule, l.Alternative, l.PersonID, l.EpisodeRefs, l.Confidence, l.CreatedAtMs)
	if err != nil {
		return 0, fmt.Errorf("add lesson: %w", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// ListLessons returns lessons for a person (or global ones when personID is
// empty), highest confidence first.
func (s *Store) ListLessons(personID string, limit int) ([]Lesson, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, type, category, content, rule, alternative, person_id, episode_refs,
		       confidence, times_validated, times_violated, created_at_ms
		FROM lessons WHERE person_id = ? OR person_id = ''
		ORDER BY confidence DESC, created_at_ms DESC LIMIT ?
	`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	var out []Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(&l.ID, &l.Type, &l.Category, &l.Content, &l.Rule, &l.Alternative,
			&l.PersonID, &l.EpisodeRefs, &l.Confidence, &l.TimesValidated, &l.TimesViolated,
			&l.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecordObservation folds one exchange into a person's running counters.
// hourUTC selects the bit in the active-hours bitmask.
func (s *Store) RecordObservation(personID string, userLen, replyLen, hourUTC int) error {
	hourBit := int64(1) << (hourUTC % 24)
	_, err := s.db.Exec(`
		INSERT INTO observation_counters (person_id, avg_reply_len, avg_user_len, active_hours_bitmask, sample_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(person_id) DO UPDATE SET
			avg_reply_len = (avg_reply_len * sample_count + ?) / (sample_count + 1),
			avg_user_len  = (avg_user_len * sample_count + ?) / (sample_count + 1),
			active_hours_bitmask = active_hours_bitmask | ?,
			sample_count = sample_count + 1
	`, personID, float64(replyLen), float64(userLen), hourBit,
		float64(replyLen), float64(userLen), hourBit)
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	return nil
}

// BumpConversationCount increments a person's conversation counter once per
// new conversation episode.
func (s *Store) BumpConversationCount(personID string) error {
	_, err := s.db.Exec(`
		INSERT INTO observation_counters (person_id, conversation_count) VALUES (?, 1)
		ON CONFLICT(person_id) DO UPDATE SET conversation_count = conversation_count + 1
	`, personID)
	return err
}

// GetCounters loads a person's observation counters. Missing rows return
// zero counters, not an error.
func (s *Store) GetCounters(personID string) (Counters, error) {
	c := Counters{PersonID: personID}
	err := s.db.QueryRow(`
		SELECT avg_reply_len, avg_user_len, active_hours_bitmask, conversation_count, sample_count
		FROM observation_counters WHERE person_id = ?
	`, personID).Scan(&c.AvgReplyLen, &c.AvgUserLen, &c.ActiveHoursBitmask,
		&c.ConversationCount, &c.SampleCount)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("get counters: %w", err)
	}
	return c, nil
}

// GetGroupCapsule returns the derived capsule for a group chat, if any.
func (s *Store) GetGroupCapsule(chatID string) (string, error) {
	var capsule string
	err := s.db.QueryRow(
		"SELECT capsule FROM group_capsules WHERE chat_id = ?", chatID).Scan(&capsule)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return capsule, err
}

// SetGroupCapsule stores a consolidated group capsule.
func (s *Store) SetGroupCapsule(chatID, capsule string) error {
	_, err := s.db.Exec(`
		INSERT INTO group_capsules (chat_id, capsule, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET capsule = excluded.capsule, updated_at_ms = excluded.updated_at_ms
	`, chatID, capsule, time.Now().UnixMilli())
	return err
}

// ClaimDirtyGroupCapsules leases up to limit dirty group-capsule rows to the
// caller. The select-then-mark pair runs in one immediate transaction so two
// maintenance runs never consolidate the same group concurrently.
func (s *Store) ClaimDirtyGroupCapsules(limit int, leaseMs int64) ([]DirtyEntry, error) {
	return s.claimDirty("group_capsule_dirty", "chat_id", limit, leaseMs)
}

// ClaimDirtyStyles leases up to limit dirty public-style rows.
func (s *Store) ClaimDirtyStyles(limit int, leaseMs int64) ([]DirtyEntry, error) {
	return s.claimDirty("public_style_dirty", "person_id", limit, leaseMs)
}

func (s *Store) claimDirty(table, keyCol string, limit int, leaseMs int64) ([]DirtyEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim dirty: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(fmt.Sprintf(`
		SELECT %s, first_dirty_ms, last_dirty_ms FROM %s
		WHERE claimed_at_ms = 0 OR claimed_at_ms + ? <= ?
		ORDER BY first_dirty_ms ASC LIMIT ?
	`, keyCol, table), leaseMs, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim dirty select: %w", err)
	}
	var out []DirtyEntry
	for rows.Next() {
		var e DirtyEntry
		if err := rows.Scan(&e.Key, &e.FirstDirtyMs, &e.LastDirtyMs); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range out {
		if _, err := tx.Exec(fmt.Sprintf(
			"UPDATE %s SET claimed_at_ms = ? WHERE %s = ?", table, keyCol), now, e.Key); err != nil {
			return nil, fmt.Errorf("claim dirty mark: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveDirtyGroupCapsule removes a consolidated group from the queue, but
// only when no new episode dirtied it after the claim snapshot.
func (s *Store) ResolveDirtyGroupCapsule(chatID string, lastDirtyMs int64) error {
	_, err := s.db.Exec(
		"DELETE FROM group_capsule_dirty WHERE chat_id = ? AND last_dirty_ms <= ?",
		chatID, lastDirtyMs)
	return err
}

// ResolveDirtyStyle removes a consolidated person from the style queue.
func (s *Store) ResolveDirtyStyle(personID string, lastDirtyMs int64) error {
	_, err := s.db.Exec(
		"DELETE FROM public_style_dirty WHERE person_id = ? AND last_dirty_ms <= ?",
		personID, lastDirtyMs)
	return err
}

// RecentEpisodes returns the newest episodes for a chat.
func (s *Store) RecentEpisodes(chatID string, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, chat_id, person_id, is_group, content, extracted, created_at_ms
		FROM episodes WHERE chat_id = ? ORDER BY created_at_ms DESC LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func (s *Store) embedBytes(text string) []byte {
	if s.embedder == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vec, err := s.embedder.Embed(text)
	if err != nil {
		s.logger.Debug("embedding failed", "error", err)
		return nil
	}
	return encodeVector(vec)
}

// encodeVector packs a float32 slice as little-endian bytes.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks little-endian bytes into a float32 slice.
func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.PersonID, &f.Subject, &f.Content, &f.Category,
			&f.EvidenceQuote, &f.LastAccessedAtMs, &f.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		var (
			e                  Episode
			isGroup, extracted int
		)
		if err := rows.Scan(&e.ID, &e.ChatID, &e.PersonID, &isGroup, &e.Content,
			&extracted, &e.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		e.IsGroup = isGroup != 0
		e.Extracted = extracted != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
