// Package telemetry persists per-turn and per-call metrics. Writes are
// best-effort: a telemetry failure never affects a turn.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/homielabs/homie/pkg/homie/storage"
)

// Store is the SQLite-backed telemetry sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the telemetry database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger.With("component", "telemetry")}
	if err := storage.Migrate(db, migrations, s.logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var migrations = []storage.Migration{
	{
		Name: "telemetry_base",
		SQL: `
			CREATE TABLE IF NOT EXISTS turns (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				correlation_id TEXT NOT NULL,
				chat_id        TEXT NOT NULL,
				action         TEXT NOT NULL,
				reason         TEXT NOT NULL DEFAULT '',
				duration_ms    INTEGER NOT NULL,
				created_at_ms  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS llm_calls (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				correlation_id TEXT NOT NULL,
				role           TEXT NOT NULL,
				model          TEXT NOT NULL DEFAULT '',
				input_tokens   INTEGER NOT NULL DEFAULT 0,
				output_tokens  INTEGER NOT NULL DEFAULT 0,
				steps          INTEGER NOT NULL DEFAULT 0,
				duration_ms    INTEGER NOT NULL,
				created_at_ms  INTEGER NOT NULL
			);
		`,
	},
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordTurn logs one completed turn. Errors are swallowed.
func (s *Store) RecordTurn(correlationID, chatID, action, reason string, duration time.Duration) {
	_, err := s.db.Exec(`
		INSERT INTO turns (correlation_id, chat_id, action, reason, duration_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, correlationID, chatID, action, reason, duration.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		s.logger.Debug("turn telemetry write failed", "error", err)
	}
}

// RecordLLMCall logs one backend completion. Errors are swallowed.
func (s *Store) RecordLLMCall(correlationID, role, model string, inputTokens, outputTokens, steps int, duration time.Duration) {
	_, err := s.db.Exec(`
		INSERT INTO llm_calls (correlation_id, role, model, input_tokens, output_tokens, steps, duration_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, correlationID, role, model, inputTokens, outputTokens, steps, duration.Milliseconds(), time.Now().UnixMilli())
	if err != nil {
		s.logger.Debug("llm telemetry write failed", "error", err)
	}
}
