// Package store persists members, skills and versioned enrichment results in
// sqlite. Enrichment history is append-only: re-running enrichment adds rows
// under a new version and flips the per-member "current" persona pointer
// inside one transaction; nothing is ever deleted.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
	member_id INTEGER PRIMARY KEY AUTOINCREMENT,
	member_name TEXT NOT NULL UNIQUE,
	bio_or_comment TEXT NOT NULL,
	last_active_date TEXT,
	raw_date TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skills (
	skill_id INTEGER PRIMARY KEY AUTOINCREMENT,
	skill_name TEXT NOT NULL UNIQUE,
	category TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS member_skills (
	member_id INTEGER NOT NULL,
	skill_id INTEGER NOT NULL,
	enrichment_version INTEGER NOT NULL,
	confidence REAL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (member_id, skill_id, enrichment_version),
	FOREIGN KEY (member_id) REFERENCES members(member_id) ON DELETE CASCADE,
	FOREIGN KEY (skill_id) REFERENCES skills(skill_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS member_personas (
	persona_id INTEGER PRIMARY KEY AUTOINCREMENT,
	member_id INTEGER NOT NULL,
	persona_type TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	reasoning TEXT,
	enrichment_version INTEGER NOT NULL,
	is_current BOOLEAN DEFAULT 1,
	created_at TEXT NOT NULL,
	FOREIGN KEY (member_id) REFERENCES members(member_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS enrichment_runs (
	run_id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_timestamp TEXT NOT NULL,
	model_name TEXT,
	prompt_version TEXT,
	records_processed INTEGER,
	status TEXT,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS processing_log (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	member_id INTEGER,
	member_name TEXT,
	processing_stage TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	timestamp TEXT NOT NULL,
	FOREIGN KEY (member_id) REFERENCES members(member_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_members_active_date ON members(last_active_date);
CREATE INDEX IF NOT EXISTS idx_personas_current ON member_personas(is_current, member_id);
CREATE INDEX IF NOT EXISTS idx_skills_name ON skills(skill_name);
CREATE INDEX IF NOT EXISTS idx_processing_status ON processing_log(status, timestamp);
`

// Processing stages and statuses recorded in the audit trail.
const (
	StageIngestion  = "ingestion"
	StageEnrichment = "enrichment"

	StatusSuccess = "success"
	StatusError   = "error"

	RunInProgress = "in_progress"
	RunCompleted  = "completed"
)

// Store wraps the sqlite connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. The pool is pinned to a single connection so every
// multi-statement operation runs on one serialized handle.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Debug("database initialized", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertMember inserts a member keyed by name or updates the bio and date
// fields of the existing row. The returned id is stable across upserts.
func (s *Store) UpsertMember(name, bio string, lastActiveDate *string, rawDate string) (int64, error) {
	ts := now()

	_, err := s.db.Exec(`
		INSERT INTO members (member_name, bio_or_comment, last_active_date, raw_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_name) DO UPDATE SET
			bio_or_comment = excluded.bio_or_comment,
			last_active_date = excluded.last_active_date,
			raw_date = excluded.raw_date,
			updated_at = excluded.updated_at`,
		name, bio, lastActiveDate, rawDate, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upsert member %q: %w", name, err)
	}

	var id int64
	if err := s.db.QueryRow(`SELECT member_id FROM members WHERE member_name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve member id for %q: %w", name, err)
	}

	return id, nil
}

// CanonicalSkillName lower-cases and trims a skill name; this is the skill's
// identity.
func CanonicalSkillName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetOrCreateSkill resolves a skill id by canonical name, creating the row
// on first reference. INSERT OR IGNORE keeps creation idempotent even when
// duplicate names race: the unique index makes the loser reuse the winner's
// row.
func (s *Store) GetOrCreateSkill(name string) (int64, error) {
	return getOrCreateSkill(s.db, name)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func getOrCreateSkill(db execer, name string) (int64, error) {
	canonical := CanonicalSkillName(name)
	if canonical == "" {
		return 0, fmt.Errorf("skill name is blank")
	}

	if _, err := db.Exec(
		`INSERT OR IGNORE INTO skills (skill_name, created_at) VALUES (?, ?)`,
		canonical, now(),
	); err != nil {
		return 0, fmt.Errorf("create skill %q: %w", canonical, err)
	}

	var id int64
	if err := db.QueryRow(`SELECT skill_id FROM skills WHERE skill_name = ?`, canonical).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve skill id for %q: %w", canonical, err)
	}

	return id, nil
}

// RecordEnrichment persists one enrichment result for a member under the
// given version: the previous current persona is demoted, the new one
// inserted as current, and a (member, skill, version) link written for each
// non-blank skill. The whole operation is one transaction; any failure rolls
// back so the member is never left without a current persona.
func (s *Store) RecordEnrichment(memberID int64, skills []string, persona string, confidence float64, reasoning string, version int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	ts := now()

	if _, err := tx.Exec(
		`UPDATE member_personas SET is_current = 0 WHERE member_id = ? AND is_current = 1`,
		memberID,
	); err != nil {
		return fmt.Errorf("demote current persona for member %d: %w", memberID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO member_personas (member_id, persona_type, confidence_score, reasoning, enrichment_version, is_current, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		memberID, persona, confidence, reasoning, version, ts,
	); err != nil {
		return fmt.Errorf("insert persona for member %d: %w", memberID, err)
	}

	for _, skill := range skills {
		if strings.TrimSpace(skill) == "" {
			continue
		}

		skillID, err := getOrCreateSkill(tx, skill)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO member_skills (member_id, skill_id, enrichment_version, confidence, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			memberID, skillID, version, confidence, ts,
		); err != nil {
			return fmt.Errorf("link skill %q to member %d: %w", skill, memberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrichment for member %d: %w", memberID, err)
	}

	return nil
}

// LogProcessing appends an audit trail entry. It never fails the caller: a
// write error is logged and swallowed.
func (s *Store) LogProcessing(memberID *int64, memberName, stage, status string, errorMessage *string) {
	_, err := s.db.Exec(`
		INSERT INTO processing_log (member_id, member_name, processing_stage, status, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		memberID, memberName, stage, status, errorMessage, now())
	if err != nil {
		s.logger.Warn("writing processing log entry failed",
			zap.String("member", memberName),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

// CreateEnrichmentRun records the start of a batch and returns the run id,
// which doubles as the enrichment version for that batch's writes.
func (s *Store) CreateEnrichmentRun(modelName, promptVersion string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO enrichment_runs (run_timestamp, model_name, prompt_version, status)
		VALUES (?, ?, ?, ?)`,
		now(), modelName, promptVersion, RunInProgress)
	if err != nil {
		return 0, fmt.Errorf("create enrichment run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resolve run id: %w", err)
	}

	return id, nil
}

// CompleteEnrichmentRun finalizes a run record with its processed count,
// terminal status and optional notes.
func (s *Store) CompleteEnrichmentRun(runID int64, processedCount int, status, notes string) error {
	_, err := s.db.Exec(`
		UPDATE enrichment_runs SET records_processed = ?, status = ?, notes = ? WHERE run_id = ?`,
		processedCount, status, notes, runID)
	if err != nil {
		return fmt.Errorf("complete enrichment run %d: %w", runID, err)
	}

	return nil
}
