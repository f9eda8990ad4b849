// Package store persists finished topic results. Results land in a SQLite
// database for querying and are optionally exported as per-run JSON files.
// The store is a pure consumer: nothing here feeds back into orchestration.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meridianlabs/paperscout/internal/domain"
)

// Store manages the results SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the results database at path, creating the
// schema if it does not exist.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			state TEXT NOT NULL,
			summary TEXT,
			new_research TEXT,
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS papers (
			external_id TEXT NOT NULL,
			topic_id TEXT NOT NULL REFERENCES topics(id),
			title TEXT,
			abstract TEXT,
			score REAL,
			PRIMARY KEY (external_id, topic_id)
		)`,
		`CREATE TABLE IF NOT EXISTS analyses (
			paper_id TEXT NOT NULL,
			topic_id TEXT NOT NULL REFERENCES topics(id),
			findings TEXT NOT NULL,
			methodology TEXT,
			provider TEXT,
			tokens_used INTEGER,
			generated_at TEXT,
			PRIMARY KEY (paper_id, topic_id)
		)`,
		`CREATE TABLE IF NOT EXISTS failures (
			topic_id TEXT NOT NULL REFERENCES topics(id),
			kind TEXT NOT NULL,
			target TEXT,
			attempts INTEGER,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_papers_topic_id ON papers(topic_id)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_topic_id ON analyses(topic_id)`,
		`CREATE INDEX IF NOT EXISTS idx_failures_topic_id ON failures(topic_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// SaveResult writes one finished topic and its papers, analyses, and
// recorded failures in a single transaction.
func (s *Store) SaveResult(ctx context.Context, result *domain.TopicResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	topic := result.Topic
	_, err = tx.ExecContext(ctx,
		`INSERT INTO topics (id, query, state, summary, new_research, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, summary=excluded.summary,
			new_research=excluded.new_research, finished_at=excluded.finished_at`,
		topic.ID.String(), topic.Query, string(topic.State), result.Summary, result.NewResearch,
		topic.CreatedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting topic: %w", err)
	}

	paperStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO papers (external_id, topic_id, title, abstract, score)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing paper insert: %w", err)
	}
	defer paperStmt.Close()

	for _, paper := range result.Papers {
		var score sql.NullFloat64
		if paper.Score != nil {
			score = sql.NullFloat64{Float64: *paper.Score, Valid: true}
		}
		if _, err := paperStmt.ExecContext(ctx,
			paper.ExternalID, topic.ID.String(), paper.Title, paper.Abstract, score,
		); err != nil {
			return fmt.Errorf("inserting paper %s: %w", paper.ExternalID, err)
		}
	}

	analysisStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO analyses (paper_id, topic_id, findings, methodology, provider, tokens_used, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing analysis insert: %w", err)
	}
	defer analysisStmt.Close()

	for _, analysis := range result.Analyses {
		if _, err := analysisStmt.ExecContext(ctx,
			analysis.PaperID, topic.ID.String(), analysis.Findings, analysis.Methodology,
			analysis.Provider, analysis.TokensUsed,
			analysis.GeneratedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting analysis for %s: %w", analysis.PaperID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failures WHERE topic_id = ?`, topic.ID.String()); err != nil {
		return fmt.Errorf("clearing old failures: %w", err)
	}
	for _, failure := range result.Failures {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO failures (topic_id, kind, target, attempts, reason) VALUES (?, ?, ?, ?, ?)`,
			topic.ID.String(), string(failure.Kind), failure.Target, failure.Attempts, failure.Reason,
		); err != nil {
			return fmt.Errorf("inserting failure record: %w", err)
		}
	}

	return tx.Commit()
}

// TopicRecord is a stored topic summary row.
type TopicRecord struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	State        string    `json:"state"`
	Summary      string    `json:"summary,omitempty"`
	NewResearch  string    `json:"new_research,omitempty"`
	PaperCount   int       `json:"paper_count"`
	FailureCount int       `json:"failure_count"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ListTopics returns all stored topics, most recently finished first.
func (s *Store) ListTopics(ctx context.Context) ([]TopicRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.query, t.state, COALESCE(t.summary, ''),
			COALESCE(t.new_research, ''), t.finished_at,
			(SELECT COUNT(*) FROM papers p WHERE p.topic_id = t.id),
			(SELECT COUNT(*) FROM failures f WHERE f.topic_id = t.id)
		 FROM topics t
		 ORDER BY t.finished_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying topics: %w", err)
	}
	defer rows.Close()

	var records []TopicRecord
	for rows.Next() {
		var rec TopicRecord
		var finishedAt string
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.State, &rec.Summary,
			&rec.NewResearch, &finishedAt, &rec.PaperCount, &rec.FailureCount); err != nil {
			return nil, fmt.Errorf("scanning topic row: %w", err)
		}
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetAnalyses returns the stored analyses for one topic.
func (s *Store) GetAnalyses(ctx context.Context, topicID string) ([]*domain.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT paper_id, findings, COALESCE(methodology, ''), COALESCE(provider, ''),
			COALESCE(tokens_used, 0), COALESCE(generated_at, '')
		 FROM analyses WHERE topic_id = ?`, topicID)
	if err != nil {
		return nil, fmt.Errorf("querying analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*domain.AnalysisResult
	for rows.Next() {
		var analysis domain.AnalysisResult
		var generatedAt string
		if err := rows.Scan(&analysis.PaperID, &analysis.Findings, &analysis.Methodology,
			&analysis.Provider, &analysis.TokensUsed, &generatedAt); err != nil {
			return nil, fmt.Errorf("scanning analysis row: %w", err)
		}
		analysis.GeneratedAt, _ = time.Parse(time.RFC3339Nano, generatedAt)
		analyses = append(analyses, &analysis)
	}
	return analyses, rows.Err()
}
