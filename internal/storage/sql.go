package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hperssn/sprinter/internal/domain"
)

// SQLRepository is the database/sql backed Repository. SQLite and Postgres
// differ only in schema and placeholder style.
type SQLRepository struct {
	db     *sql.DB
	rebind func(string) string
}

func openSQL(driver, dsn, schema string, rebind func(string) string) (*SQLRepository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}

	repo := &SQLRepository{db: db, rebind: rebind}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create tables")
	}

	return repo, nil
}

func keepQuestionMarks(q string) string { return q }

// dollarPlaceholders turns ? placeholders into $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *SQLRepository) SaveResult(ctx context.Context, record *SessionResult) error {
	unitsJSON, err := json.Marshal(record.Units)
	if err != nil {
		return errors.Wrap(err, "encode units")
	}

	query := r.rebind(`
		INSERT INTO results (id, session_id, user_id, sequence_id, score, started_at, completed_at, units_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = r.db.ExecContext(
		ctx,
		query,
		record.ID,
		record.SessionID,
		record.UserID,
		record.SequenceID,
		record.Score,
		record.StartedAt,
		record.CompletedAt,
		string(unitsJSON),
	)

	return errors.Wrap(err, "insert result")
}

func (r *SQLRepository) SaveOutcome(ctx context.Context, o domain.Outcome) error {
	return r.SaveResult(ctx, FromOutcome(o))
}

func (r *SQLRepository) GetResultsByUser(ctx context.Context, userID string) ([]SessionResult, error) {
	query := r.rebind(`
		SELECT id, session_id, user_id, sequence_id, score, started_at, completed_at, units_json
		FROM results
		WHERE user_id = ?
		ORDER BY completed_at DESC
	`)

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	return r.scanResults(rows)
}

func (r *SQLRepository) GetRecentResults(ctx context.Context, userID string, since time.Time) ([]SessionResult, error) {
	query := r.rebind(`
		SELECT id, session_id, user_id, sequence_id, score, started_at, completed_at, units_json
		FROM results
		WHERE user_id = ? AND completed_at >= ?
		ORDER BY completed_at DESC
	`)

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, errors.Wrap(err, "query recent results")
	}
	defer rows.Close()

	return r.scanResults(rows)
}

func (r *SQLRepository) GetResultStats(ctx context.Context, userID string) (*ResultStats, error) {
	query := r.rebind(`
		SELECT
			COUNT(*) as total,
			SUM(CASE WHEN score >= ? THEN 1 ELSE 0 END) as passed,
			AVG(score) as avg_score,
			MAX(score) as best_score
		FROM results
		WHERE user_id = ?
	`)

	var stats ResultStats
	var passed, best sql.NullInt64
	var avg sql.NullFloat64

	err := r.db.QueryRowContext(ctx, query, PassScore, userID).Scan(
		&stats.TotalSessions,
		&passed,
		&avg,
		&best,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query result stats")
	}

	if passed.Valid {
		stats.PassedCount = int(passed.Int64)
	}
	if avg.Valid {
		stats.AverageScore = avg.Float64
	}
	if best.Valid {
		stats.BestScore = int(best.Int64)
	}
	if stats.TotalSessions > 0 {
		stats.PassRate = float64(stats.PassedCount) / float64(stats.TotalSessions) * 100
	}

	return &stats, nil
}

func (r *SQLRepository) scanResults(rows *sql.Rows) ([]SessionResult, error) {
	var records []SessionResult

	for rows.Next() {
		var record SessionResult
		var unitsJSON string

		err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.UserID,
			&record.SequenceID,
			&record.Score,
			&record.StartedAt,
			&record.CompletedAt,
			&unitsJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scan result")
		}

		if err := json.Unmarshal([]byte(unitsJSON), &record.Units); err != nil {
			return nil, errors.Wrapf(err, "decode units of result %s", record.ID)
		}

		records = append(records, record)
	}

	return records, errors.Wrap(rows.Err(), "iterate results")
}

func (r *SQLRepository) SaveDraft(ctx context.Context, key string, d domain.Draft) error {
	raw, err := encodeDraft(d)
	if err != nil {
		return errors.Wrap(err, "encode draft")
	}

	query := r.rebind(`
		INSERT INTO drafts (draft_key, draft_json, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (draft_key) DO UPDATE SET draft_json = excluded.draft_json, saved_at = excluded.saved_at
	`)

	_, err = r.db.ExecContext(ctx, query, key, raw, d.SavedAt)
	return errors.Wrap(err, "upsert draft")
}

func (r *SQLRepository) LoadDraft(ctx context.Context, key string) (*domain.Draft, error) {
	query := r.rebind(`SELECT draft_json FROM drafts WHERE draft_key = ?`)

	var raw string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load draft")
	}

	d, err := decodeDraft([]byte(raw))
	return d, errors.Wrapf(err, "decode draft %s", key)
}

func (r *SQLRepository) ClearDraft(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM drafts WHERE draft_key = ?`), key)
	return errors.Wrap(err, "delete draft")
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}
