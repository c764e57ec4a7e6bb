package tabib

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// Outcomes recorded in the ledger.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// DB is the usage ledger. It stores request metadata only, never image bytes
// or the text shown to the user.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

// Analysis is one row of the ledger.
type Analysis struct {
	Id        int
	RequestID string
	CreatedAt time.Time
	Language  string
	Modality  string
	Describer string
	Model     string
	Duration  time.Duration
	Outcome   string
	ErrorKind sql.NullString
}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	if fname == ":memory:" {
		// Every connection to :memory: is a separate database
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// InsertAnalysis adds a row to the ledger and sets a.Id.
func (db *DB) InsertAnalysis(ctx context.Context, a *Analysis) error {
	res, err := db.db.ExecContext(ctx, `
		INSERT INTO analyses
		(request_id, created_at, language, modality, describer, model, duration_ms, outcome, error_kind)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.RequestID,
		a.CreatedAt,
		a.Language,
		a.Modality,
		a.Describer,
		a.Model,
		a.Duration.Milliseconds(),
		a.Outcome,
		a.ErrorKind,
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.Id = int(id)
	return nil
}

// CountAnalyses returns the number of rows in the ledger
func (db *DB) CountAnalyses(ctx context.Context) (int, error) {
	row := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analyses`)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// OutcomeCounts returns the number of analyses per outcome.
func (db *DB) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM analyses GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return counts, nil
}

// RecentAnalyses returns up to limit rows, newest first.
func (db *DB) RecentAnalyses(ctx context.Context, limit int) ([]*Analysis, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, request_id, created_at, language, modality, describer,
			   model, duration_ms, outcome, error_kind
		FROM analyses
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var analyses []*Analysis
	for rows.Next() {
		a := &Analysis{}

		var ms int64
		err := rows.Scan(
			&a.Id,
			&a.RequestID,
			&a.CreatedAt,
			&a.Language,
			&a.Modality,
			&a.Describer,
			&a.Model,
			&ms,
			&a.Outcome,
			&a.ErrorKind,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning analyses: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond

		analyses = append(analyses, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}

	return analyses, nil
}
