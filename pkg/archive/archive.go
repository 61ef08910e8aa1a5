// Package archive stores finalized session records in Postgres. A session
// is archived once, after finalization; the resumable record in the local
// store is cleared at the same moment.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SessionRecord is one archived call.
type SessionRecord struct {
	SessionID       string
	UserID          string
	CoachID         string
	Mode            string
	TransportKind   string
	Trigger         string
	DurationSeconds int
	BilledMinutes   int
	TotalCost       int
	InputTokens     int
	OutputTokens    int
	BriefingID      string
	Summary         string
	Degraded        bool
	EndedAt         time.Time
}

// Archive writes finalized sessions to Postgres.
type Archive struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, runs pending migrations, and returns the
// archive.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	if err := migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, core.NewFinalizationError("connect session archive", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.NewFinalizationError("ping session archive", err)
	}
	return &Archive{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return core.NewFinalizationError("open archive for migration", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return core.NewFinalizationError("set migration dialect", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return core.NewFinalizationError("run archive migrations", err)
	}
	return nil
}

// Save inserts one finalized session. Re-archiving the same session id
// updates the row instead of failing, so a retried finalization stays safe.
func (a *Archive) Save(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO coach_sessions (
			session_id, user_id, coach_id, mode, transport_kind, end_trigger,
			duration_seconds, billed_minutes, total_cost,
			input_tokens, output_tokens,
			briefing_id, summary, degraded, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (session_id) DO UPDATE SET
			end_trigger = EXCLUDED.end_trigger,
			duration_seconds = EXCLUDED.duration_seconds,
			billed_minutes = EXCLUDED.billed_minutes,
			total_cost = EXCLUDED.total_cost,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			briefing_id = EXCLUDED.briefing_id,
			summary = EXCLUDED.summary,
			degraded = EXCLUDED.degraded,
			ended_at = EXCLUDED.ended_at`

	_, err := a.pool.Exec(ctx, query,
		rec.SessionID, rec.UserID, rec.CoachID, rec.Mode, rec.TransportKind, rec.Trigger,
		rec.DurationSeconds, rec.BilledMinutes, rec.TotalCost,
		rec.InputTokens, rec.OutputTokens,
		rec.BriefingID, rec.Summary, rec.Degraded, rec.EndedAt,
	)
	if err != nil {
		return core.NewFinalizationError("archive session", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}
