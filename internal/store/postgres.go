package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/wpautohealer/backend/internal/incident"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id    TEXT PRIMARY KEY,
	site_id        TEXT NOT NULL,
	server_id      TEXT NOT NULL,
	site_path      TEXT NOT NULL DEFAULT '',
	wp_path        TEXT NOT NULL DEFAULT '',
	domain         TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	trace_id       TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL,
	fix_attempts   INT  NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	escalated_at   TIMESTAMPTZ,
	resolved_at    TIMESTAMPTZ,
	metadata       JSONB
);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents (state);

CREATE TABLE IF NOT EXISTS incident_events (
	incident_id    TEXT NOT NULL REFERENCES incidents (incident_id),
	sequence       INT  NOT NULL,
	from_state     TEXT NOT NULL,
	to_state       TEXT NOT NULL,
	actor          TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	trace_id       TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (incident_id, sequence)
);
`

// Postgres is the durable incident store.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgres opens the database, verifies connectivity, and ensures the
// schema exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{
		db:     db,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the pool so sibling stores (evidence, servers) can share it.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal incident metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, site_id, server_id, site_path, wp_path, domain,
			correlation_id, trace_id, state, fix_attempts, created_at, escalated_at, resolved_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (incident_id) DO UPDATE SET
			state = EXCLUDED.state,
			fix_attempts = EXCLUDED.fix_attempts,
			escalated_at = EXCLUDED.escalated_at,
			resolved_at = EXCLUDED.resolved_at,
			metadata = EXCLUDED.metadata`,
		inc.ID, inc.SiteID, inc.ServerID, inc.SitePath, inc.WPPath, inc.Domain,
		inc.CorrelationID, inc.TraceID, string(inc.State), inc.FixAttempts,
		inc.CreatedAt, inc.EscalatedAt, inc.ResolvedAt, meta)
	if err != nil {
		return fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	return nil
}

func (p *Postgres) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT incident_id, site_id, server_id, site_path, wp_path, domain,
			correlation_id, trace_id, state, fix_attempts, created_at, escalated_at, resolved_at, metadata
		FROM incidents WHERE incident_id = $1`, id)
	return scanIncident(row)
}

func (p *Postgres) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT incident_id, site_id, server_id, site_path, wp_path, domain,
			correlation_id, trace_id, state, fix_attempts, created_at, escalated_at, resolved_at, metadata
		FROM incidents
		WHERE state NOT IN ('FIXED', 'ESCALATED')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*incident.Incident, error) {
	var inc incident.Incident
	var state string
	var meta []byte
	err := row.Scan(&inc.ID, &inc.SiteID, &inc.ServerID, &inc.SitePath, &inc.WPPath, &inc.Domain,
		&inc.CorrelationID, &inc.TraceID, &state, &inc.FixAttempts,
		&inc.CreatedAt, &inc.EscalatedAt, &inc.ResolvedAt, &meta)
	if err != nil {
		return nil, err
	}
	inc.State = incident.State(state)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inc.Metadata); err != nil {
			return nil, fmt.Errorf("decode incident metadata: %w", err)
		}
	}
	return &inc, nil
}

// AppendEvent assigns the next per-incident sequence number inside one
// transaction so concurrent appends cannot collide.
func (p *Postgres) AppendEvent(ctx context.Context, ev *incident.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event append: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM incident_events WHERE incident_id = $1`,
		ev.IncidentID).Scan(&next); err != nil {
		return fmt.Errorf("next event sequence for %s: %w", ev.IncidentID, err)
	}
	ev.Sequence = next
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incident_events (incident_id, sequence, from_state, to_state, actor, reason,
			correlation_id, trace_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.IncidentID, ev.Sequence, string(ev.From), string(ev.To), ev.Actor, ev.Reason,
		ev.CorrelationID, ev.TraceID, ev.Timestamp); err != nil {
		return fmt.Errorf("append event for %s: %w", ev.IncidentID, err)
	}
	return tx.Commit()
}

func (p *Postgres) Events(ctx context.Context, incidentID string) ([]incident.Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT incident_id, sequence, from_state, to_state, actor, reason,
			correlation_id, trace_id, created_at
		FROM incident_events WHERE incident_id = $1 ORDER BY sequence`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", incidentID, err)
	}
	defer rows.Close()

	var out []incident.Event
	for rows.Next() {
		var ev incident.Event
		var from, to string
		if err := rows.Scan(&ev.IncidentID, &ev.Sequence, &from, &to, &ev.Actor, &ev.Reason,
			&ev.CorrelationID, &ev.TraceID, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.From = incident.State(from)
		ev.To = incident.State(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}
