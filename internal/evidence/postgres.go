// Package evidence persists the append-only evidence trail attached to
// each incident. Appends are idempotent on (incidentID, signature), so a
// replayed remediation step never duplicates its observations.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/wpautohealer/backend/internal/playbook"
)

const schema = `
CREATE TABLE IF NOT EXISTS incident_evidence (
	incident_id TEXT NOT NULL,
	signature   TEXT NOT NULL,
	tag         TEXT NOT NULL,
	description TEXT NOT NULL,
	content     TEXT NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (incident_id, signature)
);
`

// PostgresSink is the durable evidence store. Implements
// ports.EvidenceSink.
type PostgresSink struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresSink reuses an open connection pool and ensures the evidence
// schema exists.
func NewPostgresSink(db *sql.DB) (*PostgresSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure evidence schema: %w", err)
	}
	return &PostgresSink{
		db:     db,
		logger: log.New(log.Writer(), "[EVIDENCE] ", log.LstdFlags),
	}, nil
}

// Append stores one evidence item. A duplicate signature for the same
// incident is a no-op, per the sink contract.
func (s *PostgresSink) Append(ctx context.Context, incidentID string, item playbook.Evidence) error {
	meta, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("marshal evidence metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incident_evidence (incident_id, signature, tag, description, content, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (incident_id, signature) DO NOTHING`,
		incidentID, item.Signature, string(item.Tag), item.Description, item.Content, meta, item.Timestamp)
	if err != nil {
		return fmt.Errorf("append evidence for %s: %w", incidentID, err)
	}
	return nil
}

// Items returns the evidence recorded for an incident, oldest first.
func (s *PostgresSink) Items(ctx context.Context, incidentID string) ([]playbook.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, tag, description, content, metadata, created_at
		FROM incident_evidence
		WHERE incident_id = $1
		ORDER BY inserted_at`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load evidence for %s: %w", incidentID, err)
	}
	defer rows.Close()

	var out []playbook.Evidence
	for rows.Next() {
		var item playbook.Evidence
		var tag string
		var meta []byte
		if err := rows.Scan(&item.Signature, &tag, &item.Description, &item.Content, &meta, &item.Timestamp); err != nil {
			return nil, err
		}
		item.Tag = playbook.EvidenceTag(tag)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode evidence metadata: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
