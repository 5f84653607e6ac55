package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wpautohealer/backend/internal/sshx"
)

const serverSchema = `
CREATE TABLE IF NOT EXISTS servers (
	server_id             TEXT PRIMARY KEY,
	hostname              TEXT NOT NULL,
	port                  INT  NOT NULL DEFAULT 22,
	username              TEXT NOT NULL,
	auth_type             TEXT NOT NULL,
	encrypted_credentials TEXT NOT NULL,
	host_key_fingerprint  TEXT NOT NULL DEFAULT '',
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ServerDirectory resolves server records from Postgres. Credentials stay
// encrypted at rest; the vault opens them at dial time.
type ServerDirectory struct {
	db *sql.DB
}

// NewServerDirectory reuses an open pool and ensures the servers table
// exists.
func NewServerDirectory(db *sql.DB) (*ServerDirectory, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, serverSchema); err != nil {
		return nil, fmt.Errorf("ensure server schema: %w", err)
	}
	return &ServerDirectory{db: db}, nil
}

func (d *ServerDirectory) GetServer(ctx context.Context, serverID string) (sshx.ServerRecord, error) {
	var rec sshx.ServerRecord
	err := d.db.QueryRowContext(ctx, `
		SELECT server_id, hostname, port, username, auth_type, encrypted_credentials, host_key_fingerprint
		FROM servers WHERE server_id = $1`, serverID).
		Scan(&rec.ServerID, &rec.Hostname, &rec.Port, &rec.Username,
			&rec.AuthType, &rec.EncryptedCredentials, &rec.HostKeyFingerprint)
	if err == sql.ErrNoRows {
		return sshx.ServerRecord{}, fmt.Errorf("unknown server %s", serverID)
	}
	if err != nil {
		return sshx.ServerRecord{}, fmt.Errorf("load server %s: %w", serverID, err)
	}
	return rec, nil
}

// PutServer upserts a record. Used by provisioning tooling.
func (d *ServerDirectory) PutServer(ctx context.Context, rec sshx.ServerRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, hostname, port, username, auth_type, encrypted_credentials, host_key_fingerprint, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (server_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			auth_type = EXCLUDED.auth_type,
			encrypted_credentials = EXCLUDED.encrypted_credentials,
			host_key_fingerprint = EXCLUDED.host_key_fingerprint,
			updated_at = now()`,
		rec.ServerID, rec.Hostname, rec.Port, rec.Username,
		rec.AuthType, rec.EncryptedCredentials, rec.HostKeyFingerprint)
	if err != nil {
		return fmt.Errorf("save server %s: %w", rec.ServerID, err)
	}
	return nil
}
