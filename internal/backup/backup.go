// Package backup snapshots remote files into JSON sidecars stored inside
// the site's wp-content directory, and restores them byte-for-byte.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/sshx"
)

const sidecarPrefix = ".wp-autohealer-file-backup-"

// maxLookback bounds how many sidecars LatestBackup inspects.
const maxLookback = 20

// sidecar is the JSON payload written next to the site. Content is
// base64 so arbitrary file bytes survive the JSON encoding.
type sidecar struct {
	Version    int               `json:"version"`
	IncidentID string            `json:"incidentId"`
	ServerID   string            `json:"serverId"`
	SourcePath string            `json:"sourcePath"`
	Content    string            `json:"contentBase64"`
	Checksum   string            `json:"sha256"`
	CreatedAt  int64             `json:"createdAtMs"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Service implements the backup capability over a command runner. It
// satisfies both ports.BackupService and playbook.Backups.
type Service struct {
	runner playbook.Runner
	logger *log.Logger
	now    func() time.Time
}

func NewService(runner playbook.Runner) *Service {
	return &Service{
		runner: runner,
		logger: log.New(log.Writer(), "[BACKUP] ", log.LstdFlags),
		now:    time.Now,
	}
}

// sidecarDir picks where a source file's sidecar lives: the enclosing
// wp-content directory when there is one, the wp-content sibling for
// files at the WordPress root, the source's own directory otherwise.
func sidecarDir(sourcePath string) string {
	if i := strings.Index(sourcePath, "/wp-content/"); i >= 0 {
		return sourcePath[:i] + "/wp-content"
	}
	dir := path.Dir(sourcePath)
	if path.Base(sourcePath) == "wp-config.php" {
		return dir + "/wp-content"
	}
	return dir
}

// CreateFileBackup reads the source file and writes its sidecar. The
// returned path identifies the backup for Restore.
func (s *Service) CreateFileBackup(ctx context.Context, incidentID, serverID, sourcePath string, meta map[string]string) (string, error) {
	clean, err := sshx.ValidatePath(sourcePath)
	if err != nil {
		return "", err
	}
	content, err := s.runner.ReadFile(ctx, serverID, clean)
	if err != nil {
		return "", fmt.Errorf("read %s for backup: %w", clean, err)
	}
	sum := sha256.Sum256(content)
	sc := sidecar{
		Version:    1,
		IncidentID: incidentID,
		ServerID:   serverID,
		SourcePath: clean,
		Content:    base64.StdEncoding.EncodeToString(content),
		Checksum:   hex.EncodeToString(sum[:]),
		CreatedAt:  s.now().UnixMilli(),
		Metadata:   meta,
	}
	blob, err := json.Marshal(sc)
	if err != nil {
		return "", fmt.Errorf("encode backup sidecar: %w", err)
	}
	backupPath := fmt.Sprintf("%s/%s%d", sidecarDir(clean), sidecarPrefix, sc.CreatedAt)
	if err := s.runner.WriteFile(ctx, serverID, backupPath, blob); err != nil {
		return "", fmt.Errorf("write backup sidecar %s: %w", backupPath, err)
	}
	s.logger.Printf("backed up %s to %s (%d bytes)", clean, backupPath, len(content))
	return backupPath, nil
}

// Restore writes a sidecar's recorded bytes back to the target path after
// verifying the sidecar's checksum.
func (s *Service) Restore(ctx context.Context, serverID, backupPath, target string) error {
	cleanTarget, err := sshx.ValidatePath(target)
	if err != nil {
		return err
	}
	sc, err := s.readSidecar(ctx, serverID, backupPath)
	if err != nil {
		return err
	}
	content, err := base64.StdEncoding.DecodeString(sc.Content)
	if err != nil {
		return fmt.Errorf("decode backup %s: %w", backupPath, err)
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != sc.Checksum {
		return fmt.Errorf("backup %s failed its checksum, refusing to restore", backupPath)
	}
	if err := s.runner.WriteFile(ctx, serverID, cleanTarget, content); err != nil {
		return fmt.Errorf("restore %s to %s: %w", backupPath, cleanTarget, err)
	}
	s.logger.Printf("restored %s from %s (%d bytes)", cleanTarget, backupPath, len(content))
	return nil
}

// LatestBackup returns the newest sidecar under the site's wp-content
// whose recorded source matches sourcePath, or "" when none does.
func (s *Service) LatestBackup(ctx context.Context, serverID, wpPath, sourcePath string) (string, error) {
	dir := wpPath + "/wp-content"
	out, err := s.runner.Run(ctx, serverID, "ls -t -a "+dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	if out.ExitCode != 0 {
		return "", nil
	}
	clean, err := sshx.ValidatePath(sourcePath)
	if err != nil {
		return "", err
	}
	inspected := 0
	for _, line := range strings.Split(out.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if !strings.HasPrefix(name, sidecarPrefix) {
			continue
		}
		if inspected++; inspected > maxLookback {
			break
		}
		candidate := dir + "/" + name
		sc, err := s.readSidecar(ctx, serverID, candidate)
		if err != nil {
			s.logger.Printf("skipping unreadable sidecar %s: %v", candidate, err)
			continue
		}
		if sc.SourcePath == clean {
			return candidate, nil
		}
	}
	return "", nil
}

func (s *Service) readSidecar(ctx context.Context, serverID, backupPath string) (*sidecar, error) {
	raw, err := s.runner.ReadFile(ctx, serverID, backupPath)
	if err != nil {
		return nil, fmt.Errorf("read backup sidecar %s: %w", backupPath, err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("decode backup sidecar %s: %w", backupPath, err)
	}
	if sc.Version != 1 {
		return nil, fmt.Errorf("backup sidecar %s has unsupported version %d", backupPath, sc.Version)
	}
	return &sc, nil
}
