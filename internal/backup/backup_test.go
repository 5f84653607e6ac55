package backup

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wpautohealer/backend/internal/playbook"
)

type stubRunner struct {
	files    map[string][]byte
	writes   []string
	listing  string
	commands []string
}

func newStubRunner() *stubRunner {
	return &stubRunner{files: map[string][]byte{}}
}

func (r *stubRunner) Run(_ context.Context, _ string, cmd string) (*playbook.CommandOutput, error) {
	r.commands = append(r.commands, cmd)
	if strings.HasPrefix(cmd, "ls -t -a ") {
		return &playbook.CommandOutput{Stdout: r.listing, ExitCode: 0}, nil
	}
	return &playbook.CommandOutput{ExitCode: 0}, nil
}

func (r *stubRunner) ReadFile(_ context.Context, _ string, remotePath string) ([]byte, error) {
	content, ok := r.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", remotePath)
	}
	return content, nil
}

func (r *stubRunner) WriteFile(_ context.Context, _ string, remotePath string, content []byte) error {
	r.files[remotePath] = content
	r.writes = append(r.writes, remotePath)
	return nil
}

func newTestService(runner *stubRunner, at time.Time) *Service {
	svc := NewService(runner)
	svc.now = func() time.Time { return at }
	return svc
}

func TestCreateFileBackup_WritesSidecarUnderWPContent(t *testing.T) {
	runner := newStubRunner()
	runner.files["/var/www/site/wp-config.php"] = []byte("<?php define('DB_NAME', 'wp');")
	at := time.UnixMilli(1700000000000)
	svc := newTestService(runner, at)

	path, err := svc.CreateFileBackup(context.Background(), "inc-1", "srv-1",
		"/var/www/site/wp-config.php", map[string]string{"stage": "backup"})
	require.NoError(t, err)
	assert.Equal(t, "/var/www/site/wp-content/.wp-autohealer-file-backup-1700000000000", path)

	var sc sidecar
	require.NoError(t, json.Unmarshal(runner.files[path], &sc))
	assert.Equal(t, 1, sc.Version)
	assert.Equal(t, "inc-1", sc.IncidentID)
	assert.Equal(t, "srv-1", sc.ServerID)
	assert.Equal(t, "/var/www/site/wp-config.php", sc.SourcePath)
	assert.Equal(t, int64(1700000000000), sc.CreatedAt)

	decoded, err := base64.StdEncoding.DecodeString(sc.Content)
	require.NoError(t, err)
	assert.Equal(t, "<?php define('DB_NAME', 'wp');", string(decoded))
}

func TestCreateFileBackup_FileInsideWPContent(t *testing.T) {
	runner := newStubRunner()
	runner.files["/var/www/site/wp-content/plugins/foo/foo.php"] = []byte("<?php")
	svc := newTestService(runner, time.UnixMilli(42))

	path, err := svc.CreateFileBackup(context.Background(), "inc-1", "srv-1",
		"/var/www/site/wp-content/plugins/foo/foo.php", nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/www/site/wp-content/.wp-autohealer-file-backup-42", path)
}

func TestCreateFileBackup_UnreadableSourceFails(t *testing.T) {
	runner := newStubRunner()
	svc := newTestService(runner, time.Now())

	_, err := svc.CreateFileBackup(context.Background(), "inc-1", "srv-1", "/var/www/site/wp-config.php", nil)
	require.Error(t, err)
	assert.Empty(t, runner.writes, "nothing written when the source cannot be read")
}

func TestRestore_RoundTrip(t *testing.T) {
	runner := newStubRunner()
	original := []byte("<?php define('WP_MEMORY_LIMIT', '128M');")
	runner.files["/var/www/site/wp-config.php"] = original
	svc := newTestService(runner, time.UnixMilli(99))

	backupPath, err := svc.CreateFileBackup(context.Background(), "inc-1", "srv-1", "/var/www/site/wp-config.php", nil)
	require.NoError(t, err)

	runner.files["/var/www/site/wp-config.php"] = []byte("corrupted")
	require.NoError(t, svc.Restore(context.Background(), "srv-1", backupPath, "/var/www/site/wp-config.php"))
	assert.Equal(t, original, runner.files["/var/www/site/wp-config.php"])
}

func TestRestore_ChecksumMismatchRefuses(t *testing.T) {
	runner := newStubRunner()
	sc := sidecar{
		Version:    1,
		SourcePath: "/var/www/site/wp-config.php",
		Content:    base64.StdEncoding.EncodeToString([]byte("tampered")),
		Checksum:   "0000000000000000000000000000000000000000000000000000000000000000",
	}
	blob, err := json.Marshal(sc)
	require.NoError(t, err)
	runner.files["/var/www/site/wp-content/.wp-autohealer-file-backup-1"] = blob
	svc := newTestService(runner, time.Now())

	err = svc.Restore(context.Background(), "srv-1",
		"/var/www/site/wp-content/.wp-autohealer-file-backup-1", "/var/www/site/wp-config.php")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
	assert.Empty(t, runner.writes)
}

func TestLatestBackup_PicksNewestMatchingSource(t *testing.T) {
	runner := newStubRunner()
	runner.files["/var/www/site/wp-config.php"] = []byte("<?php define('DB_NAME', 'wp');")
	runner.files["/var/www/site/index.php"] = []byte("<?php")
	svc := newTestService(runner, time.UnixMilli(100))
	_, err := svc.CreateFileBackup(context.Background(), "inc-1", "srv-1", "/var/www/site/wp-config.php", nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.UnixMilli(200) }
	_, err = svc.CreateFileBackup(context.Background(), "inc-1", "srv-1", "/var/www/site/index.php", nil)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.UnixMilli(300) }
	newest, err := svc.CreateFileBackup(context.Background(), "inc-2", "srv-1", "/var/www/site/wp-config.php", nil)
	require.NoError(t, err)

	// ls -t: newest first, plus directory noise.
	runner.listing = strings.Join([]string{
		".",
		"..",
		".wp-autohealer-file-backup-300",
		".wp-autohealer-file-backup-200",
		".wp-autohealer-file-backup-100",
		"plugins",
		"themes",
	}, "\n")

	got, err := svc.LatestBackup(context.Background(), "srv-1", "/var/www/site", "/var/www/site/wp-config.php")
	require.NoError(t, err)
	assert.Equal(t, newest, got)
}

func TestLatestBackup_NoMatchReturnsEmpty(t *testing.T) {
	runner := newStubRunner()
	runner.listing = "plugins\nthemes\nindex.php"
	svc := newTestService(runner, time.Now())

	got, err := svc.LatestBackup(context.Background(), "srv-1", "/var/www/site", "/var/www/site/wp-config.php")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSidecarDir(t *testing.T) {
	cases := map[string]string{
		"/var/www/site/wp-content/plugins/foo/foo.php": "/var/www/site/wp-content",
		"/var/www/site/wp-config.php":                  "/var/www/site/wp-content",
		"/etc/nginx/nginx.conf":                        "/etc/nginx",
	}
	for source, want := range cases {
		assert.Equal(t, want, sidecarDir(source), source)
	}
}
