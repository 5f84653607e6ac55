package incident

import (
	"context"

	"github.com/wpautohealer/backend/internal/playbook"
	"github.com/wpautohealer/backend/internal/sshx"
)

// SSHRunner adapts the SSH executor to the playbook.Runner capability:
// playbooks address servers by ID, the executor by pooled connection. The
// pool makes Connect cheap for an already-connected server.
type SSHRunner struct {
	exec *sshx.Executor
}

func NewSSHRunner(exec *sshx.Executor) *SSHRunner {
	return &SSHRunner{exec: exec}
}

func (r *SSHRunner) Run(ctx context.Context, serverID, cmd string) (*playbook.CommandOutput, error) {
	conn, err := r.exec.Connect(ctx, serverID)
	if err != nil {
		return nil, err
	}
	res, err := r.exec.ExecuteCommand(ctx, conn.ID, cmd, nil)
	if err != nil {
		return nil, err
	}
	return &playbook.CommandOutput{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		Duration:        res.Duration,
		RedactedCommand: res.RedactedCommand,
	}, nil
}

func (r *SSHRunner) ReadFile(ctx context.Context, serverID, remotePath string) ([]byte, error) {
	conn, err := r.exec.Connect(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return r.exec.ReadRemoteFile(ctx, conn.ID, remotePath)
}

func (r *SSHRunner) WriteFile(ctx context.Context, serverID, remotePath string, content []byte) error {
	conn, err := r.exec.Connect(ctx, serverID)
	if err != nil {
		return err
	}
	return r.exec.WriteRemoteFile(ctx, conn.ID, remotePath, content)
}
