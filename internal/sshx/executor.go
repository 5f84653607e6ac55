package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/wpautohealer/backend/internal/errs"
	"github.com/wpautohealer/backend/internal/metrics"
	"github.com/wpautohealer/backend/internal/redact"
	"github.com/wpautohealer/backend/internal/vault"
)

const (
	// DefaultCommandTimeout bounds a single remote command.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the SSH handshake.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultTransferTimeout bounds one file transfer.
	DefaultTransferTimeout = 30 * time.Second
)

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exitCode"`
	Duration        time.Duration `json:"executionTime"`
	Timestamp       time.Time     `json:"timestamp"`
	RedactedCommand string        `json:"redactedCommand"`
}

// TransferResult is the outcome of one file transfer.
type TransferResult struct {
	Success  bool          `json:"success"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"executionTime"`
}

// ExecOptions tune a single command execution.
type ExecOptions struct {
	Timeout        time.Duration          // default DefaultCommandTimeout
	Env            map[string]interface{} // sanitised before use
	SanitizeOutput *bool                  // default true: redact stdout/stderr
}

func (o *ExecOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return DefaultCommandTimeout
	}
	return o.Timeout
}

func (o *ExecOptions) sanitize() bool {
	if o == nil || o.SanitizeOutput == nil {
		return true
	}
	return *o.SanitizeOutput
}

// Executor runs validated commands and file transfers over pooled SSH
// connections. It is the only component that dials remote hosts.
type Executor struct {
	pool      *Pool
	directory ServerDirectory
	vault     *vault.Vault
	strict    bool // strict host-key checking; always true in the core
	logger    *log.Logger

	connectTimeout    time.Duration
	keepaliveInterval time.Duration
}

// NewExecutor wires the executor. Strict host-key checking is not a
// parameter: the core always enforces it.
func NewExecutor(pool *Pool, directory ServerDirectory, v *vault.Vault) *Executor {
	return &Executor{
		pool:              pool,
		directory:         directory,
		vault:             v,
		strict:            true,
		logger:            log.New(log.Writer(), "[SSH-EXEC] ", log.LstdFlags),
		connectTimeout:    DefaultConnectTimeout,
		keepaliveInterval: 30 * time.Second,
	}
}

// SetTimeouts overrides the dial timeout and keepalive interval. Zero
// values keep the defaults.
func (e *Executor) SetTimeouts(connect, keepalive time.Duration) {
	if connect > 0 {
		e.connectTimeout = connect
	}
	if keepalive > 0 {
		e.keepaliveInterval = keepalive
	}
}

// FingerprintKey returns the base64 SHA-256 fingerprint of a host key,
// bit-compatible with OpenSSH's SHA256: representation minus the prefix.
func FingerprintKey(key ssh.PublicKey) string {
	return strings.TrimPrefix(ssh.FingerprintSHA256(key), "SHA256:")
}

// hostKeyCallback enforces the strict host-key policy: a stored fingerprint
// must match exactly; a missing fingerprint is a warning and, in strict
// mode, a failure. Verification happens before any command can run.
func (e *Executor) hostKeyCallback(serverID, expected string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual := FingerprintKey(key)
		if expected != "" {
			// OpenSSH drops base64 padding; tolerate either form on record.
			if strings.TrimRight(expected, "=") != strings.TrimRight(actual, "=") {
				return &errs.HostKeyError{Expected: expected, Actual: actual}
			}
			return nil
		}
		e.logger.Printf("⚠️ no host key fingerprint on record for server %s (%s), presented %s", serverID, hostname, actual)
		if e.strict {
			return &errs.HostKeyError{Expected: "(none on record)", Actual: actual}
		}
		return nil
	}
}

// Connect resolves the server record, opens a verified SSH transport, and
// admits the connection to the pool. An existing live connection for the
// server is reused.
func (e *Executor) Connect(ctx context.Context, serverID string) (*PooledConn, error) {
	if existing := e.pool.Get(serverID); existing != nil {
		return existing, nil
	}

	rec, err := e.directory.GetServer(ctx, serverID)
	if err != nil {
		return nil, &errs.ConnectionError{Host: serverID, Cause: err}
	}

	cfg, err := e.buildConfig(rec)
	if err != nil {
		return nil, err
	}

	client, err := e.dial(ctx, serverID, cfg)
	if err != nil {
		return nil, err
	}

	conn := newPooledConn(serverID, cfg, client)
	if err := e.pool.Add(conn); err != nil {
		client.Close()
		return nil, err
	}
	stats := e.pool.Stats()
	metrics.SSHPoolSize.WithLabelValues("active").Set(float64(stats.Active))
	metrics.SSHPoolSize.WithLabelValues("idle").Set(float64(stats.Idle))
	return conn, nil
}

// buildConfig validates the directory record and decrypts its credential.
func (e *Executor) buildConfig(rec ServerRecord) (ConnConfig, error) {
	host, err := ValidateHostname(rec.Hostname)
	if err != nil {
		return ConnConfig{}, err
	}
	port, err := ValidatePort(rec.Port)
	if err != nil {
		return ConnConfig{}, err
	}
	user, err := ValidateUsername(rec.Username)
	if err != nil {
		return ConnConfig{}, err
	}
	credential, err := e.vault.Decrypt(rec.EncryptedCredentials)
	if err != nil {
		return ConnConfig{}, err
	}

	cfg := ConnConfig{
		Hostname:           host,
		Port:               port,
		Username:           user,
		AuthType:           AuthType(rec.AuthType),
		HostKeyFingerprint: rec.HostKeyFingerprint,
		StrictHostKey:      true,
		ConnectTimeout:     e.connectTimeout,
		KeepaliveInterval:  e.keepaliveInterval,
	}
	switch cfg.AuthType {
	case AuthKey:
		cfg.PrivateKey = credential
	case AuthPassword:
		cfg.Password = credential
	default:
		return ConnConfig{}, errs.NewValidation("authType", rec.AuthType, "must be key or password")
	}
	return cfg, nil
}

// dial opens the transport, classifying failures into the error kinds the
// job engine's recovery policy keys on.
func (e *Executor) dial(ctx context.Context, serverID string, cfg ConnConfig) (*ssh.Client, error) {
	var auth []ssh.AuthMethod
	switch cfg.AuthType {
	case AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, &errs.AuthError{Host: cfg.Hostname, Cause: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case AuthPassword:
		auth = append(auth, ssh.Password(cfg.Password))
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: e.hostKeyCallback(serverID, cfg.HostKeyFingerprint),
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Hostname, fmt.Sprintf("%d", cfg.Port))
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, &errs.ConnectionError{Host: cfg.Hostname, Cause: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, classifyDialError(cfg.Hostname, r.err)
		}
		if cfg.KeepaliveInterval > 0 {
			go keepalive(r.client, cfg.KeepaliveInterval)
		}
		return r.client, nil
	}
}

func classifyDialError(host string, err error) error {
	var hk *errs.HostKeyError
	if errors.As(err, &hk) {
		return hk
	}
	msg := err.Error()
	// Older handshake paths stringify the callback error instead of
	// wrapping it.
	if strings.Contains(msg, "host key mismatch") {
		return &errs.HostKeyError{Expected: "(on record)", Actual: "(presented)"}
	}
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return &errs.AuthError{Host: host, Cause: err}
	}
	return &errs.ConnectionError{Host: host, Cause: err}
}

func keepalive(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return
		}
	}
}

// ExecuteCommand runs one validated command on a pooled connection. The
// connection lease serialises commands; output is redacted unless opted
// out; the deadline converts to CommandError("timeout").
func (e *Executor) ExecuteCommand(ctx context.Context, connID, cmd string, opts *ExecOptions) (*CommandResult, error) {
	conn := e.pool.Lookup(connID)
	if conn == nil || !conn.IsConnected() {
		return nil, &errs.ConnectionError{Host: connID, Cause: fmt.Errorf("connection not active")}
	}

	validated, err := ValidateCommand(cmd)
	if err != nil {
		return nil, err
	}
	redacted := redact.Command(validated)

	var env map[string]string
	if opts != nil && len(opts.Env) > 0 {
		env, err = ValidateEnv(opts.Env)
		if err != nil {
			return nil, err
		}
	}

	conn.lease.Lock()
	defer conn.lease.Unlock()
	defer conn.touch()

	start := time.Now()
	session, err := conn.client.NewSession()
	if err != nil {
		conn.mu.Lock()
		conn.connected = false
		conn.mu.Unlock()
		metrics.ObserveSSHCommand(time.Since(start), "error")
		return nil, &errs.ConnectionError{Host: conn.Config.Hostname, Cause: err}
	}
	defer session.Close()

	for k, v := range env {
		if err := session.Setenv(k, v); err != nil {
			e.logger.Printf("setenv %s rejected by server: %v", k, err)
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(validated); err != nil {
		metrics.ObserveSSHCommand(time.Since(start), "error")
		return nil, &errs.CommandError{Command: redacted, Reason: err.Error(), Cause: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	timer := time.NewTimer(opts.timeout())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		metrics.ObserveSSHCommand(time.Since(start), "error")
		return nil, &errs.CommandError{Command: redacted, Reason: "cancelled", Cause: ctx.Err()}
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		session.Close()
		metrics.ObserveSSHCommand(time.Since(start), "timeout")
		return nil, &errs.CommandError{Command: redacted, Reason: "timeout"}
	case waitErr := <-waitCh:
		result := &CommandResult{
			Stdout:          stdout.String(),
			Stderr:          stderr.String(),
			Duration:        time.Since(start),
			Timestamp:       time.Now().UTC(),
			RedactedCommand: redacted,
		}
		if opts.sanitize() {
			result.Stdout = redact.Text(result.Stdout)
			result.Stderr = redact.Text(result.Stderr)
		}
		if waitErr != nil {
			exitErr, ok := waitErr.(*ssh.ExitError)
			if !ok {
				metrics.ObserveSSHCommand(result.Duration, "error")
				return nil, &errs.CommandError{Command: redacted, Reason: waitErr.Error(), Cause: waitErr}
			}
			result.ExitCode = exitErr.ExitStatus()
		}
		metrics.ObserveSSHCommand(result.Duration, "ok")
		return result, nil
	}
}

// ExecuteTemplated renders a safe template and executes the result.
func (e *Executor) ExecuteTemplated(ctx context.Context, connID, template string, params map[string]interface{}) (*CommandResult, error) {
	cmd, err := SafeTemplate(template, params)
	if err != nil {
		return nil, err
	}
	return e.ExecuteCommand(ctx, connID, cmd, nil)
}

// Upload copies a local file to the remote host over SFTP.
func (e *Executor) Upload(ctx context.Context, connID, localPath, remotePath string) (*TransferResult, error) {
	remote, err := ValidatePath(remotePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, &errs.FileTransferError{Local: localPath, Remote: remote, Cause: err}
	}
	start := time.Now()
	if err := e.WriteRemoteFile(ctx, connID, remote, data); err != nil {
		return nil, &errs.FileTransferError{Local: localPath, Remote: remote, Cause: err}
	}
	return &TransferResult{Success: true, Bytes: int64(len(data)), Duration: time.Since(start)}, nil
}

// Download copies a remote file to the local filesystem, creating
// intermediate local directories.
func (e *Executor) Download(ctx context.Context, connID, remotePath, localPath string) (*TransferResult, error) {
	remote, err := ValidatePath(remotePath)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := e.ReadRemoteFile(ctx, connID, remote)
	if err != nil {
		return nil, &errs.FileTransferError{Local: localPath, Remote: remote, Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, &errs.FileTransferError{Local: localPath, Remote: remote, Cause: err}
	}
	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return nil, &errs.FileTransferError{Local: localPath, Remote: remote, Cause: err}
	}
	return &TransferResult{Success: true, Bytes: int64(len(data)), Duration: time.Since(start)}, nil
}

// ReadRemoteFile fetches a remote file's contents over SFTP.
func (e *Executor) ReadRemoteFile(_ context.Context, connID, remotePath string) ([]byte, error) {
	conn, client, err := e.sftpClient(connID)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer conn.lease.Unlock()
	defer conn.touch()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRemoteFile writes content to a remote path over SFTP, creating
// parent directories as needed.
func (e *Executor) WriteRemoteFile(_ context.Context, connID, remotePath string, content []byte) error {
	conn, client, err := e.sftpClient(connID)
	if err != nil {
		return err
	}
	defer client.Close()
	defer conn.lease.Unlock()
	defer conn.touch()

	if dir := filepath.Dir(remotePath); dir != "/" && dir != "." {
		_ = client.MkdirAll(dir)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(content)
	return err
}

// sftpClient takes the connection lease and opens an SFTP subsystem.
// Callers must release the lease when done.
func (e *Executor) sftpClient(connID string) (*PooledConn, *sftp.Client, error) {
	conn := e.pool.Lookup(connID)
	if conn == nil || !conn.IsConnected() {
		return nil, nil, &errs.ConnectionError{Host: connID, Cause: fmt.Errorf("connection not active")}
	}
	conn.lease.Lock()
	client, err := sftp.NewClient(conn.client)
	if err != nil {
		conn.lease.Unlock()
		return nil, nil, &errs.ConnectionError{Host: conn.Config.Hostname, Cause: err}
	}
	return conn, client, nil
}

// TestConnection opens a transient connection, reports reachability, and
// always closes it.
func (e *Executor) TestConnection(ctx context.Context, serverID string, cfg ConnConfig) bool {
	client, err := e.dial(ctx, serverID, cfg)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

// ValidateConnection reports whether a pooled connection is live.
func (e *Executor) ValidateConnection(connID string) bool {
	conn := e.pool.Lookup(connID)
	return conn != nil && conn.IsConnected()
}
