package allocator

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// CommandRunner executes a command on a remote host. An empty command opens
// a login shell fed from stdin; the shell exits when stdin is drained.
type CommandRunner interface {
	Run(ctx context.Context, host, command, stdin string) (stdout, stderr string, err error)
}

const sshDialTimeout = 10 * time.Second

// SSHRunner executes remote commands over SSH with public-key auth.
type SSHRunner struct {
	user   string
	signer ssh.Signer
}

var _ CommandRunner = (*SSHRunner)(nil)

// NewSSHRunner loads the private key and prepares a runner for the given user.
func NewSSHRunner(user, keyPath string) (*SSHRunner, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}
	return &SSHRunner{user: user, signer: signer}, nil
}

// Run connects to host:22 and executes the command, returning the captured
// stdout and stderr. The connection is torn down when the context is
// cancelled.
func (r *SSHRunner) Run(ctx context.Context, host, command, stdin string) (string, string, error) {
	config := &ssh.ClientConfig{
		User: r.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		// Cluster entry nodes are provisioned dynamically; their host keys
		// are not pinned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(host, "22")
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", "", fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return "", "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	if command == "" {
		if err := session.Shell(); err != nil {
			return "", "", fmt.Errorf("starting remote shell: %w", err)
		}
		err = session.Wait()
	} else {
		err = session.Run(command)
	}
	return stdout.String(), stderr.String(), err
}
