// Package sshexec runs commands on provisioned instances over SSH, the
// fallback path for providers without a native run-command facility.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/terradev/terradev/providers/common"
)

// Target is one reachable instance endpoint.
type Target struct {
	Host string
	Port string
	User string
	// KeyPath points at a PEM private key. Empty falls back to
	// TERRADEV_SSH_KEY.
	KeyPath string
}

const defaultUser = "ubuntu"

// Run executes command on the target and folds the outcome into the
// adapter ExecResult shape. Connection and auth failures never return a
// Go error; they surface as ExitCode 1 with the message in Stderr.
func Run(ctx context.Context, target Target, command string) *common.ExecResult {
	if target.Host == "" {
		return common.ExecFailure(common.ErrExecUnsupported)
	}
	if target.User == "" {
		target.User = defaultUser
	}
	if target.Port == "" {
		target.Port = "22"
	}
	keyPath := target.KeyPath
	if keyPath == "" {
		keyPath = os.Getenv("TERRADEV_SSH_KEY")
	}
	if keyPath == "" {
		return common.ExecFailure(fmt.Errorf("no SSH key configured: %w", common.ErrExecUnsupported))
	}

	signer, err := loadSigner(keyPath)
	if err != nil {
		return common.ExecFailure(err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: acceptNewCallback(knownHostsPath()),
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(target.Host, target.Port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return common.ExecFailure(fmt.Errorf("dial %s: %w", addr, err))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return common.ExecFailure(fmt.Errorf("ssh handshake %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return common.ExecFailure(fmt.Errorf("ssh session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return common.ExecFailure(ctx.Err())
	case err = <-done:
	}

	result := &common.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = 1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}
	return result
}

func loadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SSH key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse SSH key %s: %w", path, err)
	}
	return signer, nil
}

// knownHostsPath is the dedicated pin file for instance host keys,
// separate from the user's own known_hosts.
func knownHostsPath() string {
	if p := os.Getenv("TERRADEV_SSH_KNOWN_HOSTS"); p != "" {
		return p
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "terradev", "exec_known_hosts")
}

var pinMu sync.Mutex

// acceptNewCallback pins host keys on first contact and rejects a
// changed key for a known host. Host-key checking is never disabled.
func acceptNewCallback(file string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		pinMu.Lock()
		defer pinMu.Unlock()

		if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
			return err
		}
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(file, nil, 0o600); err != nil {
				return err
			}
		}

		check, err := knownhosts.New(file)
		if err != nil {
			return fmt.Errorf("load known-hosts: %w", err)
		}
		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			f, ferr := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o600)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			if _, ferr := fmt.Fprintln(f, line); ferr != nil {
				return ferr
			}
			return nil
		}
		return err
	}
}
