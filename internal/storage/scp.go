package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Environment variables recognized by the SCP backend.
const (
	EnvStagingHost    = "TERRADEV_STAGING_HOST"
	EnvStagingUser    = "TERRADEV_STAGING_USER"
	EnvStagingKeyFile = "TERRADEV_STAGING_KEY"
)

// SCPBackend copies chunks to an environment-configured staging host over
// SSH. Host keys follow an accept-new policy pinned to a dedicated
// known-hosts file; host-key checking is never disabled.
type SCPBackend struct {
	host       string
	user       string
	keyFile    string
	knownHosts string

	mu sync.Mutex
}

// NewSCPBackend reads the staging host from the environment. knownHosts
// is the dedicated known-hosts file owned by terradev, never the user's
// default.
func NewSCPBackend(knownHosts string) *SCPBackend {
	user := os.Getenv(EnvStagingUser)
	if user == "" {
		user = "terradev"
	}
	return &SCPBackend{
		host:       os.Getenv(EnvStagingHost),
		user:       user,
		keyFile:    os.Getenv(EnvStagingKeyFile),
		knownHosts: knownHosts,
	}
}

func (b *SCPBackend) Name() string { return "scp" }

// Configured reports whether a staging host is set.
func (b *SCPBackend) Configured() bool { return b.host != "" }

func (b *SCPBackend) Put(ctx context.Context, bucket, key, localPath, region string) error {
	if b.host == "" {
		return errors.New("no staging host configured")
	}

	client, err := b.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	remote := path.Join("staging", region, bucket, key)
	if err := b.copyFile(ctx, client, localPath, remote); err != nil {
		return fmt.Errorf("scp %s to %s: %w", key, b.host, err)
	}
	return nil
}

func (b *SCPBackend) dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := b.authMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            b.user,
		Auth:            auth,
		HostKeyCallback: b.acceptNewCallback(),
	}

	addr := b.host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial staging host: %w", err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (b *SCPBackend) authMethods() ([]ssh.AuthMethod, error) {
	if b.keyFile == "" {
		return nil, errors.New("no staging key configured")
	}
	raw, err := os.ReadFile(b.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read staging key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse staging key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// acceptNewCallback verifies hosts against the dedicated known-hosts
// file. Unknown hosts are learned on first contact; a changed key for a
// known host is rejected.
func (b *SCPBackend) acceptNewCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		b.mu.Lock()
		defer b.mu.Unlock()

		if err := os.MkdirAll(path.Dir(b.knownHosts), 0o700); err != nil {
			return err
		}
		if _, err := os.Stat(b.knownHosts); errors.Is(err, os.ErrNotExist) {
			if err := os.WriteFile(b.knownHosts, nil, 0o600); err != nil {
				return err
			}
		}

		check, err := knownhosts.New(b.knownHosts)
		if err != nil {
			return fmt.Errorf("load known-hosts: %w", err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// First contact: pin the key.
			line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
			f, ferr := os.OpenFile(b.knownHosts, os.O_APPEND|os.O_WRONLY, 0o600)
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

// copyFile streams localPath through a remote "scp -t" sink.
func (b *SCPBackend) copyFile(ctx context.Context, client *ssh.Client, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	// Cancel the session when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}

	if err := session.Start(fmt.Sprintf("mkdir -p %q && scp -t %q", path.Dir(remotePath), remotePath)); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(stdin, "C0644 %d %s\n", info.Size(), path.Base(remotePath)); err != nil {
		return err
	}
	if _, err := io.Copy(stdin, f); err != nil {
		return err
	}
	if _, err := fmt.Fprint(stdin, "\x00"); err != nil {
		return err
	}
	stdin.Close()

	return session.Wait()
}
