package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHOptions configure ssh:// inputs. The URI user and port override User
// and the default port 22.
type SSHOptions struct {
	User                        string
	KeyPath                     string
	Passphrase                  []byte
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
	Timeout                     time.Duration
}

type sshFetcher struct {
	SSHOptions
	Host string
	Port string
}

func fetchSSH(ctx context.Context, u *url.URL, opts Options) (string, func(), error) {
	remote := u.Path
	if remote == "" || remote == "/" {
		return "", nil, fmt.Errorf("%w: no remote path in %q", ErrInvalidURI, u.Redacted())
	}
	// ssh://host/~/file.nd2 is relative to the remote home directory
	remote = strings.TrimPrefix(remote, "/~/")
	f := sshFetcher{SSHOptions: opts.SSH, Host: u.Hostname(), Port: u.Port()}
	if name := u.User.Username(); name != "" {
		f.User = name
	}

	path, cleanup, err := toTempFile(opts.TempDir, func(w io.Writer) error {
		return f.Fetch(ctx, remote, w)
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: ssh://%s%s: %v", ErrDownload, f.Host, remote, err)
	}
	log.Debug().Str("host", f.Host).Str("remote", remote).Str("path", path).Msg("source: fetched input over ssh")
	return path, cleanup, nil
}

// Fetch streams the remote file to w.
func (f sshFetcher) Fetch(ctx context.Context, remotePath string, w io.Writer) error {
	client, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	var stderr strings.Builder
	session.Stdout = w
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(joinCommand("cat", []string{remotePath})) }()
	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}
}

func (f sshFetcher) dial(ctx context.Context) (*ssh.Client, error) {
	address, err := f.address()
	if err != nil {
		return nil, err
	}

	config, err := f.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: f.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	// The handshake only observes deadlines on conn, so both the timeout
	// and ctx are turned into one.
	if f.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(f.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	cancelled := !stop()
	if err != nil {
		conn.Close()
		if cancelled {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}
	if cancelled {
		clientConn.Close()
		return nil, ctx.Err()
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (f sshFetcher) address() (string, error) {
	host := strings.TrimSpace(f.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}

	if f.Port != "" {
		return net.JoinHostPort(host, f.Port), nil
	}

	return net.JoinHostPort(host, "22"), nil
}

func (f sshFetcher) clientConfig() (*ssh.ClientConfig, error) {
	if f.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	signer, err := f.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if f.InsecureSkipHostKeyChecking {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		callback, err := f.knownHostsCallback()
		if err != nil {
			return nil, err
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            f.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         f.Timeout,
	}, nil
}

func (f sshFetcher) signer() (ssh.Signer, error) {
	if f.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}

	privateKey, err := os.ReadFile(expandHome(f.KeyPath))
	if err != nil {
		return nil, err
	}

	if len(f.Passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase(privateKey, f.Passphrase)
	}

	return ssh.ParsePrivateKey(privateKey)
}

func (f sshFetcher) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(f.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	return knownhosts.New(expandHome(path))
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return shellEscape(cmd)
	}

	var builder strings.Builder
	builder.WriteString(shellEscape(cmd))
	for _, arg := range args {
		builder.WriteByte(' ')
		builder.WriteString(shellEscape(arg))
	}

	return builder.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
