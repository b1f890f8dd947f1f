package source

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestResolveLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.nd2")

	got, cleanup, err := Resolve(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer cleanup()
	if got != path {
		t.Fatalf("resolve path = %q want %q", got, path)
	}

	got, cleanup, err = Resolve(context.Background(), "file://"+path, Options{})
	if err != nil {
		t.Fatalf("resolve file uri: %v", err)
	}
	defer cleanup()
	if got != path {
		t.Fatalf("resolve file uri = %q want %q", got, path)
	}
}

func TestResolveRejects(t *testing.T) {
	tests := []struct {
		uri  string
		want error
	}{
		{"", ErrInvalidURI},
		{"ftp://host/a.nd2", ErrUnsupportedScheme},
		{"s3://bucket/a.nd2", ErrUnsupportedScheme},
		{"file://", ErrInvalidURI},
		{"ssh://scope@host", ErrInvalidURI},
	}
	for _, tt := range tests {
		_, _, err := Resolve(context.Background(), tt.uri, Options{})
		if !errors.Is(err, tt.want) {
			t.Fatalf("Resolve(%q) error = %v want %v", tt.uri, err, tt.want)
		}
	}
}

func TestResolveAllowedSchemes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("nd2"))
	}))
	defer srv.Close()
	opts := Options{TempDir: t.TempDir(), AllowedSchemes: []string{"http", "https", "ssh"}}

	tests := []struct {
		uri  string
		want error
	}{
		{"/data/cell.nd2", ErrSchemeNotAllowed},
		{"relative/cell.nd2", ErrSchemeNotAllowed},
		{"file:///data/cell.nd2", ErrSchemeNotAllowed},
		{"ftp://host/cell.nd2", ErrSchemeNotAllowed},
		{srv.URL + "/cell.nd2", nil},
	}
	for _, tt := range tests {
		path, cleanup, err := Resolve(context.Background(), tt.uri, opts)
		if !errors.Is(err, tt.want) {
			t.Fatalf("Resolve(%q) error = %v want %v", tt.uri, err, tt.want)
		}
		if err == nil {
			if path == "" {
				t.Fatalf("Resolve(%q) returned no path", tt.uri)
			}
			cleanup()
		}
	}
}

func TestResolveHTTP(t *testing.T) {
	payload := []byte("ND2 bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cell.nd2" {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	opts := Options{HTTPClient: srv.Client(), TempDir: t.TempDir()}
	path, cleanup, err := Resolve(context.Background(), srv.URL+"/cell.nd2", opts)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("download = %q", got)
	}
	if !strings.HasSuffix(path, ".nd2") {
		t.Fatalf("temp file lacks suffix: %s", path)
	}
	cleanup()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cleanup left %s behind: %v", path, err)
	}

	if _, _, err := Resolve(context.Background(), srv.URL+"/missing.nd2", opts); !errors.Is(err, ErrDownload) {
		t.Fatalf("expected ErrDownload, got %v", err)
	}
	entries, _ := os.ReadDir(opts.TempDir)
	if len(entries) != 0 {
		t.Fatalf("failed download left files: %v", entries)
	}
}

func TestName(t *testing.T) {
	tests := map[string]string{
		"/data/cell.nd2":                  "cell.nd2",
		"https://lab.example/x/cell2.nd2": "cell2.nd2",
		"ssh://scope@host/~/cell3.nd2":    "cell3.nd2",
	}
	for in, want := range tests {
		if got := Name(in); got != want {
			t.Fatalf("Name(%q) = %q want %q", in, got, want)
		}
	}
}

func TestJoinCommandEscaping(t *testing.T) {
	got := joinCommand("cat", []string{"a b.nd2", "quote'v"})
	want := "'cat' 'a b.nd2' 'quote'\"'\"'v'"
	if got != want {
		t.Fatalf("unexpected joined command\nwant: %s\ngot:  %s", want, got)
	}
}

func TestSSHFetcherValidation(t *testing.T) {
	f := sshFetcher{}
	if _, err := f.address(); err == nil {
		t.Fatalf("expected host validation error")
	}
	f.Host = "scope-pc"
	addr, err := f.address()
	if err != nil || addr != "scope-pc:22" {
		t.Fatalf("expected default ssh port, got %q %v", addr, err)
	}
	if _, err := f.clientConfig(); err == nil {
		t.Fatalf("expected missing user validation error")
	}
	f.User = "scope"
	if _, err := f.clientConfig(); err == nil {
		t.Fatalf("expected missing key validation error")
	}
}

type sshFixture struct {
	addr       string
	keyPath    string
	knownHosts string
}

func startSSHServer(t *testing.T, files map[string][]byte) sshFixture {
	t.Helper()
	dir := t.TempDir()

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write client key: %v", err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == "scope" && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized %s", c.User())
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(conn, cfg, files)
		}
	}()

	addr := ln.Addr().String()
	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, hostSigner.PublicKey()) + "\n"
	if err := os.WriteFile(knownHostsPath, []byte(line), 0o600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	return sshFixture{addr: addr, keyPath: keyPath, knownHosts: knownHostsPath}
}

func serveSSH(conn net.Conn, cfg *ssh.ServerConfig, files map[string][]byte) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)

				status := uint32(0)
				if data, ok := files[payload.Command]; ok {
					ch.Write(data)
				} else {
					fmt.Fprintln(ch.Stderr(), "cat: no such file or directory")
					status = 1
				}
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestResolveSSH(t *testing.T) {
	payload := []byte("remote nd2 payload")
	fx := startSSHServer(t, map[string][]byte{
		joinCommand("cat", []string{"/data/cell.nd2"}): payload,
	})
	opts := Options{
		TempDir: t.TempDir(),
		SSH: SSHOptions{
			KeyPath:        fx.keyPath,
			KnownHostsPath: fx.knownHosts,
			Timeout:        5 * time.Second,
		},
	}

	path, cleanup, err := Resolve(context.Background(), "ssh://scope@"+fx.addr+"/data/cell.nd2", opts)
	if err != nil {
		t.Fatalf("resolve ssh: %v", err)
	}
	defer cleanup()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("fetched %q", got)
	}

	_, _, err = Resolve(context.Background(), "ssh://scope@"+fx.addr+"/data/missing.nd2", opts)
	if !errors.Is(err, ErrDownload) || !strings.Contains(err.Error(), "no such file") {
		t.Fatalf("expected remote cat failure, got %v", err)
	}
}

func TestResolveSSHRejectsUnknownHostKey(t *testing.T) {
	fx := startSSHServer(t, nil)
	other := startSSHServer(t, nil)

	opts := Options{
		TempDir: t.TempDir(),
		SSH: SSHOptions{
			User:           "scope",
			KeyPath:        fx.keyPath,
			KnownHostsPath: other.knownHosts,
			Timeout:        5 * time.Second,
		},
	}
	_, _, err := Resolve(context.Background(), "ssh://"+fx.addr+"/data/cell.nd2", opts)
	if err == nil {
		t.Fatalf("expected host key verification failure")
	}
}

// silentListener accepts connections and never speaks.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestSSHHandshakeHonoursTimeoutAndContext(t *testing.T) {
	fx := startSSHServer(t, nil)
	tests := []struct {
		name    string
		timeout time.Duration
		ctx     func() (context.Context, context.CancelFunc)
		want    error
	}{
		{
			name:    "timeout",
			timeout: 200 * time.Millisecond,
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		},
		{
			name: "context deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 200*time.Millisecond)
			},
			want: context.DeadlineExceeded,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, port, err := net.SplitHostPort(silentListener(t))
			if err != nil {
				t.Fatalf("split address: %v", err)
			}
			f := sshFetcher{
				SSHOptions: SSHOptions{
					User:                        "scope",
					KeyPath:                     fx.keyPath,
					InsecureSkipHostKeyChecking: true,
					Timeout:                     tc.timeout,
				},
				Host: host,
				Port: port,
			}
			ctx, cancel := tc.ctx()
			defer cancel()

			start := time.Now()
			_, err = f.dial(ctx)
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Fatalf("handshake took %s", elapsed)
			}
		})
	}
}
