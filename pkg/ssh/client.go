// Package ssh runs commands on remote hosts over SSH.
//
// A Client authenticates with the keys held by ssh-agent plus private key
// files, verifies host keys against known_hosts and runs one command per
// connection. Failures to reach or authenticate to a host are wrapped with
// ErrConnect so callers can tell an unreachable host apart from a command
// that ran and failed.
//
// Example Usage:
//
//	client, err := ssh.NewClient("~/.ssh/id_ed25519")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	out, err := client.Run(ctx, ssh.HostSpec{Address: "ws1", User: "ops"}, "who")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(string(out))
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrConnect wraps every failure to resolve, dial or authenticate to a host.
var ErrConnect = errors.New("ssh connect failed")

const (
	fallbackUser   = "root"
	defaultPort    = 22
	defaultTimeout = 30 * time.Second
)

// defaultKeys are tried, in order, when no key file is configured.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Client holds what is shared by every connection: host key policy, dial
// timeout and the signers loaded from key files. It is safe for concurrent use.
type Client struct {
	hostKey ssh.HostKeyCallback
	timeout time.Duration
	keyPath string
	keys    []ssh.Signer
}

// HostSpec defines the parameters for connecting to a remote host.
type HostSpec struct {
	// Address is the hostname or IP address of the remote host.
	Address string
	// User is the login name; empty means the local user name.
	User string
	// Port is the SSH port; zero means 22.
	Port int
	// KeyPath overrides the client's private key for this host.
	KeyPath string
}

// ClientOption configures a Client during creation.
type ClientOption func(*clientOptions)

type clientOptions struct {
	knownHostsPath string
	strictHostKey  bool
	timeout        time.Duration
	hostKey        ssh.HostKeyCallback
}

// WithKnownHosts sets the path to the known_hosts file.
func WithKnownHosts(path string) ClientOption {
	return func(o *clientOptions) {
		o.knownHostsPath = path
	}
}

// WithStrictHostKey rejects hosts missing from known_hosts instead of
// recording their key.
func WithStrictHostKey(strict bool) ClientOption {
	return func(o *clientOptions) {
		o.strictHostKey = strict
	}
}

// WithDialTimeout bounds the TCP connect and handshake.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithHostKeyCallback replaces known_hosts verification entirely.
func WithHostKeyCallback(cb ssh.HostKeyCallback) ClientOption {
	return func(o *clientOptions) {
		o.hostKey = cb
	}
}

// NewClient creates a client using the private key at keyPath. An empty
// keyPath loads the usual ~/.ssh/id_* files. Unreadable keys are skipped;
// ssh-agent keys are always offered first.
func NewClient(keyPath string, opts ...ClientOption) (*Client, error) {
	o := &clientOptions{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(o)
	}

	hostKey := o.hostKey
	if hostKey == nil {
		v, err := NewKnownHostsVerifier(o.knownHostsPath, !o.strictHostKey)
		switch {
		case err == nil:
			hostKey = v.HostKeyCallback()
		case o.strictHostKey:
			return nil, fmt.Errorf("failed to create host key callback: %w", err)
		default:
			hostKey = ssh.InsecureIgnoreHostKey()
		}
	}

	keyPath = expandPath(keyPath)
	return &Client{
		hostKey: hostKey,
		timeout: o.timeout,
		keyPath: keyPath,
		keys:    loadKeys(keyPath),
	}, nil
}

// loadKeys parses keyPath, or the default key files when it is empty.
func loadKeys(keyPath string) []ssh.Signer {
	paths := []string{keyPath}
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		paths = paths[:0]
		for _, name := range defaultKeys {
			paths = append(paths, filepath.Join(home, ".ssh", name))
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		pem, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if s, err := ssh.ParsePrivateKey(pem); err == nil {
			signers = append(signers, s)
		}
	}
	return signers
}

// agentSigners dials ssh-agent. The returned closer must be called once the
// handshake is over; it is a no-op when no agent is running.
func agentSigners() ([]ssh.Signer, func()) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, func() {}
	}
	conn, err := net.DialTimeout("unix", socket, 500*time.Millisecond)
	if err != nil {
		return nil, func() {}
	}
	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		conn.Close()
		return nil, func() {}
	}
	return signers, func() { conn.Close() }
}

func localUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return fallbackUser
}

// expandPath expands a leading ~ and environment variables.
func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return os.ExpandEnv(p)
}

// Connect dials the host and completes the SSH handshake. The deadline of ctx,
// if any, bounds the handshake as well as the dial.
func (c *Client) Connect(ctx context.Context, spec HostSpec) (*ssh.Client, error) {
	login := spec.User
	if login == "" {
		login = localUser()
	}
	port := spec.Port
	if port == 0 {
		port = defaultPort
	}

	keys := c.keys
	if spec.KeyPath != "" {
		if p := expandPath(spec.KeyPath); p != c.keyPath {
			keys = loadKeys(p)
		}
	}
	signers, closeAgent := agentSigners()
	defer closeAgent()
	signers = append(signers, keys...)

	config := &ssh.ClientConfig{
		User:            login,
		HostKeyCallback: c.hostKey,
		Timeout:         c.timeout,
	}
	if len(signers) > 0 {
		config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signers...)}
	}

	addr := net.JoinHostPort(spec.Address, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrConnect, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sc, chans, reqs), nil
}

// Run executes cmd on the host and returns its standard output.
//
// A command exiting non-zero yields an error wrapping *ssh.ExitError, prefixed
// with whatever the command wrote to stderr. Cancelling ctx interrupts the
// command, closes the connection and returns ctx.Err().
func (c *Client) Run(ctx context.Context, spec HostSpec, cmd string) ([]byte, error) {
	client, err := c.Connect(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
		return stdout.Bytes(), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGINT)
		client.Close()
		<-done
		return nil, ctx.Err()
	}
}
