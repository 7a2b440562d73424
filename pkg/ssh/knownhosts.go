package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var (
	// ErrHostKeyUnknown is returned when the host key is not in known_hosts.
	ErrHostKeyUnknown = errors.New("host key unknown")
	// ErrHostKeyChanged is returned when the host key differs from known_hosts.
	ErrHostKeyChanged = errors.New("host key changed")
)

// KnownHostsVerifier checks host keys against an OpenSSH known_hosts file,
// optionally recording keys of hosts seen for the first time.
type KnownHostsVerifier struct {
	path     string
	autoAdd  bool
	mu       sync.Mutex
	callback ssh.HostKeyCallback
}

// NewKnownHostsVerifier creates a verifier from known_hosts file.
//
// If autoAdd is true, unknown host keys will be automatically added to known_hosts.
// If autoAdd is false, connections to unknown hosts will be rejected.
// A missing file is created empty.
func NewKnownHostsVerifier(path string, autoAdd bool) (*KnownHostsVerifier, error) {
	v := &KnownHostsVerifier{
		path:    expandKnownHostsPath(path),
		autoAdd: autoAdd,
	}

	if err := v.reload(); err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}

	return v, nil
}

// reload re-reads the file. The caller must hold mu or own v exclusively.
func (v *KnownHostsVerifier) reload() error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	f.Close()

	cb, err := knownhosts.New(v.path)
	if err != nil {
		return err
	}
	v.callback = cb
	return nil
}

// Verify checks the key presented for hostname, a "host:port" address.
func (v *KnownHostsVerifier) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.callback(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %s", ErrHostKeyChanged, hostname)
	}
	if !v.autoAdd {
		return fmt.Errorf("%w: %s", ErrHostKeyUnknown, hostname)
	}
	return v.add(hostname, remote, key)
}

// add appends a line for the host and reloads. The caller holds mu.
func (v *KnownHostsVerifier) add(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addresses := []string{hostname}
	if remote != nil && remote.String() != hostname {
		addresses = append(addresses, remote.String())
	}

	f, err := os.OpenFile(v.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts: %w", err)
	}
	_, err = f.WriteString(knownhosts.Line(addresses, key) + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write to known_hosts: %w", err)
	}

	return v.reload()
}

// HostKeyCallback returns an ssh.HostKeyCallback for use with ssh.ClientConfig.
func (v *KnownHostsVerifier) HostKeyCallback() ssh.HostKeyCallback {
	return v.Verify
}

// expandKnownHostsPath expands ~ in path.
func expandKnownHostsPath(path string) string {
	if path == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".ssh", "known_hosts")
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
