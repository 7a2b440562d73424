package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestKnownHostsVerifier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	key := newKey(t)

	// 1. Auto-add creates the file and records the key
	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Auto-add failed: %v", err)
	}

	// 2. Known key passes
	if err := v.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Verification failed for existing key: %v", err)
	}

	// 3. Changed key is rejected even in auto-add mode
	err = v.Verify("127.0.0.1:22", addr, newKey(t))
	if !errors.Is(err, ErrHostKeyChanged) {
		t.Errorf("Expected ErrHostKeyChanged, got %v", err)
	}

	// 4. A fresh verifier sees the recorded key
	v2, err := NewKnownHostsVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := v2.Verify("127.0.0.1:22", addr, key); err != nil {
		t.Errorf("Recorded key not found after reload: %v", err)
	}

	// 5. Unknown host rejected when auto-add is disabled
	other := &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 22}
	err = v2.Verify("192.168.1.100:22", other, key)
	if !errors.Is(err, ErrHostKeyUnknown) {
		t.Errorf("Expected ErrHostKeyUnknown, got %v", err)
	}
}

func TestKnownHostsNonStandardPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := NewKnownHostsVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 2222}
	if err := v.Verify("ws7:2222", addr, newKey(t)); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[ws7]:2222,[10.0.0.7]:2222 ") {
		t.Errorf("unexpected known_hosts line %q", line)
	}
}
