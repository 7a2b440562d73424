// Package sshtest provides an in-process SSH server for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Response is the canned reply to a command.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Block holds the command open until the client closes the session,
	// recording any signals it sends meanwhile.
	Block bool
}

// Server accepts any client and answers exec requests from a table.
// A command is answered by the first entry whose key it contains.
type Server struct {
	Responses map[string]Response

	listener net.Listener
	mu       sync.Mutex
	history  []string
	signals  []string
}

// NewServer starts a server on a loopback port. It is closed with the test.
func NewServer(t testing.TB, responses map[string]Response) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	s := &Server{Responses: responses, listener: l}
	go s.serve(config)
	t.Cleanup(func() { l.Close() })
	return s
}

// Host returns the loopback address the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// History returns the commands executed so far.
func (s *Server) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// Signals returns the signal names received by blocked commands, such as "INT".
func (s *Server) Signals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *Server) serve(config *ssh.ServerConfig) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn, config)
	}
}

func (s *Server) handle(c net.Conn, config *ssh.ServerConfig) {
	defer c.Close()

	_, chans, reqs, err := ssh.NewServerConn(c, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *Server) session(channel ssh.Channel, in <-chan *ssh.Request) {
	for req := range in {
		if req.Type != "exec" {
			req.Reply(true, nil)
			continue
		}

		cmd := string(req.Payload[4:])
		s.mu.Lock()
		s.history = append(s.history, cmd)
		s.mu.Unlock()
		req.Reply(true, nil)

		var resp Response
		found := false
		for k, v := range s.Responses {
			if strings.Contains(cmd, k) {
				resp, found = v, true
				break
			}
		}
		if !found {
			resp = Response{Stderr: "command not found", ExitCode: 127}
		}

		if resp.Block {
			// Stdin reaches EOF as soon as the client has nothing to send, so
			// only the end of the request stream means the client is gone.
			for r := range in {
				if r.Type == "signal" {
					var sig struct{ Signal string }
					if ssh.Unmarshal(r.Payload, &sig) == nil {
						s.mu.Lock()
						s.signals = append(s.signals, sig.Signal)
						s.mu.Unlock()
					}
				}
				if r.WantReply {
					r.Reply(false, nil)
				}
			}
			channel.Close()
			return
		}

		channel.Write([]byte(resp.Stdout))
		channel.Stderr().Write([]byte(resp.Stderr))
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ ExitStatus uint32 }{uint32(resp.ExitCode)}))
		channel.Close()
		return
	}
}
