// Package provider holds HostInfoProvider implementations and the decorators
// callers layer around them.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/session"
	"github.com/liliang-cn/rusers/pkg/ssh"
	"github.com/liliang-cn/rusers/pkg/who"
)

// DefaultCommand is run on each host when no command is configured.
const DefaultCommand = "who"

// Runner executes a command on a remote host. *ssh.Client satisfies it.
type Runner interface {
	Run(ctx context.Context, spec ssh.HostSpec, cmd string) ([]byte, error)
}

// SSH queries hosts by running who(1) over SSH.
type SSH struct {
	runner   Runner
	resolve  func(host string) ssh.HostSpec
	command  string
	location *time.Location
}

// SSHOption configures an SSH provider.
type SSHOption func(*SSH)

// WithCommand replaces the remote command. Its output must be who(1) shaped.
func WithCommand(cmd string) SSHOption {
	return func(s *SSH) {
		if cmd != "" {
			s.command = cmd
		}
	}
}

// WithResolver maps a host name to connection parameters.
// The default connects to the name on port 22 as the client's default user.
func WithResolver(fn func(host string) ssh.HostSpec) SSHOption {
	return func(s *SSH) {
		if fn != nil {
			s.resolve = fn
		}
	}
}

// WithLocation sets the time zone login times are read in.
func WithLocation(loc *time.Location) SSHOption {
	return func(s *SSH) {
		s.location = loc
	}
}

// NewSSH creates a provider that runs commands through r.
func NewSSH(r Runner, opts ...SSHOption) *SSH {
	s := &SSH{
		runner:  r,
		command: DefaultCommand,
		resolve: func(host string) ssh.HostSpec {
			return ssh.HostSpec{Address: host}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query implements rusers.HostInfoProvider.
func (s *SSH) Query(ctx context.Context, host string) ([]session.Record, error) {
	out, err := s.runner.Run(ctx, s.resolve(host), s.command)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ssh.ErrConnect):
			return nil, rusers.Unavailable(host, err)
		default:
			return nil, rusers.ProtocolError(host, fmt.Errorf("%s: %w", s.command, err))
		}
	}

	records, err := who.Parse(bytes.NewReader(out), host, s.location)
	if err != nil {
		return nil, rusers.ProtocolError(host, err)
	}
	return records, nil
}
