package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/session"
	"github.com/liliang-cn/rusers/pkg/ssh"
	"github.com/liliang-cn/rusers/pkg/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func sshClient(t *testing.T) *ssh.Client {
	t.Helper()
	c, err := ssh.NewClient(t.TempDir()+"/no_key",
		ssh.WithHostKeyCallback(gossh.InsecureIgnoreHostKey()),
		ssh.WithDialTimeout(2*time.Second))
	require.NoError(t, err)
	return c
}

func TestSSHQuery(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]sshtest.Response{
		"who": {Stdout: "alice pts/0 2024-01-02 10:11 (10.0.0.5)\nalice pts/1 2024-01-02 10:12\nbob tty1 2024-01-02 08:00\n"},
	})

	p := NewSSH(sshClient(t), WithResolver(func(host string) ssh.HostSpec {
		return ssh.HostSpec{Address: srv.Host(), Port: srv.Port(), User: "ops"}
	}), WithLocation(time.UTC))

	records, err := p.Query(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ws1", records[0].Host)
	assert.Equal(t, "10.0.0.5", records[0].Remote)

	counts := session.Count(records)
	require.Len(t, counts, 2)
	assert.Equal(t, 2, counts[0].Count)
	assert.Equal(t, []string{"who"}, srv.History())
}

func TestSSHQueryCustomCommand(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]sshtest.Response{
		"who -u": {Stdout: "carol pts/2 2024-01-02 10:11\n"},
	})

	p := NewSSH(sshClient(t), WithCommand("who -u"), WithResolver(func(string) ssh.HostSpec {
		return ssh.HostSpec{Address: srv.Host(), Port: srv.Port()}
	}))

	records, err := p.Query(context.Background(), "ws1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "carol", records[0].User)
}

func TestSSHQueryFailures(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]sshtest.Response{
		"who":  {Stdout: "alice\n"},
		"fail": {Stderr: "permission denied", ExitCode: 1},
	})
	resolve := WithResolver(func(string) ssh.HostSpec {
		return ssh.HostSpec{Address: srv.Host(), Port: srv.Port()}
	})

	_, err := NewSSH(sshClient(t), resolve).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, rusers.ErrProtocol, "unparsable output")

	_, err = NewSSH(sshClient(t), resolve, WithCommand("fail")).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, rusers.ErrProtocol, "non-zero exit")

	_, err = NewSSH(sshClient(t), WithResolver(func(string) ssh.HostSpec {
		return ssh.HostSpec{Address: "127.0.0.1", Port: 1}
	})).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, rusers.ErrHostUnavailable, "refused connection")
}

type runnerFunc func(ctx context.Context, spec ssh.HostSpec, cmd string) ([]byte, error)

func (f runnerFunc) Run(ctx context.Context, spec ssh.HostSpec, cmd string) ([]byte, error) {
	return f(ctx, spec, cmd)
}

func TestSSHQueryDefaultResolver(t *testing.T) {
	var got ssh.HostSpec
	p := NewSSH(runnerFunc(func(ctx context.Context, spec ssh.HostSpec, cmd string) ([]byte, error) {
		got = spec
		return nil, nil
	}))

	records, err := p.Query(context.Background(), "ws9")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, "ws9", got.Address)
}

func TestWithRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		if calls.Add(1) < 3 {
			return nil, rusers.Unavailable(host, errors.New("timeout"))
		}
		return []session.Record{{User: "alice", Host: host}}, nil
	})

	records, err := WithRetry(flaky, 3, time.Millisecond).Query(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWithRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		calls.Add(1)
		return nil, rusers.Unavailable(host, nil)
	})

	_, err := WithRetry(down, 2, time.Millisecond).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, rusers.ErrHostUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWithRetryDoesNotRetryUnexpected(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	bad := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		calls.Add(1)
		return nil, boom
	})

	_, err := WithRetry(bad, 5, time.Millisecond).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithRetryPassThrough(t *testing.T) {
	p := rusers.ProviderFunc(func(context.Context, string) ([]session.Record, error) { return nil, nil })
	_, wrapped := WithRetry(p, 1, time.Second).(*retrying)
	assert.False(t, wrapped)
	_, wrapped = WithTimeout(p, 0).(*timeout)
	assert.False(t, wrapped)
}

func TestWithTimeout(t *testing.T) {
	slow := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	_, err := WithTimeout(slow, 50*time.Millisecond).Query(context.Background(), "ws1")
	assert.ErrorIs(t, err, rusers.ErrHostUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithTimeoutKeepsCallerCancellation(t *testing.T) {
	slow := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithTimeout(slow, time.Minute).Query(ctx, "ws1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, rusers.IsHostFailure(err))
}

func TestWithTimeoutFast(t *testing.T) {
	fast := rusers.ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		return []session.Record{{User: "bob"}}, nil
	})

	records, err := WithTimeout(fast, time.Second).Query(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
