package rusers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider answers from a table of canned sessions and errors.
type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string][]string
	errs     map[string]error
	delay    map[string]time.Duration
	calls    map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: make(map[string][]string),
		errs:     make(map[string]error),
		delay:    make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (f *fakeProvider) Query(ctx context.Context, host string) ([]session.Record, error) {
	f.mu.Lock()
	f.calls[host]++
	d := f.delay[host]
	err := f.errs[host]
	users := f.sessions[host]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	records := make([]session.Record, len(users))
	for i, u := range users {
		records[i] = session.Record{User: u, Line: fmt.Sprintf("pts/%d", i), Host: host}
	}
	return records, nil
}

func (f *fakeProvider) callCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[host]
}

func quiet() Option {
	return WithLogger(logger.Discard())
}

func collectAll(t *testing.T, c *Connection) map[string]Outcome {
	t.Helper()
	got := make(map[string]Outcome)
	for out, err := range c.HostsInfo(context.Background()) {
		require.NoError(t, err)
		_, dup := got[out.Host.Name]
		require.False(t, dup, "duplicate outcome for %s", out.Host)
		got[out.Host.Name] = out
	}
	return got
}

func TestHostsInfoCompleteness(t *testing.T) {
	p := newFakeProvider()
	var names []string
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("h%02d", i)
		names = append(names, name)
		p.sessions[name] = []string{"u" + name}
		p.delay[name] = time.Duration(i%7) * time.Millisecond
		if i%5 == 0 {
			p.errs[name] = Unavailable(name, errors.New("timeout"))
		}
	}

	c := New(p, machine.Names(names...), quiet())
	got := collectAll(t, c)

	require.Len(t, got, len(names))
	for _, n := range names {
		assert.Contains(t, got, n)
	}
}

func TestHostsInfoWaitsForStragglers(t *testing.T) {
	p := newFakeProvider()
	p.sessions["fast"] = []string{"alice"}
	p.sessions["slow"] = []string{"bob"}
	p.delay["slow"] = 300 * time.Millisecond

	got := collectAll(t, New(p, machine.Names("fast", "slow"), quiet()))

	require.Len(t, got, 2)
	require.True(t, got["slow"].OK())
	assert.Equal(t, "bob", got["slow"].Users[0].User())
	assert.GreaterOrEqual(t, got["slow"].Duration(), 300*time.Millisecond)
}

func TestHostsInfoFailureIsolation(t *testing.T) {
	p := newFakeProvider()
	p.sessions["up"] = []string{"alice", "bob"}
	p.errs["down"] = Unavailable("down", errors.New("connection refused"))
	p.errs["odd"] = ProtocolError("odd", errors.New("garbage reply"))

	got := collectAll(t, New(p, machine.Names("up", "down", "odd"), quiet()))
	require.Len(t, got, 3)

	assert.True(t, got["up"].OK())
	assert.Len(t, got["up"].Users, 2)

	assert.False(t, got["down"].OK())
	assert.Nil(t, got["down"].Users)
	assert.ErrorIs(t, got["down"].Err, ErrHostUnavailable)

	assert.False(t, got["odd"].OK())
	assert.ErrorIs(t, got["odd"].Err, ErrProtocol)
}

func TestHostsInfoEndToEnd(t *testing.T) {
	p := newFakeProvider()
	p.sessions["h1"] = []string{"alice", "alice", "bob"}
	p.errs["h2"] = Unavailable("h2", nil)

	got := collectAll(t, New(p, machine.Names("h1", "h2"), quiet()))
	require.Len(t, got, 2)

	h1 := got["h1"]
	require.True(t, h1.OK())
	require.Len(t, h1.Users, 2)
	assert.Equal(t, "alice", h1.Users[0].User())
	assert.Equal(t, 2, h1.Users[0].Count)
	assert.Equal(t, "pts/0", h1.Users[0].Record.Line)
	assert.Equal(t, "bob", h1.Users[1].User())
	assert.Equal(t, 1, h1.Users[1].Count)
	assert.Equal(t, 3, h1.Sessions())

	assert.False(t, got["h2"].OK())
	assert.Nil(t, got["h2"].Users)
}

func TestHostsInfoIsLazyAndRestartsPerRange(t *testing.T) {
	p := newFakeProvider()
	c := New(p, machine.Names("a", "b"), quiet())
	seq := c.HostsInfo(context.Background())

	assert.Equal(t, 0, p.callCount("a"))

	for range seq {
	}
	assert.Equal(t, 1, p.callCount("a"))
	assert.Equal(t, 1, p.callCount("b"))

	for range seq {
	}
	assert.Equal(t, 2, p.callCount("a"))
	assert.Equal(t, 2, p.callCount("b"))
}

func TestHostsInfoUnexpectedErrorPropagates(t *testing.T) {
	boom := errors.New("nil dereference in decoder")
	p := newFakeProvider()
	p.errs["bad"] = boom
	p.sessions["good"] = []string{"alice"}
	p.delay["good"] = 200 * time.Millisecond

	var errs []error
	var outcomes int
	for out, err := range New(p, machine.Names("bad", "good"), quiet()).HostsInfo(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			assert.Equal(t, "bad", out.Host.Name)
			continue
		}
		outcomes++
	}

	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
	var perr *ProviderError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, "bad", perr.Host)
	// Enumeration stops at the failure; the slow host is not yielded.
	assert.Equal(t, 0, outcomes)
}

func TestHostsInfoCallerCancellationIsNotProviderError(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tests := map[string]*Connection{
		"many hosts":   New(p, machine.Names("a", "b", "c"), quiet()),
		"parallel cap": New(p, machine.Names("a", "b", "c"), WithParallel(1), quiet()),
		"single host":  NewSingle(p, machine.Name("solo"), quiet()),
	}
	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			var errs []error
			for _, err := range c.HostsInfo(ctx) {
				if err != nil {
					errs = append(errs, err)
				}
			}

			require.Len(t, errs, 1)
			assert.ErrorIs(t, errs[0], context.Canceled)
			var perr *ProviderError
			assert.False(t, errors.As(errs[0], &perr), "cancellation wrapped as %T", errs[0])
		})
	}
}

func TestCollectReturnsDeadlineExceeded(t *testing.T) {
	p := newFakeProvider()
	p.delay["slow"] = time.Minute
	p.sessions["fast"] = []string{"alice"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(p, machine.Names("fast", "slow"), quiet()).Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var perr *ProviderError
	assert.False(t, errors.As(err, &perr))
}

func TestHostsInfoSingleHost(t *testing.T) {
	p := newFakeProvider()
	p.sessions["solo"] = []string{"alice"}

	c := NewSingle(p, machine.Machine{Name: "solo", Group: "lab"}, quiet())
	got := collectAll(t, c)

	require.Len(t, got, 1)
	assert.Equal(t, "solo@lab", got["solo"].Host.String())
	assert.Equal(t, 1, p.callCount("solo"))
}

func TestHostsInfoSingleHostUnexpectedError(t *testing.T) {
	p := newFakeProvider()
	p.errs["solo"] = errors.New("bug")

	var n int
	for _, err := range NewSingle(p, machine.Name("solo"), quiet()).HostsInfo(context.Background()) {
		n++
		assert.Error(t, err)
	}
	assert.Equal(t, 1, n)
}

func TestHostsInfoNoHosts(t *testing.T) {
	c := New(newFakeProvider(), nil, quiet())
	for range c.HostsInfo(context.Background()) {
		t.Fatal("expected an empty sequence")
	}
}

func TestNewCollapsesDuplicates(t *testing.T) {
	c := New(newFakeProvider(), []machine.Target{
		machine.Name("a"),
		machine.Machine{Name: "a", Group: "lab"},
		machine.Name("b"),
	}, quiet())

	hosts := c.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, "a", hosts[0].String())
	assert.Equal(t, "b", hosts[1].String())
}

func TestHostsInfoEarlyBreakCancelsOutstanding(t *testing.T) {
	var finished atomic.Int32
	started := make(chan struct{}, 3)
	p := ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		defer finished.Add(1)
		if host == "fast" {
			return []session.Record{{User: "alice"}}, nil
		}
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := New(p, machine.Names("fast", "slow1", "slow2"), quiet())
	for out, err := range c.HostsInfo(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, "fast", out.Host.Name)
		<-started
		<-started
		break
	}

	assert.Eventually(t, func() bool {
		return finished.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHostsInfoParallelCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	p := ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	})

	names := make([]string, 10)
	for i := range names {
		names[i] = fmt.Sprintf("h%d", i)
	}

	got := collectAll(t, New(p, machine.Names(names...), WithParallel(2), quiet()))
	assert.Len(t, got, 10)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHostsInfoRecoversProviderPanic(t *testing.T) {
	p := ProviderFunc(func(ctx context.Context, host string) ([]session.Record, error) {
		if host == "crash" {
			panic("decoder exploded")
		}
		return nil, nil
	})

	var gotErr error
	for _, err := range New(p, machine.Names("crash", "fine"), quiet()).HostsInfo(context.Background()) {
		if err != nil {
			gotErr = err
		}
	}

	var perr *ProviderError
	require.ErrorAs(t, gotErr, &perr)
	assert.Equal(t, "crash", perr.Host)
	assert.Contains(t, perr.Error(), "decoder exploded")
}

func TestCollectSortsByHost(t *testing.T) {
	p := newFakeProvider()
	p.delay["a"] = 30 * time.Millisecond

	outs, err := New(p, machine.Names("c", "a", "b"), quiet()).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, outs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{outs[0].Host.Name, outs[1].Host.Name, outs[2].Host.Name})
}

func TestHostErrorUnwrap(t *testing.T) {
	cause := errors.New("no route to host")
	err := Unavailable("ws1", cause)

	assert.True(t, IsHostFailure(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ws1: host unavailable: no route to host", err.Error())

	assert.True(t, IsHostFailure(fmt.Errorf("wrapped: %w", ProtocolError("ws2", nil))))
	assert.False(t, IsHostFailure(cause))
}
