// Package rusers queries a set of hosts for logged-in users concurrently and
// aggregates the sessions per user.
//
// A Connection owns a list of machines and a HostInfoProvider. Enumerating
// Connection.HostsInfo dispatches one provider call per machine and yields an
// Outcome per machine as the calls complete. Unreachable hosts show up as
// outcomes carrying an error instead of aborting the enumeration.
//
// Example Usage:
//
//	conn := rusers.New(provider, machine.Names("ws1", "ws2", "ws3"))
//
//	for out, err := range conn.HostsInfo(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    if !out.OK() {
//	        fmt.Printf("%s: down\n", out.Host)
//	        continue
//	    }
//	    for _, u := range out.Users {
//	        fmt.Printf("%s: %s x%d\n", out.Host, u.User(), u.Count)
//	    }
//	}
package rusers

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/session"
	"golang.org/x/sync/semaphore"
)

// Outcome is the result of querying one host.
type Outcome struct {
	// Host is the machine that was queried.
	Host machine.Machine
	// Users holds one entry per distinct user in first-seen order. It is nil
	// when the query failed.
	Users []session.UserCount
	// Err is the host failure (unavailable or protocol) when the query failed.
	Err error
	// StartTime is when the provider call began.
	StartTime time.Time
	// EndTime is when the provider call returned.
	EndTime time.Time
}

// OK reports whether the host answered.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Duration is how long the provider call took.
func (o Outcome) Duration() time.Duration {
	return o.EndTime.Sub(o.StartTime)
}

// Sessions returns the total number of sessions on the host.
func (o Outcome) Sessions() int {
	return session.Total(o.Users)
}

// Connection fans queries out over a fixed set of machines.
type Connection struct {
	hosts    []machine.Machine
	provider HostInfoProvider
	logger   *logger.Logger
	parallel int64
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger used for dispatch and failure messages.
func WithLogger(l *logger.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithParallel caps the number of provider calls in flight. Zero or less
// means one concurrent call per host.
func WithParallel(n int) Option {
	return func(c *Connection) {
		c.parallel = int64(n)
	}
}

// New creates a Connection over hosts. Targets equal by name are collapsed,
// keeping the first.
func New(p HostInfoProvider, hosts []machine.Target, opts ...Option) *Connection {
	c := &Connection{
		provider: p,
		logger:   logger.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	seen := make(map[string]bool)
	for _, m := range machine.Normalize(hosts...) {
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		c.hosts = append(c.hosts, m)
	}

	return c
}

// NewSingle creates a Connection over a single host.
func NewSingle(p HostInfoProvider, host machine.Target, opts ...Option) *Connection {
	return New(p, []machine.Target{host}, opts...)
}

// Hosts returns a copy of the machines this connection queries.
func (c *Connection) Hosts() []machine.Machine {
	return append([]machine.Machine(nil), c.hosts...)
}

type result struct {
	outcome Outcome
	err     error
}

// HostsInfo returns a lazy sequence of per-host outcomes.
//
// Nothing is dispatched until the sequence is ranged over, and every range
// starts a new round of queries. Outcomes arrive in completion order. The
// sequence ends once every dispatched query has returned. A non-nil error is
// either ctx.Err(), once ctx is done, or a *ProviderError for an unexpected
// provider failure; it is the last element yielded.
//
// Stopping early cancels the context passed to the outstanding queries. They
// finish on their own without blocking.
func (c *Connection) HostsInfo(ctx context.Context) iter.Seq2[Outcome, error] {
	return func(yield func(Outcome, error) bool) {
		switch len(c.hosts) {
		case 0:
			return
		case 1:
			out, err := c.query(ctx, c.hosts[0])
			yield(out, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var sem *semaphore.Weighted
		if c.parallel > 0 {
			sem = semaphore.NewWeighted(c.parallel)
		}

		c.logger.Debug("querying %d hosts", len(c.hosts))

		results := make(chan result, len(c.hosts))
		var wg sync.WaitGroup
		for _, h := range c.hosts {
			wg.Add(1)
			go func(h machine.Machine) {
				defer wg.Done()

				if sem != nil {
					if err := sem.Acquire(ctx, 1); err != nil {
						results <- result{outcome: Outcome{Host: h}, err: err}
						return
					}
					defer sem.Release(1)
				}

				out, err := c.query(ctx, h)
				results <- result{outcome: out, err: err}
			}(h)
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		for r := range results {
			if !yield(r.outcome, r.err) || r.err != nil {
				return
			}
		}
	}
}

// query runs the provider for one host and aggregates its sessions.
func (c *Connection) query(ctx context.Context, h machine.Machine) (out Outcome, err error) {
	out = Outcome{Host: h, StartTime: time.Now()}
	log := c.logger.WithField("host", h.Name)
	log.Debug("dispatching query")

	records, err := c.call(ctx, h.Name)
	out.EndTime = time.Now()

	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if IsHostFailure(err) {
			log.Debug("host failed: %v", err)
			out.Err = err
			return out, nil
		}
		log.Error("unexpected provider failure: %v", err)
		return out, &ProviderError{Host: h.Name, Err: err}
	}

	out.Users = session.Count(records)
	log.Debug("%d sessions, %d users", len(records), len(out.Users))
	return out, nil
}

// call invokes the provider, turning a panic into an error.
func (c *Connection) call(ctx context.Context, host string) (records []session.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider panic: %v", r)
		}
	}()
	return c.provider.Query(ctx, host)
}

// Collect drains HostsInfo and returns the outcomes sorted by host. It stops
// at the first unexpected provider failure.
func (c *Connection) Collect(ctx context.Context) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(c.hosts))
	for out, err := range c.HostsInfo(ctx) {
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		return outcomes[i].Host.Less(outcomes[j].Host)
	})
	return outcomes, nil
}
