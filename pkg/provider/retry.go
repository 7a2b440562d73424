package provider

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/session"
)

const maxRetryDelay = 10 * time.Second

type retrying struct {
	next     rusers.HostInfoProvider
	attempts uint
	delay    time.Duration
}

// WithRetry retries host failures up to attempts times in total, backing off
// from delay. Other errors and context cancellation are returned at once.
// An attempts value below two returns p unchanged.
func WithRetry(p rusers.HostInfoProvider, attempts uint, delay time.Duration) rusers.HostInfoProvider {
	if attempts < 2 {
		return p
	}
	return &retrying{next: p, attempts: attempts, delay: delay}
}

func (r *retrying) Query(ctx context.Context, host string) ([]session.Record, error) {
	return retry.DoWithData(func() ([]session.Record, error) {
		return r.next.Query(ctx, host)
	},
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.MaxDelay(maxRetryDelay),
		retry.Context(ctx),
		retry.RetryIf(rusers.IsHostFailure),
		retry.LastErrorOnly(true),
	)
}
