package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/session"
)

type timeout struct {
	next rusers.HostInfoProvider
	d    time.Duration
}

// WithTimeout bounds every call to p by d. A call that runs out of time is
// reported as an unavailable host. A zero d returns p unchanged.
func WithTimeout(p rusers.HostInfoProvider, d time.Duration) rusers.HostInfoProvider {
	if d <= 0 {
		return p
	}
	return &timeout{next: p, d: d}
}

func (t *timeout) Query(ctx context.Context, host string) ([]session.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	records, err := t.next.Query(callCtx, host)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !rusers.IsHostFailure(err) {
		return nil, rusers.Unavailable(host, fmt.Errorf("no answer within %s", t.d))
	}
	return records, err
}
