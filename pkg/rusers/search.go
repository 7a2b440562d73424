package rusers

import (
	"context"
	"iter"
	"regexp"
	"strings"

	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/session"
)

// Match is one user found on one host.
type Match struct {
	Host machine.Machine
	User session.UserCount
}

// SearchOption configures FindUser.
type SearchOption func(*searchOptions)

type searchOptions struct {
	exactNames bool
}

// WithExactNames chooses between whole-name matching (true, the default) and
// substring matching.
func WithExactNames(exact bool) SearchOption {
	return func(o *searchOptions) {
		o.exactNames = exact
	}
}

// Substring matches users whose name contains any of the patterns.
func Substring() SearchOption {
	return WithExactNames(false)
}

// CompilePatterns builds the username matcher. Each pattern is a regular
// expression; the set is an alternation. With exactNames the whole username
// must match one alternative, otherwise any substring may.
func CompilePatterns(users []string, exactNames bool) (*regexp.Regexp, error) {
	if len(users) == 0 {
		return nil, &PatternError{Pattern: ""}
	}

	parts := make([]string, len(users))
	for i, u := range users {
		// Each pattern must compile on its own so an unbalanced group cannot
		// swallow its neighbours.
		if _, err := regexp.Compile(u); err != nil {
			return nil, &PatternError{Pattern: u, Err: err}
		}
		parts[i] = "(?:" + u + ")"
	}

	expr := "(?:" + strings.Join(parts, "|") + ")"
	if !exactNames {
		expr = ".*" + expr + ".*"
	}
	expr = "^" + expr + "$"

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, &PatternError{Pattern: strings.Join(users, "|"), Err: err}
	}
	return re, nil
}

// FindUser returns a lazy sequence of users matching any of the patterns.
//
// Patterns are compiled before anything is dispatched; a bad pattern is
// returned as a *PatternError and no query runs. Hosts that failed contribute
// no matches. An unexpected provider failure is yielded as the last element.
func (c *Connection) FindUser(ctx context.Context, users []string, opts ...SearchOption) (iter.Seq2[Match, error], error) {
	o := &searchOptions{exactNames: true}
	for _, opt := range opts {
		opt(o)
	}

	re, err := CompilePatterns(users, o.exactNames)
	if err != nil {
		return nil, err
	}

	return func(yield func(Match, error) bool) {
		for out, err := range c.HostsInfo(ctx) {
			if err != nil {
				yield(Match{Host: out.Host}, err)
				return
			}
			if !out.OK() {
				continue
			}
			for _, u := range out.Users {
				if !re.MatchString(u.User()) {
					continue
				}
				if !yield(Match{Host: out.Host, User: u}, nil) {
					return
				}
			}
		}
	}, nil
}

// FindUserName is FindUser for a single user name or pattern.
func (c *Connection) FindUserName(ctx context.Context, user string, opts ...SearchOption) (iter.Seq2[Match, error], error) {
	return c.FindUser(ctx, []string{user}, opts...)
}
