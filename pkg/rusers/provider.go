package rusers

import (
	"context"
	"errors"
	"fmt"

	"github.com/liliang-cn/rusers/pkg/session"
)

// HostInfoProvider returns the login sessions of one host.
//
// Implementations report expected per-host failures by returning an error
// built with Unavailable or ProtocolError. Any other error is treated as a
// defect and stops the enumeration that triggered it.
type HostInfoProvider interface {
	Query(ctx context.Context, hostname string) ([]session.Record, error)
}

// ProviderFunc adapts a function to HostInfoProvider.
type ProviderFunc func(ctx context.Context, hostname string) ([]session.Record, error)

// Query calls f.
func (f ProviderFunc) Query(ctx context.Context, hostname string) ([]session.Record, error) {
	return f(ctx, hostname)
}

var (
	// ErrHostUnavailable marks a host that could not be reached.
	ErrHostUnavailable = errors.New("host unavailable")
	// ErrProtocol marks a host that answered but not in the expected protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrMalformedPattern marks a user search pattern that does not compile.
	ErrMalformedPattern = errors.New("malformed pattern")
)

// HostError is an expected per-host failure. Kind is ErrHostUnavailable or
// ErrProtocol.
type HostError struct {
	Host string
	Kind error
	Err  error
}

func (e *HostError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Host, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Host, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *HostError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable wraps err as an unreachable-host failure.
func Unavailable(host string, err error) error {
	return &HostError{Host: host, Kind: ErrHostUnavailable, Err: err}
}

// ProtocolError wraps err as a protocol failure of host.
func ProtocolError(host string, err error) error {
	return &HostError{Host: host, Kind: ErrProtocol, Err: err}
}

// IsHostFailure reports whether err is an expected per-host failure that is
// turned into data rather than propagated.
func IsHostFailure(err error) bool {
	return errors.Is(err, ErrHostUnavailable) || errors.Is(err, ErrProtocol)
}

// ProviderError is an unexpected failure returned by a HostInfoProvider.
type ProviderError struct {
	Host string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("query %s: %v", e.Host, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PatternError reports a search pattern that failed to compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %q", ErrMalformedPattern, e.Pattern)
	}
	return fmt.Sprintf("%v: %q: %v", ErrMalformedPattern, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedPattern}
	}
	return []error{ErrMalformedPattern, e.Err}
}
