package agent

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client queries rusersd agents. It implements rusers.HostInfoProvider and
// opens one connection per query.
type Client struct {
	port     int
	target   func(host string, port int) string
	dialOpts []grpc.DialOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPort sets the agent port. Zero keeps DefaultPort.
func WithPort(port int) ClientOption {
	return func(c *Client) {
		if port > 0 {
			c.port = port
		}
	}
}

// WithTarget overrides how a host name becomes a gRPC dial target.
func WithTarget(fn func(host string, port int) string) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.target = fn
		}
	}
}

// WithDialOptions appends dial options, for example transport credentials.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, opts...)
	}
}

// NewClient creates an agent client. Connections are plaintext unless
// credentials are supplied with WithDialOptions.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		port:     DefaultPort,
		target:   Target,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target is the default dial target for an agent on host.
func Target(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Query implements rusers.HostInfoProvider.
func (c *Client) Query(ctx context.Context, host string) ([]session.Record, error) {
	conn, err := grpc.NewClient(c.target(host, c.port), c.dialOpts...)
	if err != nil {
		return nil, rusers.Unavailable(host, err)
	}
	defer conn.Close()

	out := new(structpb.ListValue)
	if err := conn.Invoke(ctx, sessionsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, classify(ctx, host, err)
	}

	records, err := decodeRecords(out, host)
	if err != nil {
		return nil, rusers.ProtocolError(host, err)
	}
	return records, nil
}

func classify(ctx context.Context, host string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return rusers.Unavailable(host, err)
	case codes.Unimplemented, codes.Unknown, codes.Internal, codes.DataLoss:
		return rusers.ProtocolError(host, err)
	default:
		return fmt.Errorf("agent %s: %w", host, err)
	}
}
