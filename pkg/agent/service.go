// Package agent serves the local login sessions of a machine over gRPC and
// queries such agents as a rusers.HostInfoProvider.
//
// The wire contract uses only well-known protobuf types:
//
//	service rusers.v1.RemoteUsers {
//	    rpc Sessions(google.protobuf.Empty) returns (google.protobuf.ListValue);
//	}
//
// Each list element is a Struct with the fields user, line, remote,
// login_time (unix seconds) and idle_seconds.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/rusers/pkg/session"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "rusers.v1.RemoteUsers"
	// DefaultPort is where rusersd listens unless configured otherwise.
	DefaultPort = 50051

	sessionsMethod = "/" + ServiceName + "/Sessions"
)

// SessionsServer is the server API of the RemoteUsers service.
type SessionsServer interface {
	Sessions(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error)
}

// RegisterSessionsServer registers srv on s.
func RegisterSessionsServer(s grpc.ServiceRegistrar, srv SessionsServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Sessions",
			Handler:    sessionsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rusers/v1/remote_users.proto",
}

func sessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionsServer).Sessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: sessionsMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionsServer).Sessions(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// encodeRecords converts records to the wire form.
func encodeRecords(records []session.Record) (*structpb.ListValue, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(records))}
	for _, r := range records {
		var login float64
		if !r.LoginTime.IsZero() {
			login = float64(r.LoginTime.Unix())
		}
		s, err := structpb.NewStruct(map[string]any{
			"user":         r.User,
			"line":         r.Line,
			"remote":       r.Remote,
			"login_time":   login,
			"idle_seconds": r.Idle.Seconds(),
		})
		if err != nil {
			return nil, err
		}
		list.Values = append(list.Values, structpb.NewStructValue(s))
	}
	return list, nil
}

// decodeRecords converts the wire form back to records stamped with host.
// Every element must be a struct carrying a non-empty user.
func decodeRecords(list *structpb.ListValue, host string) ([]session.Record, error) {
	records := make([]session.Record, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("element %d: not a struct", i)
		}
		f := s.GetFields()

		user := f["user"].GetStringValue()
		if user == "" {
			return nil, fmt.Errorf("element %d: missing user", i)
		}

		r := session.Record{
			User:   user,
			Line:   f["line"].GetStringValue(),
			Remote: f["remote"].GetStringValue(),
			Host:   host,
			Idle:   time.Duration(f["idle_seconds"].GetNumberValue() * float64(time.Second)),
		}
		if sec := int64(f["login_time"].GetNumberValue()); sec > 0 {
			r.LoginTime = time.Unix(sec, 0)
		}
		records = append(records, r)
	}
	return records, nil
}
