package transport

import (
	"context"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"google.golang.org/grpc"
)

// serviceName is the gRPC service path every RPC in this package is
// registered under: /copycat.Raft/<Method>.
const serviceName = "copycat.Raft"

// serviceDesc binds api.Handler's RPCs to gRPC by hand, since no
// protoc-generated stub exists for the wire types in internal/codec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*api.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "Poll", Handler: pollHandler},
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Leave", Handler: leaveHandler},
		{MethodName: "Promote", Handler: promoteHandler},
		{MethodName: "Demote", Handler: demoteHandler},
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "KeepAlive", Handler: keepAliveHandler},
		{MethodName: "Command", Handler: commandHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Metadata: "copycat/transport",
}

func voteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Vote"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleVote(ctx, req.(*codec.VoteRequest))
	})
}

func pollHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.PollRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandlePoll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Poll"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandlePoll(ctx, req.(*codec.PollRequest))
	})
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.AppendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleAppend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Append"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleAppend(ctx, req.(*codec.AppendRequest))
	})
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.JoinRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleJoin(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Join"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleJoin(ctx, req.(*codec.JoinRequest))
	})
}

func leaveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.LeaveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleLeave(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Leave"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleLeave(ctx, req.(*codec.LeaveRequest))
	})
}

func promoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.PromoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandlePromote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Promote"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandlePromote(ctx, req.(*codec.PromoteRequest))
	})
}

func demoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.DemoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleDemote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Demote"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleDemote(ctx, req.(*codec.DemoteRequest))
	})
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleRegister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleRegister(ctx, req.(*codec.RegisterRequest))
	})
}

func keepAliveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.KeepAliveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleKeepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/KeepAlive"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleKeepAlive(ctx, req.(*codec.KeepAliveRequest))
	})
}

func commandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Command"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleCommand(ctx, req.(*codec.CommandRequest))
	})
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleQuery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Query"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleQuery(ctx, req.(*codec.QueryRequest))
	})
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(codec.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(api.Handler)
	if interceptor == nil {
		return h.HandleInstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return h.HandleInstallSnapshot(ctx, req.(*codec.InstallSnapshotRequest))
	})
}
