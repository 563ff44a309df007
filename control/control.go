// Package control 是 arbiter 的 gRPC 控制面：查询状态、向任意已注册 Actor 发送命令、请求关闭。
// 服务描述手写，消息使用 gob 编码，不需要 protoc。
package control

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"deqinarbiter/actor"
	"deqinarbiter/log"
	"deqinarbiter/mailbox"
)

const serviceName = "deqinarbiter.Control"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// Target 是控制面操作的对象，通常是 *actor.Arbiter。
type Target interface {
	Info() map[string]any
	Send(target any, command string, args ...any) *mailbox.Future[mailbox.Reply]
	Stop()
}

// InfoRequest 查询状态。Target 为空时返回 arbiter 的信息。
type InfoRequest struct {
	Target string
}

// InfoReply 是 info 命令的结果。
type InfoReply struct {
	Info map[string]any
}

// SendRequest 向 Target 发送命令。
type SendRequest struct {
	Target  string
	Command string
	Args    []any
	Kwargs  map[string]any
}

// SendReply 是命令结果；失败时 Code 与 Error 非空。
type SendReply struct {
	Result any
	Code   string
	Error  string
}

// StopRequest 请求 arbiter 优雅关闭。
type StopRequest struct {
	Reason string
}

// StopReply 确认关闭请求已接受。
type StopReply struct {
	Accepted bool
}

// controlServer 是服务描述的 HandlerType。
type controlServer interface {
	Info(context.Context, *InfoRequest) (*InfoReply, error)
	Send(context.Context, *SendRequest) (*SendReply, error)
	Stop(context.Context, *StopRequest) (*StopReply, error)
}

// Server 在 gRPC 上暴露 Target。
type Server struct {
	target Target
	srv    *grpc.Server
	ln     net.Listener
	log    *zap.SugaredLogger
}

// Listen 在 addr 上创建控制面服务器，addr 为空时使用 127.0.0.1:0。
func Listen(addr string, t Target) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "control listen")
	}
	s := &Server{target: t, ln: ln, log: log.Named("control")}
	s.srv = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	s.register()
	return s, nil
}

// Addr 返回监听地址。
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve 处理请求直到 ctx 结束，然后优雅停止。
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.srv.GracefulStop)
	defer stop()
	s.log.Infow("control plane listening", "addr", s.Addr())
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "control serve")
	}
	return nil
}

// Close 立即停止服务器。
func (s *Server) Close() { s.srv.Stop() }

func (s *Server) register() {
	unary := func(name string, newIn func() any, call func(context.Context, any) (any, error)) grpc.MethodDesc {
		return grpc.MethodDesc{
			MethodName: name,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := newIn()
				if err := dec(in); err != nil {
					return nil, err
				}
				return call(ctx, in)
			},
		}
	}
	s.srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*controlServer)(nil),
		Methods: []grpc.MethodDesc{
			unary("Info", func() any { return new(InfoRequest) }, func(ctx context.Context, in any) (any, error) {
				return s.Info(ctx, in.(*InfoRequest))
			}),
			unary("Send", func() any { return new(SendRequest) }, func(ctx context.Context, in any) (any, error) {
				return s.Send(ctx, in.(*SendRequest))
			}),
			unary("Stop", func() any { return new(StopRequest) }, func(ctx context.Context, in any) (any, error) {
				return s.Stop(ctx, in.(*StopRequest))
			}),
		},
		Metadata: "gob",
	}, s)
}

// Info 实现 controlServer。
func (s *Server) Info(ctx context.Context, in *InfoRequest) (*InfoReply, error) {
	if in.Target == "" || in.Target == actor.ArbiterID {
		return &InfoReply{Info: s.target.Info()}, nil
	}
	v, err := mailbox.Get(ctx, s.target.Send(in.Target, "info"))
	if err != nil {
		return nil, err
	}
	info, _ := v.(map[string]any)
	return &InfoReply{Info: info}, nil
}

// Send 实现 controlServer。命令失败不作为 gRPC 错误返回，而是放进应答。
func (s *Server) Send(ctx context.Context, in *SendRequest) (*SendReply, error) {
	args := in.Args
	if len(in.Kwargs) > 0 {
		args = append(args, actor.Kwargs(in.Kwargs))
	}
	v, err := mailbox.Get(ctx, s.target.Send(in.Target, in.Command, args...))
	if err != nil {
		f := mailbox.ToFault(err)
		s.log.Debugw("control send failed", "target", in.Target, "command", in.Command, "err", err)
		return &SendReply{Code: f.Code, Error: f.Message}, nil
	}
	return &SendReply{Result: v}, nil
}

// Stop 实现 controlServer。
func (s *Server) Stop(_ context.Context, in *StopRequest) (*StopReply, error) {
	s.log.Infow("stop requested over control plane", "reason", in.Reason)
	s.target.Stop()
	return &StopReply{Accepted: true}, nil
}

// DefaultTimeout 是客户端调用的默认期限。
const DefaultTimeout = 10 * time.Second
