package mailbox

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Server 是 arbiter 端的邮箱服务器，每个 Actor 一条入站连接。
type Server struct {
	ln      net.Listener
	handler Handler
	opts    Options

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// Listen 在 addr 上监听；addr 为空时使用 127.0.0.1:0。
func Listen(addr string, h Handler, opts Options) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "mailbox listen %s", addr)
	}
	return &Server{ln: ln, handler: h, opts: opts.withDefaults(), conns: make(map[*Conn]struct{})}, nil
}

// Addr 返回实际监听地址，供新 Actor 回连。
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Len 返回当前打开的连接数。
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve 接受连接直到 ctx 结束或 Close 被调用，此时返回 nil。
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, "mailbox accept")
		}
		s.track(nc)
	}
}

func (s *Server) track(nc net.Conn) {
	opts := s.opts
	opts.Name = nc.RemoteAddr().String()
	opts.Logger = s.opts.Logger
	c := NewConn(nc, s.handler, opts)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Abort(nil)
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	c.OnClose(func(error) {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	})
}

// Close 关闭监听器和所有连接，可重复调用。
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	err := s.ln.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
