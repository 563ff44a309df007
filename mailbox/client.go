package mailbox

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"deqinarbiter/wire"
)

// Client 是 Actor 端的邮箱客户端。
// 第一次发送时建立到 arbiter 的唯一连接，此后所有发送复用它；连接断开后不重连。
type Client struct {
	addr    string
	handler Handler
	opts    Options

	// Attempts 首次拨号的最大尝试次数，默认 5
	Attempts int
	// Backoff 拨号重试退避
	Backoff BackoffFunc

	mu   sync.Mutex
	conn *Conn
}

// NewClient 创建指向 addr 的客户端，h 处理 arbiter 转发来的请求。
func NewClient(addr string, h Handler, opts Options) *Client {
	return &Client{
		addr:     addr,
		handler:  h,
		opts:     opts,
		Attempts: 5,
		Backoff:  ExponentialBackoff(20*time.Millisecond, time.Second),
	}
}

// Addr 返回 arbiter 邮箱地址。
func (c *Client) Addr() string { return c.addr }

// Conn 返回连接，必要时拨号。连接一旦建立就不再替换。
func (c *Client) Conn(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	var d net.Dialer
	var err error
	for i := 0; i < max(c.Attempts, 1); i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Backoff(i - 1)):
			}
		}
		var nc net.Conn
		nc, err = d.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			c.conn = NewConn(nc, c.handler, c.opts)
			return c.conn, nil
		}
	}
	return nil, errors.Wrapf(err, "dial arbiter %s", c.addr)
}

// Request 通过唯一连接发送请求，拨号失败时 Future 以该错误完成。
func (c *Client) Request(ctx context.Context, env *wire.Envelope, timeout time.Duration) *Future[Reply] {
	conn, err := c.Conn(ctx)
	if err != nil {
		return Resolved(Reply{Err: err})
	}
	return conn.Request(ctx, env, timeout)
}

// Close 关闭已建立的连接。
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
