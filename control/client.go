package control

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"deqinarbiter/mailbox"
)

// Client 是控制面客户端。
type Client struct {
	cc *grpc.ClientConn
}

// Dial 创建到 addr 的客户端。连接在第一次调用时建立，opts 追加在默认选项之后。
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "control dial")
	}
	return &Client{cc: cc}, nil
}

// Close 关闭连接。
func (c *Client) Close() error { return c.cc.Close() }

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}

// Info 返回 target 的 info；target 为空表示 arbiter。
func (c *Client) Info(ctx context.Context, target string) (map[string]any, error) {
	var out InfoReply
	if err := c.invoke(ctx, "Info", &InfoRequest{Target: target}, &out); err != nil {
		return nil, err
	}
	return out.Info, nil
}

// Send 向 target 发送命令。命令失败时返回 *mailbox.RemoteError，
// 可以用 errors.Is 与 actor 包的哨兵错误比较。
func (c *Client) Send(ctx context.Context, target, command string, args []any, kwargs map[string]any) (any, error) {
	var out SendReply
	in := &SendRequest{Target: target, Command: command, Args: args, Kwargs: kwargs}
	if err := c.invoke(ctx, "Send", in, &out); err != nil {
		return nil, err
	}
	if out.Code != "" || out.Error != "" {
		return nil, &mailbox.RemoteError{Code: out.Code, Message: out.Error}
	}
	return out.Result, nil
}

// Stop 请求 arbiter 优雅关闭。
func (c *Client) Stop(ctx context.Context, reason string) error {
	var out StopReply
	if err := c.invoke(ctx, "Stop", &StopRequest{Reason: reason}, &out); err != nil {
		return err
	}
	if !out.Accepted {
		return errors.New("stop rejected")
	}
	return nil
}
