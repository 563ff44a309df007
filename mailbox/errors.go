package mailbox

import (
	"sync"

	"github.com/pkg/errors"

	"deqinarbiter/wire"
)

var (
	// ErrConnectionLost 表示请求所在连接在应答到达前断开。
	ErrConnectionLost = errors.New("connection lost")
	// ErrTimeout 表示请求在本地超时，远端请求不会被撤回。
	ErrTimeout = errors.New("request timeout")
	// ErrProtocol 表示对端违反协议，例如重复使用未完成的请求 ID。
	ErrProtocol = errors.New("protocol error")
	// ErrNoReply 由处理器返回，表示该请求不发送 callback。
	ErrNoReply = errors.New("no reply")
)

// Coder 由可以跨邮箱传递分类码的错误实现。
type Coder interface {
	Code() string
}

const (
	codeTimeout        = "timeout"
	codeConnectionLost = "connection_lost"
	codeGeneric        = "error"
)

var (
	codesMu sync.RWMutex
	codes   = map[string]error{
		codeTimeout:        ErrTimeout,
		codeConnectionLost: ErrConnectionLost,
	}
)

// RegisterErrorCode 把分类码绑定到哨兵错误，使远端错误可以被 errors.Is 识别。
func RegisterErrorCode(code string, sentinel error) {
	codesMu.Lock()
	codes[code] = sentinel
	codesMu.Unlock()
}

// RemoteError 是从 callback 中还原的远端错误。
type RemoteError struct {
	// Code 分类码
	Code string
	// Message 远端错误描述
	Message string
}

// Error 实现 error 接口。
func (e *RemoteError) Error() string { return e.Message }

// Is 按分类码匹配已注册的哨兵错误。
func (e *RemoteError) Is(target error) bool {
	codesMu.RLock()
	sentinel, ok := codes[e.Code]
	codesMu.RUnlock()
	return ok && sentinel == target
}

// ToFault 把本地错误转成可传输的 Fault。
func ToFault(err error) *wire.Fault {
	if err == nil {
		return nil
	}
	code := codeGeneric
	var c Coder
	var re *RemoteError
	switch {
	case errors.As(err, &c):
		code = c.Code()
	case errors.As(err, &re):
		code = re.Code
	case errors.Is(err, ErrTimeout):
		code = codeTimeout
	case errors.Is(err, ErrConnectionLost):
		code = codeConnectionLost
	}
	return &wire.Fault{Code: code, Message: err.Error()}
}

// FromFault 把收到的 Fault 还原为 error。
func FromFault(f *wire.Fault) error {
	if f == nil {
		return nil
	}
	return &RemoteError{Code: f.Code, Message: f.Message}
}
