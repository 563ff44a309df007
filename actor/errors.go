package actor

import (
	"github.com/pkg/errors"

	"deqinarbiter/mailbox"
)

// codedError 是带分类码的哨兵错误，分类码随 callback 传给调用者。
type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

var (
	// ErrUnknownActor 表示目标身份没有注册。
	ErrUnknownActor = &codedError{code: "unknown_actor", msg: "unknown actor"}
	// ErrNotYetConnected 表示目标仍在 SPAWNING，邮箱握手尚未完成。
	ErrNotYetConnected = &codedError{code: "not_connected", msg: "actor not yet connected"}
	// ErrCommand 是 CommandError 的哨兵。
	ErrCommand = &codedError{code: "command", msg: "command error"}
	// ErrSpawn 是 SpawnError 的哨兵。
	ErrSpawn = &codedError{code: "spawn", msg: "spawn error"}
	// ErrHaltServer 表示 supervision 逻辑自身遇到不可恢复的错误，触发完整关闭。
	ErrHaltServer = errors.New("halt server")
	// ErrStopped 表示 arbiter 已经停止或正在停止。
	ErrStopped = errors.New("arbiter stopped")
)

func init() {
	for _, e := range []*codedError{ErrUnknownActor, ErrNotYetConnected, ErrCommand, ErrSpawn} {
		mailbox.RegisterErrorCode(e.code, e)
	}
}

// CommandError 表示命令执行失败，包括未知命令。它总是作为 callback 结果返回，不会关闭连接。
type CommandError struct {
	// Command 命令名
	Command string
	// Err 失败原因
	Err error
}

// Error 实现 error 接口。
func (e *CommandError) Error() string { return e.Command + ": " + e.Err.Error() }

// Unwrap 返回失败原因。
func (e *CommandError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrCommand) 成立。
func (e *CommandError) Is(target error) bool { return target == ErrCommand }

// Code 实现 mailbox.Coder。
func (e *CommandError) Code() string { return ErrCommand.code }

func commandErrorf(command, format string, args ...any) error {
	return &CommandError{Command: command, Err: errors.Errorf(format, args...)}
}

// SpawnError 表示 Backend 未能启动 Actor，或 Actor 没有在宽限期内完成握手。
type SpawnError struct {
	// ID 目标 Actor 身份
	ID string
	// Err 失败原因
	Err error
}

// Error 实现 error 接口。
func (e *SpawnError) Error() string { return "spawn " + e.ID + ": " + e.Err.Error() }

// Unwrap 返回失败原因。
func (e *SpawnError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrSpawn) 成立。
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// Code 实现 mailbox.Coder。
func (e *SpawnError) Code() string { return ErrSpawn.code }
