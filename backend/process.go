package backend

import (
	"encoding/base64"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"

	"deqinarbiter/wire"
)

const (
	// EnvSpec 携带序列化后的 Spec，子进程据此识别自己是 Actor
	EnvSpec = "DEQIN_ACTOR_SPEC"
	// EnvArbiterAddr 携带 arbiter 邮箱地址
	EnvArbiterAddr = "DEQIN_ARBITER_ADDR"
)

// Process 通过重新执行程序自身启动 Actor 进程。
// 子进程在 main（或测试的 TestMain）开头检查 EnvSpec 并进入 Actor 循环。
type Process struct {
	// Path 可执行文件，默认 os.Executable()
	Path string
	// Args 传给子进程的参数
	Args []string
	// Env 额外环境变量
	Env []string
	// Stdout 子进程标准输出，默认 os.Stdout
	Stdout io.Writer
	// Stderr 子进程标准错误，默认 os.Stderr
	Stderr io.Writer
}

// NewProcess 创建重新执行当前程序的进程 Backend。
func NewProcess() (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate executable")
	}
	return &Process{Path: exe}, nil
}

// Kind 实现 Backend。
func (p *Process) Kind() Kind { return KindProcess }

// Spawn 实现 Backend。
func (p *Process) Spawn(spec Spec) (Handle, error) {
	blob, err := EncodeSpec(spec)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = append(append(os.Environ(), p.Env...),
		EnvSpec+"="+blob,
		EnvArbiterAddr+"="+spec.ArbiterAddr,
	)
	cmd.Stdout, cmd.Stderr = p.Stdout, p.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start actor process %s", spec.ID)
	}
	h := &processHandle{cmd: cmd, started: time.Now(), done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type processHandle struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (h *processHandle) Pid() int { return h.cmd.Process.Pid }

func (h *processHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *processHandle) Age() time.Duration { return time.Since(h.started) }

func (h *processHandle) Kill(sig Signal) error {
	if !h.IsAlive() {
		return nil
	}
	return signal(h.cmd.Process, sig)
}

func (h *processHandle) Join(timeout time.Duration) error {
	if err := join(h.done, timeout); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// EncodeSpec 把 Spec 编码为可放入环境变量的字符串。
func EncodeSpec(spec Spec) (string, error) {
	b, err := wire.GobSerializer{}.Marshal(spec)
	if err != nil {
		return "", errors.Wrap(err, "encode actor spec")
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeSpec 是 EncodeSpec 的逆操作。
func DecodeSpec(s string) (Spec, error) {
	var spec Spec
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return spec, errors.Wrap(err, "decode actor spec")
	}
	if err := (wire.GobSerializer{}).Unmarshal(b, &spec); err != nil {
		return spec, errors.Wrap(err, "decode actor spec")
	}
	return spec, nil
}

// ChildSpec 从环境中读取本进程要运行的 Actor；不是 Actor 进程时 ok 为 false。
func ChildSpec() (spec Spec, ok bool, err error) {
	blob := os.Getenv(EnvSpec)
	if blob == "" {
		return Spec{}, false, nil
	}
	spec, err = DecodeSpec(blob)
	if err != nil {
		return spec, true, err
	}
	if addr := os.Getenv(EnvArbiterAddr); addr != "" {
		spec.ArbiterAddr = addr
	}
	return spec, true, nil
}
