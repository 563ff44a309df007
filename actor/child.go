package actor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deqinarbiter/backend"
	"deqinarbiter/log"
)

// IsChildProcess 报告当前进程是否由进程 Backend 启动。
// main 与 TestMain 应在做任何其他事情之前检查它。
func IsChildProcess() bool {
	_, ok := os.LookupEnv(backend.EnvSpec)
	return ok
}

// RunChildProcess 运行环境中描述的 Actor，返回进程退出码。
func RunChildProcess() int {
	spec, ok, err := backend.ChildSpec()
	if err != nil || !ok {
		fmt.Fprintln(os.Stderr, "actor process:", err)
		return 2
	}
	cfg := log.DefaultConfig()
	if spec.LogLevel != "" {
		cfg.Level = log.Level(spec.LogLevel)
	}
	if err := log.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "actor process:", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := Run(ctx, spec); err != nil {
		log.Named("actor").Errorw("actor exited", "aid", spec.ID, "err", err)
		return 1
	}
	return 0
}
