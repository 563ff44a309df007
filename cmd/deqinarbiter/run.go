package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deqinarbiter/actor"
	"deqinarbiter/config"
	"deqinarbiter/control"
	"deqinarbiter/log"
)

var (
	runConfig   string
	runDuration time.Duration
	runControl  string
	runMailbox  string
	runWatch    bool
	runLogLevel string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the arbiter and its monitors",
	Long: `Start the arbiter, open its mailbox server and spawn the monitors
listed in the configuration file.

The arbiter stops gracefully on SIGINT or SIGTERM, on "ctl stop", or when
--duration elapses. A mailbox server failure exits with status 1.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Default()
		if runConfig != "" {
			var err error
			if cfg, err = config.Load(runConfig); err != nil {
				return err
			}
		}
		if runControl != "" {
			cfg.Arbiter.ControlAddr = runControl
		}
		if runMailbox != "" {
			cfg.Arbiter.MailboxAddr = runMailbox
		}
		if runLogLevel != "" {
			cfg.Log.Level = log.Level(runLogLevel)
		}
		if err := log.Init(cfg.Log); err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runDuration)
			defer cancel()
		}
		return serve(ctx, cfg, cmd.OutOrStdout())
	},
}

// serve 运行 arbiter、控制面和配置监视，直到 arbiter 关闭。
func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	logger := log.Named("cli")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	a := actor.New(cfg.Arbiter,
		actor.WithMonitors(cfg.Monitors...),
		actor.WithLogLevel(string(cfg.Log.Level)),
	)
	if err := a.Start(gctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "mailbox %s\n", a.Addr())
	g.Go(func() error {
		defer cancel()
		return a.Wait()
	})

	if addr := cfg.Arbiter.ControlAddr; addr != "" {
		srv, err := control.Listen(addr, a)
		if err != nil {
			cancel()
			_ = a.Wait()
			return err
		}
		fmt.Fprintf(out, "control %s\n", srv.Addr())
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if runWatch && runConfig != "" {
		g.Go(func() error {
			return config.Watch(gctx, runConfig, func(c *config.Config, err error) {
				if err != nil {
					logger.Warnw("config reload failed", "err", err)
					return
				}
				apply(a, c)
			})
		})
	}

	err := g.Wait()
	if errors.Is(err, actor.ErrHaltServer) {
		logger.Errorw("arbiter halted", "err", err)
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "arbiter stopped")
	return nil
}

// apply 把重新加载的 monitor 配置应用到运行中的 arbiter：
// 已有 monitor 只调整 workers，新 monitor 被添加。
func apply(a *actor.Arbiter, c *config.Config) {
	logger := log.Named("cli")
	for _, mc := range c.Monitors {
		if m, ok := a.Monitor(mc.Name); ok {
			m.SetWorkers(mc.Workers)
			continue
		}
		if _, err := a.AddMonitor(mc); err != nil {
			logger.Warnw("add monitor failed", "monitor", mc.Name, "err", err)
		}
	}
	logger.Infow("config reloaded", "monitors", len(c.Monitors))
}

func init() {
	runCmd.Flags().StringVarP(&runConfig, "config", "c", "", "Path to the YAML configuration file")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Stop after this long (0 runs until signalled)")
	runCmd.Flags().StringVar(&runControl, "control-addr", "", "Override arbiter.control_addr")
	runCmd.Flags().StringVar(&runMailbox, "mailbox-addr", "", "Override arbiter.mailbox_addr")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload monitor worker counts when the config file changes")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "Override log.level: debug, info, warn, error")
	rootCmd.AddCommand(runCmd)
}
