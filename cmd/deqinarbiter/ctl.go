package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	"deqinarbiter/control"
	"deqinarbiter/mailbox"
)

var (
	ctlAddr    string
	ctlTimeout time.Duration
	ctlKwargs  []string
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running arbiter over its control plane",
}

var ctlInfoCmd = &cobra.Command{
	Use:   "info [target]",
	Short: "Show info of the arbiter, a monitor or an actor",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
			info, err := c.Info(ctx, target)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), info)
		})
	},
}

var ctlSendCmd = &cobra.Command{
	Use:   "send <target> <command> [args...]",
	Short: "Send a command and print the reply",
	Long: `Send a command to the arbiter, a monitor or an actor.

Arguments that parse as integers or floats are sent as numbers, true and
false as booleans, everything else as strings. Keyword arguments are given
with --kw key=value.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kwargs := map[string]any{}
		for _, kv := range ctlKwargs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return errors.Errorf("bad --kw %q, want key=value", kv)
			}
			kwargs[k] = parseArg(v)
		}
		values := make([]any, 0, len(args)-2)
		for _, a := range args[2:] {
			values = append(values, parseArg(a))
		}
		return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
			v, err := c.Send(ctx, args[0], args[1], values, kwargs)
			var re *mailbox.RemoteError
			if errors.As(err, &re) {
				return errors.Errorf("%s [%s]", re.Message, re.Code)
			}
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), v)
		})
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the arbiter gracefully",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *control.Client) error {
			return c.Stop(ctx, "ctl stop")
		})
	},
}

// withClient 连接控制面，等待服务端就绪，最长 --timeout。
func withClient(ctx context.Context, fn func(context.Context, *control.Client) error) error {
	c, err := control.Dial(ctlAddr, grpc.WithDefaultCallOptions(grpc.WaitForReady(true)))
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(ctx, ctlTimeout)
	defer cancel()
	return fn(ctx, c)
}

func parseArg(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// printValue 字符串原样输出，其他值输出为 YAML。
func printValue(w io.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case string:
		_, err := fmt.Fprintln(w, v)
		return err
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "format reply")
	}
	_, err = w.Write(b)
	return err
}

func init() {
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "127.0.0.1:7070", "Control plane address")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", control.DefaultTimeout, "Deadline for the call, including waiting for the server")
	ctlSendCmd.Flags().StringArrayVar(&ctlKwargs, "kw", nil, "Keyword argument key=value (repeatable)")
	ctlCmd.AddCommand(ctlInfoCmd, ctlSendCmd, ctlStopCmd)
	rootCmd.AddCommand(ctlCmd)
}
