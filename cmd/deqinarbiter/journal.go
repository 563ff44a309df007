package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deqinarbiter/journal"
)

var journalActor string

var journalCmd = &cobra.Command{
	Use:   "journal <file>",
	Short: "Print a lifecycle journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := journal.ReadFile(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			if journalActor != "" && ev.Actor != journalActor {
				continue
			}
			from := ev.From
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(out, "%s %s %s -> %s", ev.Time.Format(time.RFC3339Nano), ev.Actor, from, ev.To)
			if ev.Monitor != "" {
				fmt.Fprintf(out, " monitor=%s", ev.Monitor)
			}
			if ev.Reason != "" {
				fmt.Fprintf(out, " (%s)", ev.Reason)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().StringVar(&journalActor, "actor", "", "Only show events of this actor")
	rootCmd.AddCommand(journalCmd)
}
