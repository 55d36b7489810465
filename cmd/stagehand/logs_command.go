package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs [session]",
		Short: "Show daemon or session log output",
		Long: `Show log output from the daemon, or from a named stage session.
With --follow the command polls for new lines until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session := ""
			if len(args) > 0 {
				session = args[0]
			}
			return ctx.withClient(func(client *ipc.Client) error {
				req := ipc.LogTailRequest{
					Session: session,
					Offset:  -1,
					Limit:   lines,
				}
				resp, err := client.LogTail(req)
				if err != nil {
					return err
				}
				for _, line := range resp.Lines {
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				if !follow {
					return nil
				}

				offset := resp.Offset
				for {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					default:
					}
					resp, err := client.LogTail(ipc.LogTailRequest{
						Session:    session,
						Offset:     offset,
						Limit:      lines,
						Follow:     true,
						WaitMillis: 2000,
					})
					if err != nil {
						return err
					}
					for _, line := range resp.Lines {
						fmt.Fprintln(cmd.OutOrStdout(), line)
					}
					offset = resp.Offset
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Poll for new log lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	return cmd
}
