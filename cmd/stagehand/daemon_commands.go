package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
	"stagehand/internal/textutil"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var skipCorrection bool
	var skipTransfer bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a pipeline run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.StartRunRequest{}
			if cmd.Flags().Changed("skip-correction") {
				req.SkipCorrection = &skipCorrection
			}
			if cmd.Flags().Changed("skip-transfer") {
				req.SkipTransfer = &skipTransfer
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartRun(req)
				if err != nil {
					return err
				}
				if !resp.Started {
					fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run started (%s)\n", resp.RunID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipCorrection, "skip-correction", false, "Skip motion correction for this run")
	cmd.Flags().BoolVar(&skipTransfer, "skip-transfer", false, "Skip archival transfer for this run")
	return cmd
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the active pipeline run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StopRun()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(),
					textutil.Ternary(resp.Stopped, "run stopped", "no run in progress"))
				return nil
			})
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, catalog, and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()

				runState := "idle"
				runKind := statusInfo
				if resp.Running {
					runState = fmt.Sprintf("running (%s)", resp.RunID)
					runKind = statusOK
				}
				printStatusLine(out, runKind, "Pipeline", runState)
				printStatusLine(out, statusInfo, "Daemon PID", strconv.Itoa(resp.PID))
				printStatusLine(out, statusInfo, "Catalog", resp.CatalogPath)
				printStatusLine(out, statusInfo, "Datasets", formatStats(resp.DatasetStats))
				printStatusLine(out, statusInfo, "Units", formatStats(resp.UnitStats))
				if resp.LastRunError != "" {
					printStatusLine(out, statusError, "Last run", resp.LastRunError)
				}

				fmt.Fprintln(out)
				fmt.Fprintln(out, "Preflight:")
				for _, check := range resp.Preflight {
					fmt.Fprintf(out, "  %-24s %s", check.Name, boolMark(out, check.Passed))
					if check.Detail != "" {
						fmt.Fprintf(out, "  %s", check.Detail)
					}
					fmt.Fprintln(out)
				}

				if len(resp.Sessions) > 0 {
					fmt.Fprintln(out)
					fmt.Fprintln(out, renderSessionsTable(resp.Sessions))
				}
				return nil
			})
		},
	}
}

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stage sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Sessions()
				if err != nil {
					return err
				}
				if len(resp.Sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSessionsTable(resp.Sessions))
				return nil
			})
		},
	}
}

func renderSessionsTable(sessions []ipc.SessionInfo) string {
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		state := textutil.Ternary(s.Running, "running", "stopped")
		if s.Err != "" {
			state = "error"
		}
		pid := textutil.Ternary(s.PID > 0, strconv.Itoa(s.PID), "")
		rows = append(rows, []string{s.Name, s.Kind, state, pid, s.StartedAt})
	}
	return renderTable(
		[]string{"Session", "Kind", "State", "PID", "Started"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func newKillCommand(ctx *commandContext) *cobra.Command {
	var killAll bool
	cmd := &cobra.Command{
		Use:   "kill [session]",
		Short: "Terminate a stage session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if killAll {
				return ctx.withClient(func(client *ipc.Client) error {
					resp, err := client.KillAllSessions()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "killed %d session(s)\n", resp.Killed)
					return nil
				})
			}
			if len(args) == 0 {
				return fmt.Errorf("session name required (or use --all)")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.KillSession(args[0])
				if err != nil {
					return err
				}
				if resp.Killed {
					fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not running\n", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&killAll, "all", false, "Terminate every running session")
	return cmd
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [unit-id...]",
		Short: "Reset failed units for reprocessing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid unit id %q", arg)
				}
				ids = append(ids, id)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RetryFailed(ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d unit(s) for retry\n", resp.Updated)
				return nil
			})
		},
	}
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test notification through the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				if !resp.Sent {
					return fmt.Errorf("notification not sent")
				}
				return nil
			})
		},
	}
}
