package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
)

func newDatasetsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "List catalog datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Datasets(statuses)
				if err != nil {
					return err
				}
				if len(resp.Datasets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no datasets")
					return nil
				}
				rows := make([][]string, 0, len(resp.Datasets))
				for _, ds := range resp.Datasets {
					detail := ds.DurableID
					if ds.Error != "" {
						detail = ds.Error
					}
					rows = append(rows, []string{
						strconv.FormatInt(ds.ID, 10),
						ds.Title,
						ds.Variant,
						ds.Status,
						detail,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Title", "Variant", "Status", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by dataset status (repeatable)")
	return cmd
}

func newUnitsCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List catalog units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Units(statuses)
				if err != nil {
					return err
				}
				if len(resp.Units) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no units")
					return nil
				}
				rows := make([][]string, 0, len(resp.Units))
				for _, u := range resp.Units {
					detail := u.ArchivedPath
					if u.Error != "" {
						detail = u.Error
					}
					rows = append(rows, []string{
						strconv.FormatInt(u.ID, 10),
						u.Name,
						u.Status,
						u.DenoiseState,
						detail,
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Unit", "Status", "Denoise", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by unit status (repeatable)")
	return cmd
}
