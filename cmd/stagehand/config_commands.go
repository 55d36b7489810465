package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stagehand/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the stagehand configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var path string
	var overwrite bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(path)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				target = defaultPath
			}
			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("%s already exists (use --overwrite to replace it)", target)
				}
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "Destination for the sample configuration")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Show the resolved configuration",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, source, usedDefaults, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if usedDefaults {
				fmt.Fprintln(out, "# no configuration file found; showing defaults")
			} else {
				fmt.Fprintf(out, "# loaded from %s\n", source)
			}
			fmt.Fprintf(out, "data_root     = %s\n", cfg.Paths.DataRoot)
			fmt.Fprintf(out, "archive_root  = %s\n", cfg.Paths.ArchiveRoot)
			fmt.Fprintf(out, "state_dir     = %s\n", cfg.Paths.StateDir)
			fmt.Fprintf(out, "log_dir       = %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "socket        = %s\n", cfg.Paths.SocketPath)
			fmt.Fprintf(out, "recon_mode    = %s\n", cfg.Reconstruction.Mode)
			fmt.Fprintf(out, "denoise       = %t\n", cfg.Denoise.Enabled)
			fmt.Fprintf(out, "operator      = %s\n", cfg.Transfer.Operator)
			return nil
		},
	}
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, source, usedDefaults, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if usedDefaults {
				fmt.Fprintln(out, "defaults are valid (no configuration file found)")
			} else {
				fmt.Fprintf(out, "%s is valid\n", source)
			}
			return nil
		},
	}
}
