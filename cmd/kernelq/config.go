package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/kernelq/internal/appconfig"
	"pkt.systems/pslog"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the kernelq config file",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var cfgPath string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(cfgPath, overwrite)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config wrote", "path", path)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			rows := []struct {
				key   string
				value any
			}{
				{"state_dir", cfg.StateDir},
				{"jupyter.url", cfg.Jupyter.URL},
				{"jupyter.token_set", cfg.Jupyter.Token != ""},
				{"jupyter.default_kernel", cfg.Jupyter.DefaultKernel},
				{"jupyter.connect_timeout_seconds", cfg.Jupyter.ConnectTimeoutSeconds},
				{"jupyter.event_buffer", cfg.Jupyter.EventBuffer},
				{"session.running_label", cfg.Session.RunningLabel},
				{"session.queued_label", cfg.Session.QueuedLabel},
				{"session.tick_interval_ms", cfg.Session.TickIntervalMS},
				{"session.min_elapsed_ms", cfg.Session.MinElapsedMS},
				{"session.save_transcripts", cfg.Session.SaveTranscripts},
				{"images.dir", cfg.Images.Dir},
				{"images.viewer", cfg.Images.Viewer},
				{"images.show", cfg.Images.Show},
				{"http.addr", cfg.HTTP.Addr},
				{"http.base_path", cfg.HTTP.BasePath},
				{"http.hub_history", cfg.HTTP.HubHistory},
			}
			for _, row := range rows {
				if _, err := fmt.Fprintf(out, "%s: %v\n", row.key, row.value); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
