package main

import (
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/kernelq/internal/kernelmock"
	"pkt.systems/pslog"
)

func newKernelMockCmd() *cobra.Command {
	var addr string
	var token string
	var specs []string
	cmd := &cobra.Command{
		Use:   "kernel-mock",
		Short: "Run a mock Jupyter server for demos and tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			mock := kernelmock.New(kernelmock.Options{
				Token:  strings.TrimSpace(token),
				Specs:  specs,
				Logger: logger,
			})
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("kernel mock start", "addr", addr, "token", token != "", "specs", strings.Join(specs, ","))
			return mock.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8888", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "token clients must present")
	cmd.Flags().StringSliceVar(&specs, "spec", nil, "kernel spec names to accept (default python3)")
	return cmd
}
