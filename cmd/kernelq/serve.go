package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kernelq"
	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/httpapi"
	"pkt.systems/kernelq/internal/appconfig"
	"pkt.systems/kernelq/internal/imageview"
	"pkt.systems/kernelq/internal/jupyter"
	"pkt.systems/kernelq/internal/persist"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var addr string
	var jupyterURL string
	var noImages bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kernelq HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			if jupyterURL != "" {
				cfg.Jupyter.URL = jupyterURL
			}
			if noImages {
				cfg.Images.Show = false
			}

			serverCfg, serverDeps, err := buildServer(cfg, logger)
			if err != nil {
				return err
			}
			server, err := kernelq.New(serverCfg, serverDeps)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().StringVar(&jupyterURL, "jupyter-url", "", "override jupyter.url")
	cmd.Flags().BoolVar(&noImages, "no-images", false, "write images without opening a viewer")
	return cmd
}

func buildServer(cfg appconfig.Config, logger pslog.Logger) (kernelq.ServerConfig, kernelq.ServerDeps, error) {
	provider, err := jupyter.NewProvider(jupyter.Config{
		URL:            cfg.Jupyter.URL,
		Token:          cfg.Jupyter.Token,
		ConnectTimeout: time.Duration(cfg.Jupyter.ConnectTimeoutSeconds) * time.Second,
		EventBuffer:    cfg.Jupyter.EventBuffer,
		Logger:         logger,
	})
	if err != nil {
		return kernelq.ServerConfig{}, kernelq.ServerDeps{}, err
	}
	images, err := imageview.New(imageview.Config{
		Dir:    cfg.Images.Dir,
		Viewer: cfg.Images.Viewer,
		Show:   cfg.Images.Show,
		Logger: logger,
	})
	if err != nil {
		return kernelq.ServerConfig{}, kernelq.ServerDeps{}, err
	}
	transcripts, err := persist.NewStoreWithLogger(cfg.TranscriptDir(), logger)
	if err != nil {
		return kernelq.ServerConfig{}, kernelq.ServerDeps{}, err
	}
	logger.Info("serve configured",
		"jupyter_url", cfg.Jupyter.URL,
		"default_kernel", cfg.Jupyter.DefaultKernel,
		"images", images.Dir(),
		"transcripts", cfg.TranscriptDir(),
	)
	serverCfg := kernelq.ServerConfig{
		Service: cfg.ServiceConfig(),
		HTTP: httpapi.Config{
			Addr:     cfg.HTTP.Addr,
			BasePath: cfg.HTTP.BasePath,
		},
		HubHistory: cfg.HTTP.HubHistory,
	}
	serverDeps := kernelq.ServerDeps{
		ServiceDeps: core.ServiceDeps{
			Backends:    provider,
			Images:      images,
			Transcripts: transcripts,
			Logger:      logger,
		},
		Transcripts: transcripts,
	}
	return serverCfg, serverDeps, nil
}
