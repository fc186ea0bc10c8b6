// Command server runs the streaming relay over WebSocket and, optionally, TCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omochice/token-relay/internal/chat"
	"github.com/omochice/token-relay/internal/config"
	"github.com/omochice/token-relay/internal/logger"
	"github.com/omochice/token-relay/internal/transport/tcp"
	"github.com/omochice/token-relay/internal/transport/ws"
	"github.com/omochice/token-relay/internal/upstream"
	"github.com/omochice/token-relay/internal/upstream/mock"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile, envFile string

	cmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "Relay prompts to a streaming LLM and stream the reply back",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			v, err := config.InitViper(configFile)
			if err != nil {
				return err
			}
			if err := config.BindFlags(cmd, v, config.ServerFlags); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default ./relay.yaml if present)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	config.AddFlags(cmd, config.ServerFlags)
	return cmd
}

func buildProvider(ctx context.Context, cfg config.UpstreamConfig) (upstream.Provider, error) {
	if cfg.Provider == "mock" {
		return mock.Echo(cfg.MockDelay), nil
	}
	return upstream.NewProvider(ctx, upstream.ProviderOptions{
		Name:    cfg.Provider,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
	})
}

func run(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(ctx, cfg.Upstream)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}
	generator := upstream.NewClient(provider, cfg.Params())
	hub := chat.NewHub(generator, log, chat.WithErrorMessage(cfg.Relay.ErrorMessage))

	log.WithFields(logrus.Fields{
		"provider":   cfg.Upstream.Provider,
		"model":      cfg.Upstream.Model,
		"max_tokens": cfg.Upstream.MaxTokens,
	}).Info("relay configured")

	errChan := make(chan error, 2)

	wsServer := ws.New(cfg.Server.Addr, hub, log)
	go func() { errChan <- wsServer.Start() }()
	defer wsServer.Stop()

	if cfg.Server.TCPAddr != "" {
		tcpServer := tcp.New(cfg.Server.TCPAddr, hub, log)
		go func() { errChan <- tcpServer.Start() }()
		defer tcpServer.Stop()
	}

	// Wait for either error or shutdown signal
	select {
	case err := <-errChan:
		if err != nil {
			log.WithError(err).Error("server error")
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	return nil
}
