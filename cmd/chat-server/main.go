package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/logging"
	"github.com/chatwire/chatwire/internal/mock"
	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/relay"
	"github.com/chatwire/chatwire/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	port       int
	mockMode   bool

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chat-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chat-server version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "chat-server",
		Short: "Development chat relay",
		Long:  `chat-server relays chat events between clients over websocket and HTTP long-polling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "override server port")
	rootCmd.Flags().BoolVar(&mockMode, "mock", false, "run simulated users alongside real clients")
}

func run(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry, err := presence.New(cfg.Presence, logger)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	defer registry.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewHub(registry,
		relay.WithLogger(logger),
		relay.WithMaxPeers(cfg.Relay.MaxConnections),
		relay.WithSendBuffer(cfg.Relay.SendBuffer),
	)
	defer hub.Stop()

	server := relay.NewServer(hub, cfg, logger)
	go server.Run(ctx)

	if mockMode {
		logger.Info("starting mock users", zap.Int("count", len(cfg.Mock.Users)))
		if err := mock.NewGenerator(hub, cfg.Mock, logger).Start(ctx); err != nil {
			return fmt.Errorf("mock: %w", err)
		}
	}

	logger.Info("starting chat-server",
		zap.String("version", version.Get()),
		zap.String("presence", cfg.Presence.Type),
		zap.Int("max_connections", cfg.Relay.MaxConnections))

	err = relay.ListenAndServe(ctx, cfg.Addr(), server.Handler(), logger)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	logger.Info("shutting down")
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
