package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/console"
	"github.com/chatwire/chatwire/internal/logging"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/version"
	"github.com/spf13/cobra"
)

var (
	userID   string
	username string
	endpoint string
	logLevel string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of chat-client",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chat-client version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "chat-client",
		Short: "Terminal chat client",
		Long: `chat-client connects to a chat backend and relays lines from stdin as messages.
The backend address defaults to $` + config.EndpointEnv + ` or ` + config.DefaultEndpoint + `.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringVarP(&userID, "user", "u", "", "user id to announce (required)")
	rootCmd.Flags().StringVarP(&username, "name", "n", "", "display name (defaults to the user id)")
	rootCmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "chat backend address")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "diagnostic log level, written to stderr")
	_ = rootCmd.MarkFlagRequired("user")
}

func run(ctx context.Context) error {
	if userID == "" {
		return errors.New("--user must not be empty")
	}
	if username == "" {
		username = userID
	}
	if endpoint == "" {
		endpoint = config.Endpoint()
	}

	logger, err := logging.New(config.LoggerConfig{Level: logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(endpoint, session.WithLogger(logger))
	c := console.New(sess, protocol.UserPresence{UserID: userID, Username: username}, os.Stdout)
	if err := c.Start(); err != nil {
		return err
	}
	defer c.Stop()

	fmt.Printf("chat-client %s as %s, type /help for commands\n", version.Get(), userID)
	return c.Run(ctx, os.Stdin)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
