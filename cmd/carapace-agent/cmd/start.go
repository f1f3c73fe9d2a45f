package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/carapace-gateway/carapace/internal/adapter/outbound/agentconn"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/ingress/clisocket"
	"github.com/carapace-gateway/carapace/internal/ingress/httplisten"
	"github.com/carapace-gateway/carapace/internal/multiplexer"
)

var devMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Agent",
	Long: `Start the Carapace Agent: connect to the Server, then accept local
CLI requests on a Unix socket and local HTTP requests on a loopback
listener, relaying each over the connection.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("carapace-agent stopped")
	return nil
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	mux := multiplexer.New(multiplexer.DefaultBufferSize)

	serverAddr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	client := agentconn.NewClient(serverAddr, 0, mux, logger)

	cliSocket := clisocket.NewServer(cfg.CliSocket, mux, client, logger, 0)
	httpListen := httplisten.NewServer(cfg.HTTPListenAddr, mux, client, logger, 30*time.Second)

	errCh := make(chan error, 3)
	go func() { errCh <- client.Start(ctx) }()
	go func() { errCh <- cliSocket.Start(ctx) }()
	go func() { errCh <- httpListen.Start(ctx) }()

	logger.Info("carapace-agent starting", "server", serverAddr, "cli_socket", cfg.CliSocket, "http_listen", cfg.HTTPListenAddr, "dev_mode", cfg.DevMode)

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = client.Close()
	_ = cliSocket.Close()
	_ = httpListen.Close()
	return firstErr
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
