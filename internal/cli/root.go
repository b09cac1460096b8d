package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/trymwestin/eufyws/internal/config"
	"github.com/trymwestin/eufyws/internal/core/client"
	"github.com/trymwestin/eufyws/internal/core/transport"
	"github.com/trymwestin/eufyws/internal/logger"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var (
	flagConfig   string
	flagURL      string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "eufyd",
	Short: "Gateway for eufy-security-ws",
	Long: `eufyd talks to an eufy-security-ws server over its WebSocket API.

It can mirror station and device state to MQTT and an HTTP API, journal
server events, or send single commands from the shell.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "eufyd %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  build:  %s\n", buildDate)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "eufy-security-ws server URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(serverVersionCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, err
	}
	if flagURL != "" {
		cfg.Server.URL = flagURL
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setup loads the config and builds the logger every command shares.
func setup() (config.Config, *slog.Logger, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, nil, err
	}
	log, closeLog, err := logger.New(cfg.Log)
	if err != nil {
		return cfg, nil, nil, err
	}
	slog.SetDefault(log)
	return cfg, log, closeLog, nil
}

func newDialer(cfg config.ServerConfig, log *slog.Logger) *transport.WSDialer {
	d := transport.NewWSDialer(log)
	d.ReadTimeout = cfg.ReadTimeout
	d.InsecureSkipVerify = cfg.InsecureSkipVerify
	return d
}

func newClient(cfg config.ServerConfig, log *slog.Logger) *client.Client {
	opts := []client.Option{
		client.WithLogger(log),
		client.WithDialer(newDialer(cfg, log)),
		client.WithCommandTimeout(cfg.CommandTimeout),
		client.WithHeartbeat(cfg.Heartbeat),
	}
	if cfg.SchemaVersion > 0 {
		opts = append(opts, client.WithSchemaVersion(cfg.SchemaVersion))
	}
	return client.New(cfg.URL, opts...)
}
