package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/jointly/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configFile string
	server     string
	logLevel   string
	httpAddr   string
	format     string
	compress   bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "jointly",
		Short: "Listen-together client",
		Long: `Jointly keeps the playback of a room in step with its host.

Without a subcommand the client resumes a stored session, if any, and
waits for commands on the local control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), flags, entry{})
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	pf.StringVarP(&flags.server, "server", "s", "", "relay name from the servers list, or a ws:// URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log_level")
	pf.StringVar(&flags.httpAddr, "http", "", "control API address; \"off\" disables it")
	pf.StringVar(&flags.format, "format", "", "wire format: binary or legacy")
	pf.BoolVar(&flags.compress, "compress", false, "gzip large payloads")

	rootCmd.AddCommand(
		createCmd(&flags),
		joinCmd(&flags),
		serversCmd(&flags),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(flags globalFlags) (*config.Config, error) {
	setupLogger()

	var (
		cfg *config.Config
		err error
	)
	if flags.configFile != "" {
		cfg, err = config.LoadFile(flags.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.httpAddr != "" {
		cfg.HTTP.Addr = flags.httpAddr
	}
	if flags.format != "" {
		cfg.Codec.Format = flags.format
	}
	if flags.compress {
		cfg.Codec.Compress = true
	}
	if flags.server != "" {
		url, err := cfg.ServerURLFor(flags.server)
		if err != nil {
			return nil, err
		}
		cfg.ServerURL = url
	}
	zerolog.SetGlobalLevel(cfg.Level())
	return cfg, nil
}

func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}

func warn(format string, args ...any) {
	fmt.Printf("\033[33m⚠\033[0m %s\n", fmt.Sprintf(format, args...))
}
