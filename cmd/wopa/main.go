package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wopa-project/wopa/config"
	"github.com/wopa-project/wopa/internal/profile"
	"github.com/wopa-project/wopa/internal/version"
	"github.com/wopa-project/wopa/provider"
	"github.com/wopa-project/wopa/service"
	"github.com/wopa-project/wopa/worker"
)

// tierServer is the common surface of the three tier servers.
type tierServer interface {
	Start(ctx context.Context, addr string) error
	Shutdown()
}

var rootCmd = &cobra.Command{
	Use:   "wopa",
	Short: "WOPA analyzes potentially malicious messages, links, files and apps through a three-tier orchestration pipeline.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as systemd service).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("wopa %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
	},
}

func tierCmd(name, short string, defaultPort int, run func(ctx context.Context, cfg *config.Config) (tierServer, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(_ *cobra.Command, _ []string) error {
			p := &profile.Profile{
				Mode:       viper.GetString("mode"),
				Addr:       viper.GetString("addr"),
				Port:       defaultPort,
				ConfigPath: viper.GetString("config"),
				Version:    version.Version,
			}
			if port := viper.GetInt("port"); port != 0 {
				p.Port = port
			}
			p.FromEnv()
			if err := p.Validate(); err != nil {
				return err
			}

			cfg, err := config.Load(p.ConfigPath)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: cfg.Logging.SlogLevel(),
			})))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			srv, err := run(ctx, cfg)
			if err != nil {
				return err
			}

			sigC := make(chan os.Signal, 1)
			// The default signal sent by `kill` is SIGTERM, the graceful
			// shutdown signal for most process managers.
			signal.Notify(sigC, terminationSignals...)
			go func() {
				<-sigC
				slog.Info("shutting down", "tier", name)
				cancel()
			}()

			slog.Info("wopa started", "tier", name, "version", p.Version, "addr", p.ListenAddr())
			if err := srv.Start(ctx, p.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().String("mode", "run", `mode of the process, "run" or "test"`)
	rootCmd.PersistentFlags().String("addr", "", "address to bind")
	rootCmd.PersistentFlags().Int("port", 0, "port to bind, overrides the tier default")

	for _, flag := range []string{"config", "mode", "addr", "port"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("wopa")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		tierCmd("service", "Run the public service tier", 8001, runService),
		tierCmd("worker", "Run the worker tier", 8002, runWorker),
		tierCmd("provider", "Run the provider tier", 8003, runProvider),
		versionCmd,
	)
}

func runService(_ context.Context, cfg *config.Config) (tierServer, error) {
	return service.NewServer(cfg), nil
}

func runWorker(_ context.Context, cfg *config.Config) (tierServer, error) {
	return worker.NewServer(cfg), nil
}

func runProvider(ctx context.Context, cfg *config.Config) (tierServer, error) {
	srv, err := provider.NewServer(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Registry.Path != "" {
		stop, err := config.WatchRegistry(cfg.Registry.Path, func(reg config.Registry) {
			srv.Pool().ApplyRegistry(reg)
		})
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			stop()
		}()
	}
	return srv, nil
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
