package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgdog-io/pgdog/pkg"
	"github.com/pgdog-io/pgdog/pkg/config"
	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/plugin"
	"github.com/pgdog-io/pgdog/router/app"
)

var (
	poolerCfgPath string
	usersCfgPath  string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:     "pgdog run --config `path-to-pgdog.toml`",
	Short:   "pgdog",
	Long:    "PostgreSQL pooler, load balancer and query router",
	Version: pkg.VersionRevision,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&poolerCfgPath, "config", "c", "pgdog.toml", "path to pooler config file")
	rootCmd.PersistentFlags().StringVarP(&usersCfgPath, "users", "u", "users.toml", "path to users config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "overrides log_level from the config")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the pooler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(poolerCfgPath, usersCfgPath)
		if err != nil {
			return err
		}

		general := &cfg.Pooler.General

		level := logLevel
		if level == "" {
			level = general.LogLevel
		}
		doglog.ReloadLogger(general.LogOutput, level, general.PrettyLog)

		doglog.Zero.Info().
			Str("version", pkg.VersionRevision).
			Msg("starting pgdog")

		if general.Workers > 0 {
			runtime.GOMAXPROCS(general.Workers)
		}

		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		instance := app.NewApp(plugin.NewChain())

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			for s := range sigs {
				switch s {
				case syscall.SIGHUP:
					if _, err := config.Load(poolerCfgPath, usersCfgPath); err != nil {
						doglog.Zero.Error().Err(err).Msg("config reload failed, keeping the previous configuration")
						continue
					}
					if logLevel == "" {
						if err := doglog.UpdateZeroLogLevel(config.Get().Pooler.General.LogLevel); err != nil {
							doglog.Zero.Error().Err(err).Msg("unable to update log level")
						}
					}
					instance.Reload()
				case syscall.SIGINT, syscall.SIGTERM:
					doglog.Zero.Info().Str("signal", s.String()).Msg("shutting down")
					cancelCtx()
					return
				}
			}
		}()

		return instance.Run(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		doglog.Zero.Fatal().Err(err).Msg("pgdog failed")
	}
}
