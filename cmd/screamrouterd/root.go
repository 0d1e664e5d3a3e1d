package main

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/screamrouter/internal/conf"
	"github.com/tphakala/screamrouter/internal/logging"
)

// RootCommand builds the screamrouterd root command. Settings are loaded
// from the embedded default config, a user config file, and environment
// variables before flags are parsed; flags take the highest precedence.
func RootCommand() *cobra.Command {
	settings, err := conf.Load()
	if err != nil {
		log.Fatalf("screamrouterd: error loading configuration: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:           "screamrouterd",
		Short:         "Scream/RTP multi-source audio routing daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(settings)
		},
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		log.Fatalf("screamrouterd: error setting up flags: %v", err)
	}

	versionCmd := versionCommand()
	printConfigCmd := printConfigCommand(settings)
	rootCmd.AddCommand(versionCmd, printConfigCmd)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() || cmd.Name() == printConfigCmd.Name() {
			return nil
		}
		initLogging(settings)
		return nil
	}

	return rootCmd
}

// setupFlags binds the daemon's persistent flags directly onto settings,
// mirroring the teacher's pattern of using viper's already-loaded value as
// each flag's default and then binding the flag back into viper so later
// viper.Get calls reflect any override.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug-level logging")
	cmd.PersistentFlags().IntVar(&settings.Network.ListenPort, "listen-port", viper.GetInt("network.listenport"), "Default Raw Scream receiver port (0 disables the default receiver)")
	cmd.PersistentFlags().Float64Var(&settings.Network.TimeshiftBufferSec, "timeshift-buffer-sec", viper.GetFloat64("network.timeshiftbuffersec"), "Global timeshift ring-buffer depth in seconds")
	cmd.PersistentFlags().BoolVar(&settings.Sync.Enabled, "sync-enabled", viper.GetBool("sync.enabled"), "Enable multi-sink barrier synchronization by default")
	cmd.PersistentFlags().IntVar(&settings.Sync.BarrierTimeoutMS, "barrier-timeout-ms", viper.GetInt("sync.barriertimeoutms"), "Multi-sink dispatch barrier timeout in milliseconds")
	cmd.PersistentFlags().BoolVar(&settings.Metrics.Enabled, "metrics-enabled", viper.GetBool("metrics.enabled"), "Serve Prometheus metrics")
	cmd.PersistentFlags().StringVar(&settings.Metrics.Listen, "metrics-listen", viper.GetString("metrics.listen"), "host:port for the metrics HTTP server")
	cmd.PersistentFlags().StringVar(&settings.Main.Log.Path, "log-path", viper.GetString("main.log.path"), "Path to the daemon's log file")

	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// initLogging brings up structured logging per settings.Main.Log and
// settings.Debug before any engine component logs its first line.
func initLogging(settings *conf.Settings) {
	logging.Init()
	if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}
	if !settings.Main.Log.Enabled {
		return
	}
	levelVar := new(slog.LevelVar)
	if settings.Debug {
		levelVar.Set(slog.LevelDebug)
	}
	fileLogger, _, err := logging.NewFileLogger(settings.Main.Log.Path, "screamrouterd", levelVar)
	if err != nil {
		logging.Warn("screamrouterd: falling back to default log output", "error", err)
		return
	}
	slog.SetDefault(fileLogger)
}
