package main

import (
	"log"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fslongjin/sandboxd/internal/config"
	"github.com/fslongjin/sandboxd/internal/logx"
)

var (
	cfgFile     string
	v           = viper.New()
	cfg         *config.Config
	closeLogger = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - control plane for per-user VPS sandboxes",
	Long: `sandboxd keeps a registry of numbered per-user sandboxes, drives their
container engine, enforces owner/delegate/admin access and suspends
sandboxes whose lease has expired.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initRuntime,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return closeLogger() },
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file path (default: ./sandboxd.yaml or /etc/sandboxd/sandboxd.yaml)")
	flags.String("data-dir", "./data", "Directory holding the registry database")
	flags.String("engine", "docker", "Sandbox engine backend: docker, kubernetes or memory")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("engine.backend", flags.Lookup("engine"))
}

// initRuntime loads the configuration and installs the process logger.
func initRuntime(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	logCfg := logx.FromEnv("sandboxd").Overlay(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.FilePath)
	logger, closer, err := logx.Setup(logCfg)
	if err != nil {
		return err
	}
	closeLogger = closer

	stdLog := slog.NewLogLogger(logger.Handler(), slog.LevelInfo)
	log.SetFlags(0)
	log.SetOutput(stdLog.Writer())
	if used := v.ConfigFileUsed(); used != "" {
		slog.Debug("config file loaded", "path", used)
	}
	return nil
}
