// Package logx sets up the process-wide slog logger and carries request
// attributes (request id, acting principal) through contexts.
package logx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variables read by FromEnv. They override file configuration.
const (
	EnvLevel          = "LOG_LEVEL"
	EnvFormat         = "LOG_FORMAT"
	EnvOutput         = "LOG_OUTPUT"
	EnvFilePath       = "LOG_FILE_PATH"
	EnvFileMaxSizeMB  = "LOG_FILE_MAX_SIZE_MB"
	EnvFileMaxBackups = "LOG_FILE_MAX_BACKUPS"
	EnvFileMaxAgeDays = "LOG_FILE_MAX_AGE_DAYS"
)

type Config struct {
	Service    string
	Level      slog.Level
	Format     string // json or text
	Output     string // stdout, file or stdout,file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FromEnv returns the defaults overridden by the LOG_* environment.
func FromEnv(service string) Config {
	return Config{
		Service:    service,
		Level:      parseLevel(envString(EnvLevel, "info")),
		Format:     parseFormat(envString(EnvFormat, "json")),
		Output:     parseOutput(envString(EnvOutput, "stdout")),
		FilePath:   envString(EnvFilePath, "./logs/sandboxd.log"),
		MaxSizeMB:  envInt(EnvFileMaxSizeMB, 100),
		MaxBackups: envInt(EnvFileMaxBackups, 7),
		MaxAgeDays: envInt(EnvFileMaxAgeDays, 7),
		Compress:   true,
	}
}

// Overlay applies non-empty file settings whose environment variable is unset.
func (cfg Config) Overlay(level, format, output, filePath string) Config {
	if level != "" && os.Getenv(EnvLevel) == "" {
		cfg.Level = parseLevel(level)
	}
	if format != "" && os.Getenv(EnvFormat) == "" {
		cfg.Format = parseFormat(format)
	}
	if output != "" && os.Getenv(EnvOutput) == "" {
		cfg.Output = parseOutput(output)
	}
	if filePath != "" && os.Getenv(EnvFilePath) == "" {
		cfg.FilePath = filePath
	}
	return cfg
}

// Setup installs a logger built from cfg as the slog default. The returned
// function closes the rotating log file, if any.
func Setup(cfg Config) (*slog.Logger, func() error, error) {
	w, closers, err := openSinks(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h).With("service", cfg.Service)
	slog.SetDefault(logger)

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	return logger, closeAll, nil
}

func openSinks(cfg Config) (io.Writer, []io.Closer, error) {
	var sinks []io.Writer
	var closers []io.Closer
	if strings.Contains(cfg.Output, "file") {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		sinks = append(sinks, rotator)
		closers = append(closers, rotator)
	}
	if strings.Contains(cfg.Output, "stdout") || len(sinks) == 0 {
		sinks = append([]io.Writer{os.Stdout}, sinks...)
	}
	if len(sinks) == 1 {
		return sinks[0], closers, nil
	}
	return io.MultiWriter(sinks...), closers, nil
}

func parseFormat(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "text") {
		return "text"
	}
	return "json"
}

func parseOutput(v string) string {
	switch out := strings.ReplaceAll(strings.ToLower(v), " ", ""); out {
	case "stdout", "file", "stdout,file":
		return out
	case "file,stdout":
		return "stdout,file"
	default:
		return "stdout"
	}
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
