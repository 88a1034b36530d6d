package observ

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	logMu sync.RWMutex
	root  = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// SetupLogging configures the root logger. When a file path is set, log lines
// go to stdout and a size-rotated file.
func SetupLogging(cfg LogConfig) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if cfg.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		if rotated.MaxSize == 0 {
			rotated.MaxSize = 100
		}
		if rotated.MaxBackups == 0 {
			rotated.MaxBackups = 3
		}
		if rotated.MaxAge == 0 {
			rotated.MaxAge = 14
		}
		w = io.MultiWriter(os.Stdout, rotated)
	}

	logMu.Lock()
	root = zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	logMu.Unlock()
}

// Logger returns a child logger tagged with the component name.
func Logger(component string) zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return root.With().Str("component", component).Logger()
}
