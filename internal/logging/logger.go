package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type closer func()

// NewLogger builds the process logger. Output always goes to stdout and,
// when filePath is set, to a size-rotated file.
func NewLogger(filePath, level string, maxSizeMB, maxBackups, maxAgeDays int) (zerolog.Logger, closer, error) {
	return newLogger(os.Stdout, filePath, level, maxSizeMB, maxBackups, maxAgeDays)
}

func newLogger(out io.Writer, filePath, level string, maxSizeMB, maxBackups, maxAgeDays int) (zerolog.Logger, closer, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := out
	closeFn := func() {}
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return zerolog.Nop(), closeFn, err
		}
		lj := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
		}
		w = io.MultiWriter(out, lj)
		closeFn = func() { _ = lj.Close() }
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	base := zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
	log.Logger = base
	return base, closeFn, nil
}
