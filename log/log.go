package log

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process wide logger. It is a no-op logger until InitLogger runs.
var Logger = zap.NewNop()

// InitLogger builds Logger for the given level ("debug", "info", "warn", "error").
// Entries go to file, or stderr when file is empty. Human readable console
// output is used when dev is set or stderr is a terminal it writes to.
func InitLogger(level string, dev bool, file string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	}

	if file != "" {
		config.OutputPaths = []string{file}
	}

	tty := file == "" && isatty.IsTerminal(os.Stderr.Fd())
	if dev || tty {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if tty {
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger.Sync()
}
