package fleetgw

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the package logger.  cmd entrypoints reconfigure it through
// SetupLogging before anything else starts.
var Log = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.RFC3339,
	Prefix:          "fleetgw",
})

// SetupLogging applies the operator-selected level and, when file is
// non-empty, tees output into a size-rotated log file.
func SetupLogging(level string, file string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)

	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MiB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		Log.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return nil
}
