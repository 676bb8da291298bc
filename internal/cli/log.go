package cli

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	FlagLogLevel  = "loglevel"
	FlagLogFormat = "logformat"
)

func registerLoggingFlags(flags *pflag.FlagSet) {
	flags.String(FlagLogLevel, "info", "set the log level (debug, info, warn, error)")
	flags.String(FlagLogFormat, "text", "set the log format (text, json)")
}

func newLogger(cmd *cobra.Command) (logr.Logger, error) {
	level, err := logLevel(cmd)
	if err != nil {
		return logr.Discard(), err
	}

	opts := []zap.Opts{zap.WriteTo(cmd.ErrOrStderr()), zap.Level(level)}
	switch format, _ := cmd.Flags().GetString(FlagLogFormat); format {
	case "text":
		opts = append(opts, zap.ConsoleEncoder())
	case "json":
		opts = append(opts, zap.JSONEncoder())
	default:
		return logr.Discard(), fmt.Errorf("invalid log format: %s", format)
	}
	return zap.New(opts...), nil
}

func logLevel(cmd *cobra.Command) (zapcore.Level, error) {
	level, err := cmd.Flags().GetString(FlagLogLevel)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}
