package core

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the logrus.Logger threaded through ServiceManager,
// ServicePort, and Connection. Unlike archon's original global Log
// variable, callers are expected to inject this rather than reach for a
// package-level singleton.
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	var w io.Writer

	if cfg.LogFilePath == "" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open log file %s", cfg.LogFilePath)
		}
		w = f
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse log level %q", cfg.LogLevel)
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: level,
	}, nil
}
