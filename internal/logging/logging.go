// Package logging centralises logrus setup for every component, following
// the teacher's convention of a package-level logrus logger configured
// once at process start and passed around via WithField/WithFields.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Config controls the process-wide logger.
type Config struct {
	Level     string // "trace", "debug", "info", "warn", "error"
	JSON      bool
	Output    io.Writer
	Component string
}

// New configures the standard logrus logger and returns an entry scoped to
// Component, the way the teacher threads log.WithField("remoteAddr", ...)
// through dispatcher.go.
func New(cfg Config) *log.Entry {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	log.SetOutput(cfg.Output)

	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	lvl, err := log.ParseLevel(cfg.Level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithField("component", cfg.Component)
}
