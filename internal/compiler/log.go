package compiler

import "github.com/sirupsen/logrus"

// Config carries the driver's tunables. The zero value is valid and runs silent.
type Config struct {
	// Logger receives type-section and per-function trace events. Nil disables
	// tracing entirely rather than falling back to a default writer, so a caller
	// that never asks for logging never pays for it.
	Logger *logrus.Logger
}

// trace returns a no-op entry when cfg carries no logger, so call sites never have
// to nil-check before logging.
func (cfg Config) trace() *logrus.Entry {
	if cfg.Logger == nil {
		return logrus.NewEntry(silentLogger)
	}
	return logrus.NewEntry(cfg.Logger)
}

var silentLogger = newSilentLogger()

func newSilentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
