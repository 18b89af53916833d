package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. format is "text" or "json".
func New(level, format string) (*logrus.Logger, error) {
	return newWithOutput(os.Stderr, level, format)
}

func newWithOutput(out io.Writer, level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return l, nil
}

// Discard returns a logger that drops everything. Handy for tests and CLI
// subcommands that only print results.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
