package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the JSON logger the rest of the module takes as a
// dependency.
func NewLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l
}
