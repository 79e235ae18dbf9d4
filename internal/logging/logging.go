// Package logging builds the process-wide logger.
package logging

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// MakeBaseLogger installs a logrus-backed dlog logger on ctx and as
// the fallback logger. level falls back to info when unparseable.
func MakeBaseLogger(ctx context.Context, level string) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
	})
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrusLogger.SetLevel(lv)
	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}
