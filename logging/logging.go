/*
logging.go - Process logger

PURPOSE:
  Builds the logrus logger shared by the ledger, the HTTP handlers, the
  expiry scheduler and the event publisher.

CONFIGURATION:
  - level:  any logrus level name (LOG_LEVEL); unknown values mean info
  - format: "text" for a human-readable console, anything else is JSON
            (LOG_FORMAT)

USAGE:
  log := logging.New(cfg.LogLevel, cfg.LogFormat)
  log.WithField("port", cfg.Port).Info("server starting")

SEE ALSO:
  - config/config.go: LOG_LEVEL and LOG_FORMAT
*/
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. Unknown levels fall back to info; any
// format other than "text" is JSON.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	if strings.EqualFold(format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
