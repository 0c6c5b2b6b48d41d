// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
)

// Setup switches to JSON output in production and applies the level.
func Setup(environment, level string) error {
	log.SetOutput(os.Stdout)
	if strings.EqualFold(environment, "production") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	return nil
}

// RequestLogger routes chi's access log through logrus.
func RequestLogger() func(http.Handler) http.Handler {
	return middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  log.StandardLogger(),
		NoColor: true,
	})
}
