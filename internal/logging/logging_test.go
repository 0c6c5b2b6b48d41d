package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() {
		log.SetFormatter(&log.TextFormatter{})
		log.SetLevel(log.InfoLevel)
	})

	assert.NoError(t, Setup("production", "debug"))
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	assert.NoError(t, Setup("development", "warn"))
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, Setup("development", "loud"))
}
