package logger

import (
	"os"
	"path/filepath"
	"testing"

	"fieldsync/internal/platform/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_FileOutput(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	path := filepath.Join(t.TempDir(), "logs", "fieldsync.log")
	Init(config.LoggingConfig{Level: "warn", Format: "json", Output: "file", FilePath: path})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	l := WithComponent("syncer")
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(raw)
	assert.NotContains(t, body, "dropped")
	assert.Contains(t, body, `"component":"syncer"`)
	assert.Contains(t, body, `"service":"fieldsync"`)
	assert.Contains(t, body, `"message":"kept"`)
}

func TestInit_UnknownLevelDefaultsToInfo(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	Init(config.LoggingConfig{Level: "loud"})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
