package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 27701, cfg.Port)
	assert.Equal(t, AuthSQLite, cfg.AuthProvider)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, int64(250<<20), cfg.MaxUploadBytes)

	// derived paths live next to the data root
	assert.Equal(t, filepath.Join(cfg.DataRoot, "sessions.db"), cfg.SessionDBPath)
	assert.Equal(t, filepath.Join(cfg.DataRoot, "users.db"), cfg.AuthDBPath)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "27702")
	t.Setenv("DATA_ROOT", "/srv/anki")
	t.Setenv("AUTH_PROVIDER", AuthJWT)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SESSION_DB_PATH", "/var/lib/anki/sessions.db")

	cfg := Load()

	assert.Equal(t, "127.0.0.1:27702", cfg.Addr())
	assert.Equal(t, "/srv/anki", cfg.DataRoot)
	assert.Equal(t, AuthJWT, cfg.AuthProvider)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, "/var/lib/anki/sessions.db", cfg.SessionDBPath)
	// auth db still derived from the overridden data root
	assert.Equal(t, filepath.Join("/srv/anki", "users.db"), cfg.AuthDBPath)
}
