package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
database:
  url: postgres://localhost:5432/survey
auth:
  jwt_secret: top-secret
sync:
  tables:
    - name: building_survey
      geo_scoped: true
      conflict_fields: [status, damage_level]
      resolution: manual
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	require.Equal(t, "postgres://localhost:5432/survey", cfg.Database.URL)
	require.Equal(t, "top-secret", cfg.Auth.JWTSecret)
	require.Len(t, cfg.Sync.Tables, 1)
	require.Equal(t, "building_survey", cfg.Sync.Tables[0].Name)
	require.True(t, cfg.Sync.Tables[0].GeoScoped)
	require.Equal(t, []string{"status", "damage_level"}, cfg.Sync.Tables[0].ConflictFields)

	// Defaults survive a partial file.
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 500, cfg.Sync.MaxPushBatchSize)
	require.Equal(t, time.Minute, cfg.Sync.SweepInterval)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
server:
  addr: ":9090"
  read_timeout: 10s
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FIELDSYNC_DATABASE_URL", "postgres://db-host/other")
	t.Setenv("FIELDSYNC_JWT_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t, "postgres://db-host/other", cfg.Database.URL)
	require.Equal(t, "env-secret", cfg.Auth.JWTSecret)
}

func TestLoad_RequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
auth:
  jwt_secret: s
sync:
  tables: [{name: t1}]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "database url")

	_, err = Load(writeConfig(t, `
database:
  url: postgres://localhost/survey
sync:
  tables: [{name: t1}]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "jwt secret")

	_, err = Load(writeConfig(t, `
database:
  url: postgres://localhost/survey
auth:
  jwt_secret: s
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "table")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestServiceConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  url: postgres://localhost:5432/survey
auth:
  jwt_secret: top-secret
sync:
  schema_version: 3
  max_push_batch_size: 100
  max_payload_bytes: 4096
  session_idle_timeout: 5m
  tables:
    - name: building_survey
`))
	require.NoError(t, err)

	sc := cfg.ServiceConfig()
	require.Equal(t, 3, sc.SchemaVersion)
	require.Equal(t, 100, sc.MaxPushBatchSize)
	require.Equal(t, 4096, sc.MaxPayloadBytes)
	require.Equal(t, 5*time.Minute, sc.SessionIdleTimeout)
	require.Len(t, sc.Tables, 1)
}
