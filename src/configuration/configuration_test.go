package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

const fullConfig = `
token:
  client_id: "id-from-file"
  client_secret: "secret-from-file"
  timeout: 5s
  track_expiry: true
  leeway: 1m
icd10:
  timeout: 3s
icd11:
  api_version: "v2"
  language: "es"
  timeout: 4s
gateway:
  port: 8080
telemetry:
  port: 2113
log_level: "debug"
`

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRead(t *testing.T) {
	cfg, err := Read(write(t, "config.yaml", fullConfig))
	assert.NilError(t, err)

	assert.Equal(t, cfg.Token.ClientID, "id-from-file")
	assert.Equal(t, cfg.Token.ClientSecret, "secret-from-file")
	assert.Equal(t, cfg.Token.Timeout, time.Second*5)
	assert.Equal(t, cfg.Token.TrackExpiry, true)
	assert.Equal(t, cfg.Token.Leeway, time.Minute)
	assert.Equal(t, cfg.Icd10.Timeout, time.Second*3)
	assert.Equal(t, cfg.Icd11.APIVersion, "v2")
	assert.Equal(t, cfg.Icd11.Language, "es")
	assert.Equal(t, cfg.Icd11.Timeout, time.Second*4)
	assert.Equal(t, cfg.Gateway.Port, 8080)
	assert.Equal(t, cfg.Telemetry.Port, 2113)
	assert.Equal(t, cfg.LogLevel, "debug")
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestReadMalformedFile(t *testing.T) {
	path := write(t, "config.yaml", "token: [")
	_, err := Read(path)
	assert.ErrorContains(t, err, path)
}

func TestApplyEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvClientID, "id-from-env")
	t.Setenv(EnvClientSecret, "secret-from-env")

	cfg, err := Read(write(t, "config.yaml", fullConfig))
	assert.NilError(t, err)
	cfg.ApplyEnv()

	assert.Equal(t, cfg.Token.ClientID, "id-from-env")
	assert.Equal(t, cfg.Token.ClientSecret, "secret-from-env")
}

func TestApplyEnvKeepsFileValuesWhenUnset(t *testing.T) {
	t.Setenv(EnvClientID, "")
	t.Setenv(EnvClientSecret, "")

	cfg, err := Read(write(t, "config.yaml", fullConfig))
	assert.NilError(t, err)
	cfg.ApplyEnv()

	assert.Equal(t, cfg.Token.ClientID, "id-from-file")
	assert.Equal(t, cfg.Token.ClientSecret, "secret-from-file")
}

func TestLoadEnv(t *testing.T) {
	t.Setenv(EnvClientID, "")
	os.Unsetenv(EnvClientID)
	t.Setenv(EnvClientSecret, "already-set")

	path := write(t, "test.env", "WHO_CLIENT_ID=id-from-dotenv\nWHO_CLIENT_SECRET=secret-from-dotenv\n")
	assert.NilError(t, LoadEnv(path))

	var cfg Configuration
	cfg.ApplyEnv()
	assert.Equal(t, cfg.Token.ClientID, "id-from-dotenv")
	assert.Equal(t, cfg.Token.ClientSecret, "already-set")
}

func TestLoadEnvMissingFile(t *testing.T) {
	assert.Assert(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")) != nil)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, Configuration{}.Level(), DefaultLogLevel)
	assert.Equal(t, Configuration{LogLevel: "debug"}.Level(), "debug")

	cfg, err := Read(write(t, "config.yaml", "token:\n  client_id: \"id\"\n"))
	assert.NilError(t, err)
	assert.Equal(t, cfg.Level(), "warn")
}
