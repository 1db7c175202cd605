package configuration

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/camelot/whoicd/src/icd10"
	"github.com/camelot/whoicd/src/icd11"
	"github.com/camelot/whoicd/src/icdapi"
	"github.com/camelot/whoicd/src/telemetry"
	"github.com/camelot/whoicd/src/token"
)

// Environment variables holding the WHO API client credentials.
const (
	EnvClientID     = "WHO_CLIENT_ID"
	EnvClientSecret = "WHO_CLIENT_SECRET"
)

// DefaultLogLevel is the log level used when none is configured.
const DefaultLogLevel = "warn"

// Configuration is the main configuration of the application that corresponds to the *.yaml file
// that holds the configuration.
type Configuration struct {
	Token     token.Config     `yaml:"token"`
	Icd10     icd10.Config     `yaml:"icd10"`
	Icd11     icd11.Config     `yaml:"icd11"`
	Gateway   icdapi.Config    `yaml:"gateway"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	LogLevel  string           `yaml:"log_level"` // one of debug, info, warn, error, fatal; DefaultLogLevel when empty
}

// Read reads the configuration from the file and returns the Configuration with set fields according to the yaml setup.
func Read(path string) (Configuration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}

	var main Configuration
	err = yaml.Unmarshal(buf, &main)
	if err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	return main, err
}

// LoadEnv loads the given .env files into the process environment without overriding variables already set.
// With no files the .env file of the working directory is loaded if it exists.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
	}
	return godotenv.Load(files...)
}

// ApplyEnv overrides the client credentials with the WHO_CLIENT_ID and WHO_CLIENT_SECRET environment variables when set.
func (c *Configuration) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvClientID); ok && v != "" {
		c.Token.ClientID = v
	}
	if v, ok := os.LookupEnv(EnvClientSecret); ok && v != "" {
		c.Token.ClientSecret = v
	}
}

// Level returns the configured log level or DefaultLogLevel.
func (c Configuration) Level() string {
	if c.LogLevel == "" {
		return DefaultLogLevel
	}
	return c.LogLevel
}
