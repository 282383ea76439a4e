package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns in a string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		varName := submatch[1]
		defaultVal := ""
		if len(submatch) >= 3 {
			defaultVal = submatch[2]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return defaultVal
	})
}

// LoadFile reads a YAML file, expands env vars, and unmarshals into dest.
func LoadFile(path string, dest interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), dest); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Loader reads gateway.yaml and providers.yaml from a config directory once.
// The provider table it yields is frozen in a Store; there is no reload.
type Loader struct {
	configDir string
	cfg       *Config
	store     *Store
	logger    *slog.Logger
}

func NewLoader(configDir string, logger *slog.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// LoadGateway reads gateway.yaml from configDir over DefaultConfig. A missing
// file yields the defaults; found reports whether it existed.
func LoadGateway(configDir string) (cfg *Config, found bool, err error) {
	cfg = DefaultConfig()
	gatewayPath := filepath.Join(configDir, "gateway.yaml")
	if _, statErr := os.Stat(gatewayPath); statErr != nil {
		return cfg, false, nil
	}
	if err := LoadFile(gatewayPath, cfg); err != nil {
		return nil, true, fmt.Errorf("load gateway config: %w", err)
	}
	return cfg, true, nil
}

func (l *Loader) Load() error {
	cfg, found, err := LoadGateway(l.configDir)
	if err != nil {
		return err
	}
	if !found {
		l.logger.Warn("gateway.yaml not found, using defaults", "dir", l.configDir)
	}

	providers := &ProvidersConfig{}
	if err := LoadFile(filepath.Join(l.configDir, "providers.yaml"), providers); err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}

	store, err := NewStore(providers)
	if err != nil {
		return fmt.Errorf("load providers config: %w", err)
	}

	l.cfg = cfg
	l.store = store

	l.logger.Info("configuration loaded",
		"dir", l.configDir,
		"providers", len(store.providers),
		"premium_models", len(store.premium),
	)
	return nil
}

func (l *Loader) Config() *Config {
	return l.cfg
}

func (l *Loader) Store() *Store {
	return l.store
}
