package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/lovenote/lovenote/pkg/lovenote/store"
)

// EnvGatewayToken overrides gateway.auth_token.
const EnvGatewayToken = "LOVENOTE_GATEWAY_TOKEN"

// Keyring coordinates.
const (
	KeyringService    = "lovenote"
	KeyGatewayToken   = "gateway_token"
	keyringProbeEntry = "__lovenote_probe__"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and bare
// $VAR. Groups: 1 name, 2 modifier, 3 modifier value, 4 bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads path (or the first standard location when path is empty),
// after loading .env files, expanding environment references and overlaying
// the result onto the defaults. A missing file with an empty path yields
// the defaults. The result is validated.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, err
		}
		resolveRelativePaths(cfg, path)
		checkFilePermissions(path)
	}

	resolveSecrets(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse expands environment references in data and overlays the YAML onto
// the defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile returns the first existing standard config path, or "".
func FindConfigFile() string {
	for _, p := range []string{"lovenote.yaml", "lovenote.yml", "config.yaml", "configs/lovenote.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnv substitutes environment references. Unset plain references are
// left in place; an unset ${VAR:?message} is an error.
func expandEnv(input string) (string, error) {
	var missing []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, fmt.Errorf("%s: %s", name, value))
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %w", errors.Join(missing...))
	}
	return out, nil
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// resolveSecrets fills the gateway token from the environment, then the OS
// keyring, when the file leaves it empty or unexpanded.
func resolveSecrets(cfg *Config) {
	if cfg.Gateway.AuthToken != "" && !IsEnvReference(cfg.Gateway.AuthToken) {
		return
	}
	if v := os.Getenv(EnvGatewayToken); v != "" {
		cfg.Gateway.AuthToken = v
		return
	}
	if v := GetSecret(KeyGatewayToken); v != "" {
		cfg.Gateway.AuthToken = v
		return
	}
	if IsEnvReference(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = ""
	}
}

// resolveRelativePaths anchors relative storage paths at the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.WhatsApp.SessionDir = resolvePath(cfg.WhatsApp.SessionDir, dir)
	if cfg.Database.Driver == store.DriverSQLite && !strings.Contains(cfg.Database.DSN, "?") {
		cfg.Database.DSN = resolvePath(cfg.Database.DSN, dir)
	}
}

func resolvePath(path, dir string) string {
	if path == "" {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, rest)
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}

// StoreSecret saves a secret in the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(KeyringService, key, value)
}

// GetSecret reads a secret from the OS keyring, or "" if absent or the
// keyring is unavailable.
func GetSecret(key string) string {
	v, err := keyring.Get(KeyringService, key)
	if err != nil {
		return ""
	}
	return v
}

// DeleteSecret removes a secret from the OS keyring.
func DeleteSecret(key string) error {
	err := keyring.Delete(KeyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// KeyringAvailable checks that the OS keyring accepts writes.
func KeyringAvailable() bool {
	if err := keyring.Set(KeyringService, keyringProbeEntry, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(KeyringService, keyringProbeEntry)
	return true
}
