// Command deskctl is a terminal client for pelusa-desk: it keeps a live
// connection, sends and reads direct messages and views or edits cases.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration stored in ~/.deskctl/config.toml.
type Config struct {
	Server   ConfigServer   `toml:"server"`
	Identity ConfigIdentity `toml:"identity"`
	Auth     ConfigAuth     `toml:"auth"`
}

// ConfigServer locates the server.
type ConfigServer struct {
	URL string `toml:"url"`
}

// ConfigIdentity is who the CLI connects as.
type ConfigIdentity struct {
	ID    string `toml:"id"`
	Name  string `toml:"name"`
	Role  string `toml:"role"`
	Token string `toml:"token"`
}

// ConfigAuth holds what `deskctl token` needs to mint tokens locally.
type ConfigAuth struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

const defaultServerURL = "http://localhost:3000"

// configDir returns the config directory, creating it if needed.
// DESKCTL_HOME overrides ~/.deskctl.
func configDir() (string, error) {
	dir := os.Getenv("DESKCTL_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".deskctl")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields defaults.
func loadConfig() (*Config, error) {
	cfg := &Config{Server: ConfigServer{URL: defaultServerURL}}

	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = defaultServerURL
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a field by section.field key, e.g. identity.id.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. identity.id)")
	}

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "identity":
		switch field {
		case "id":
			cfg.Identity.ID = value
		case "name":
			cfg.Identity.Name = value
		case "role":
			cfg.Identity.Role = value
		case "token":
			cfg.Identity.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	case "auth":
		switch field {
		case "jwt_secret":
			cfg.Auth.JWTSecret = value
		case "issuer":
			cfg.Auth.Issuer = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, identity, auth)", section)
	}
	return nil
}

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "deskctl",
	Short:         "pelusa-desk terminal client",
	Long:          "Chat and follow cases on a pelusa-desk server.\nConfiguration lives in ~/.deskctl/config.toml.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection activity")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
