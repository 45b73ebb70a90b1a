package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

type hostConfig struct {
	Listen           string
	ServerURL        string
	JWTSecret        string
	Theme            string
	DisplayModes     []mcp.DisplayMode
	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	TeardownTimeout  time.Duration
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		Listen:           "127.0.0.1:8080",
		ServerURL:        "http://localhost:3001/mcp",
		Theme:            mcp.ThemeLight,
		DisplayModes:     []mcp.DisplayMode{mcp.DisplayModeInline, mcp.DisplayModeFullscreen},
		HandshakeTimeout: 10 * time.Second,
		TeardownTimeout:  5 * time.Second,
	}
}

type fileConfig struct {
	Listen           string   `toml:"listen"`
	ServerURL        string   `toml:"server_url"`
	JWTSecret        string   `toml:"jwt_secret"`
	Theme            string   `toml:"theme"`
	DisplayModes     []string `toml:"display_modes"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	TeardownTimeout  string   `toml:"teardown_timeout"`
}

// envConfig has no defaults so unset variables leave file values alone.
type envConfig struct {
	Listen    string `env:"HOST_LISTEN"`
	ServerURL string `env:"MCP_SERVER_URL"`
	JWTSecret string `env:"COUNTER_JWT_SECRET"`
	Theme     string `env:"HOST_THEME"`
}

// loadHostConfig layers defaults, the optional TOML file at path and the
// environment, later sources winning.
func loadHostConfig(path string) (hostConfig, error) {
	cfg := defaultHostConfig()

	if path != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return hostConfig{}, fmt.Errorf("load host config: %w", err)
		}
		if meta.IsDefined("listen") {
			cfg.Listen = strings.TrimSpace(raw.Listen)
		}
		if meta.IsDefined("server_url") {
			cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
		}
		if meta.IsDefined("jwt_secret") {
			cfg.JWTSecret = raw.JWTSecret
		}
		if meta.IsDefined("theme") {
			cfg.Theme = strings.TrimSpace(raw.Theme)
		}
		if meta.IsDefined("display_modes") {
			cfg.DisplayModes = cfg.DisplayModes[:0]
			for _, m := range raw.DisplayModes {
				cfg.DisplayModes = append(cfg.DisplayModes, mcp.DisplayMode(strings.TrimSpace(m)))
			}
		}
		if meta.IsDefined("allowed_origins") {
			for _, o := range raw.AllowedOrigins {
				if o = strings.TrimSpace(o); o != "" {
					cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
				}
			}
		}
		if meta.IsDefined("handshake_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
			if err != nil {
				return hostConfig{}, fmt.Errorf("parse handshake_timeout: %w", err)
			}
			cfg.HandshakeTimeout = d
		}
		if meta.IsDefined("teardown_timeout") {
			d, err := time.ParseDuration(strings.TrimSpace(raw.TeardownTimeout))
			if err != nil {
				return hostConfig{}, fmt.Errorf("parse teardown_timeout: %w", err)
			}
			cfg.TeardownTimeout = d
		}
	}

	var env envConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return hostConfig{}, fmt.Errorf("decode env: %w", err)
	}
	if env.Listen != "" {
		cfg.Listen = env.Listen
	}
	if env.ServerURL != "" {
		cfg.ServerURL = env.ServerURL
	}
	if env.JWTSecret != "" {
		cfg.JWTSecret = env.JWTSecret
	}
	if env.Theme != "" {
		cfg.Theme = env.Theme
	}

	if cfg.Theme != mcp.ThemeLight && cfg.Theme != mcp.ThemeDark {
		return hostConfig{}, fmt.Errorf("theme must be %q or %q, got %q", mcp.ThemeLight, mcp.ThemeDark, cfg.Theme)
	}
	if len(cfg.DisplayModes) == 0 {
		return hostConfig{}, errors.New("display_modes must not be empty")
	}
	return cfg, nil
}

func (c hostConfig) hostContext() mcp.HostContext {
	return mcp.HostContext{
		Theme:                 c.Theme,
		DisplayMode:           c.DisplayModes[0],
		AvailableDisplayModes: c.DisplayModes,
	}
}
