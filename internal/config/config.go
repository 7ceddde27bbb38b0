package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Backend   BackendConfig   `json:"backend" yaml:"backend"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	ConvLog   ConvLogConfig   `json:"convlog" yaml:"convlog"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	// LogFormat is "console" or "json".
	LogFormat string `json:"logFormat" yaml:"logFormat"`
	// LogFile is optional; when set, output is rotated there.
	LogFile string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
}

// TransportConfig selects the messaging network. Only the section named by
// Kind is read.
type TransportConfig struct {
	Kind       string           `json:"kind" yaml:"kind"` // "whatsapp" | "telegram" | "mattermost"
	WhatsApp   WhatsAppConfig   `json:"whatsapp" yaml:"whatsapp"`
	Telegram   TelegramConfig   `json:"telegram" yaml:"telegram"`
	Mattermost MattermostConfig `json:"mattermost" yaml:"mattermost"`
}

type WhatsAppConfig struct {
	URL        string `json:"url" yaml:"url"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	SessionDir string `json:"sessionDir" yaml:"sessionDir"`
}

type TelegramConfig struct {
	Token       string `json:"token" yaml:"token"`
	APIEndpoint string `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
}

type MattermostConfig struct {
	ServerURL string `json:"serverUrl" yaml:"serverUrl"`
	Token     string `json:"token" yaml:"token"`
	TeamID    string `json:"teamId,omitempty" yaml:"teamId,omitempty"`
}

type BackendConfig struct {
	ChatURL        string `json:"chatUrl" yaml:"chatUrl"`
	ReportURL      string `json:"reportUrl" yaml:"reportUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type RelayConfig struct {
	DownloadDir    string `json:"downloadDir" yaml:"downloadDir"`
	StripEmoji     bool   `json:"stripEmoji" yaml:"stripEmoji"`
	FallbackText   string `json:"fallbackText,omitempty" yaml:"fallbackText,omitempty"`
	FailureText    string `json:"failureText,omitempty" yaml:"failureText,omitempty"`
	ReportCommand  string `json:"reportCommand" yaml:"reportCommand"` // empty disables the command
	ReportCaption  string `json:"reportCaption,omitempty" yaml:"reportCaption,omitempty"`
	ReportFileName string `json:"reportFileName,omitempty" yaml:"reportFileName,omitempty"`
	ReportPDF      bool   `json:"reportPdf" yaml:"reportPdf"`
	ChromePath     string `json:"chromePath,omitempty" yaml:"chromePath,omitempty"`
	// DocumentCaption, when set, is the caption a document needs to be saved.
	DocumentCaption string `json:"documentCaption,omitempty" yaml:"documentCaption,omitempty"`
	NameTemplate    string `json:"nameTemplate" yaml:"nameTemplate"`
	BusSize         int    `json:"busSize" yaml:"busSize"`
}

type ReconnectConfig struct {
	InitialSeconds float64 `json:"initialSeconds" yaml:"initialSeconds"`
	MaxSeconds     float64 `json:"maxSeconds" yaml:"maxSeconds"`
	Multiplier     float64 `json:"multiplier" yaml:"multiplier"`
	Jitter         float64 `json:"jitter" yaml:"jitter"`
	MaxAttempts    int     `json:"maxAttempts" yaml:"maxAttempts"` // 0 = unbounded
}

type ConvLogConfig struct {
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	SQLite     string `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	BufferSize int    `json:"bufferSize" yaml:"bufferSize"`
}

type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Transport.WhatsApp.SessionDir = ExpandPath(cfg.Transport.WhatsApp.SessionDir)
	cfg.Relay.DownloadDir = ExpandPath(cfg.Relay.DownloadDir)
	cfg.ConvLog.File = ExpandPath(cfg.ConvLog.File)
	cfg.ConvLog.SQLite = ExpandPath(cfg.ConvLog.SQLite)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// ApplyEnvOverrides lets CHATRELAY_* variables win over the file.
func ApplyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"CHATRELAY_BACKEND_CHAT_URL":   &cfg.Backend.ChatURL,
		"CHATRELAY_BACKEND_REPORT_URL": &cfg.Backend.ReportURL,
		"CHATRELAY_TRANSPORT_KIND":     &cfg.Transport.Kind,
		"CHATRELAY_WHATSAPP_URL":       &cfg.Transport.WhatsApp.URL,
		"CHATRELAY_WHATSAPP_TOKEN":     &cfg.Transport.WhatsApp.Token,
		"CHATRELAY_TELEGRAM_TOKEN":     &cfg.Transport.Telegram.Token,
		"CHATRELAY_MATTERMOST_URL":     &cfg.Transport.Mattermost.ServerURL,
		"CHATRELAY_MATTERMOST_TOKEN":   &cfg.Transport.Mattermost.Token,
		"CHATRELAY_LOG_LEVEL":          &cfg.General.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("CHATRELAY_SERVER_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATRELAY_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	return nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live in here.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: trace, debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: console, json")
	}

	switch cfg.Transport.Kind {
	case "whatsapp":
		if cfg.Transport.WhatsApp.URL == "" {
			errs = append(errs, "transport.whatsapp.url is required")
		}
		if cfg.Transport.WhatsApp.SessionDir == "" {
			errs = append(errs, "transport.whatsapp.sessionDir is required")
		}
	case "telegram":
		if cfg.Transport.Telegram.Token == "" {
			errs = append(errs, "transport.telegram.token is required")
		}
	case "mattermost":
		if cfg.Transport.Mattermost.ServerURL == "" {
			errs = append(errs, "transport.mattermost.serverUrl is required")
		}
		if cfg.Transport.Mattermost.Token == "" {
			errs = append(errs, "transport.mattermost.token is required")
		}
	default:
		errs = append(errs, "transport.kind must be one of: whatsapp, telegram, mattermost")
	}

	if cfg.Backend.ChatURL == "" {
		errs = append(errs, "backend.chatUrl is required")
	}
	if cfg.Relay.ReportCommand != "" && cfg.Backend.ReportURL == "" {
		errs = append(errs, "backend.reportUrl is required when relay.reportCommand is set")
	}
	if cfg.Backend.TimeoutSeconds < 1 || cfg.Backend.TimeoutSeconds > 600 {
		errs = append(errs, "backend.timeoutSeconds must be between 1 and 600")
	}

	if cfg.Relay.DownloadDir == "" {
		errs = append(errs, "relay.downloadDir is required")
	}
	if cfg.Relay.BusSize < 1 {
		errs = append(errs, "relay.busSize must be >= 1")
	}

	if cfg.Reconnect.InitialSeconds <= 0 {
		errs = append(errs, "reconnect.initialSeconds must be > 0")
	}
	if cfg.Reconnect.MaxSeconds < cfg.Reconnect.InitialSeconds {
		errs = append(errs, "reconnect.maxSeconds must be >= reconnect.initialSeconds")
	}
	if cfg.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be >= 1")
	}
	if cfg.Reconnect.Jitter < 0 || cfg.Reconnect.Jitter >= 1 {
		errs = append(errs, "reconnect.jitter must be in [0, 1)")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect.maxAttempts must be >= 0")
	}

	if cfg.ConvLog.File == "" && cfg.ConvLog.SQLite == "" {
		errs = append(errs, "convlog needs at least one of: file, sqlite")
	}
	if cfg.ConvLog.BufferSize < 1 {
		errs = append(errs, "convlog.bufferSize must be >= 1")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
