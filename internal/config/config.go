package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

type Config struct {
	APIBaseURL         string
	WSEndpoint         string
	LogLevel           string
	ConfigDir          string
	DBPath             string
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	RequestTimeout     time.Duration
	DevBackendAddr     string
}

// FileConfig is the on-disk shape of config.toml. Zero values mean "not set".
type FileConfig struct {
	APIBaseURL     string          `toml:"api_base_url,omitempty"`
	WSEndpoint     string          `toml:"ws_endpoint,omitempty"`
	LogLevel       string          `toml:"log_level,omitempty"`
	DBPath         string          `toml:"db_path,omitempty"`
	RequestTimeout string          `toml:"request_timeout,omitempty"`
	DevBackendAddr string          `toml:"dev_backend_addr,omitempty"`
	Reconnect      ReconnectConfig `toml:"reconnect,omitempty"`
}

type ReconnectConfig struct {
	Attempts  int    `toml:"attempts,omitempty"`
	BaseDelay string `toml:"base_delay,omitempty"`
	MaxDelay  string `toml:"max_delay,omitempty"`
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

// LoadConfig layers defaults, config.toml, a .env file and FLOWWATCH_*
// variables, later layers winning. Malformed files are reported and skipped.
func LoadConfig() (Config, error) {
	cfg, err := load()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg, err
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg, _ := load()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func load() (Config, error) {
	var errs []error
	dotenv, err := readDotenv()
	if err != nil {
		errs = append(errs, err)
	}
	env := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(dotenv[key])
	}

	dir := env("FLOWWATCH_CONFIG_DIR")
	if dir == "" {
		dir = defaultConfigDir()
	}
	file, err := ReadFile(filepath.Join(dir, configTOMLFileName))
	if err != nil {
		errs = append(errs, err)
	}

	cfg := Config{
		APIBaseURL:         "http://127.0.0.1:8787/api",
		LogLevel:           "info",
		ConfigDir:          dir,
		DBPath:             filepath.Join(dir, "flowwatch.db"),
		ReconnectAttempts:  5,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		RequestTimeout:     30 * time.Second,
		DevBackendAddr:     "127.0.0.1:8787",
	}
	applyFile(&cfg, file)

	cfg.APIBaseURL = firstNonEmpty(env("FLOWWATCH_API_BASE_URL"), cfg.APIBaseURL)
	cfg.WSEndpoint = firstNonEmpty(env("FLOWWATCH_WS_ENDPOINT"), cfg.WSEndpoint)
	cfg.LogLevel = firstNonEmpty(env("FLOWWATCH_LOG_LEVEL"), cfg.LogLevel)
	cfg.DBPath = firstNonEmpty(env("FLOWWATCH_DB_PATH"), cfg.DBPath)
	cfg.DevBackendAddr = firstNonEmpty(env("FLOWWATCH_DEV_BACKEND_ADDR"), cfg.DevBackendAddr)
	cfg.ReconnectAttempts = atoiOrDefault(env("FLOWWATCH_RECONNECT_ATTEMPTS"), cfg.ReconnectAttempts)
	cfg.ReconnectBaseDelay = durationOrDefault(env("FLOWWATCH_RECONNECT_BASE_DELAY"), cfg.ReconnectBaseDelay)
	cfg.ReconnectMaxDelay = durationOrDefault(env("FLOWWATCH_RECONNECT_MAX_DELAY"), cfg.ReconnectMaxDelay)
	cfg.RequestTimeout = durationOrDefault(env("FLOWWATCH_REQUEST_TIMEOUT"), cfg.RequestTimeout)

	if cfg.WSEndpoint == "" {
		cfg.WSEndpoint = DeriveWSEndpoint(cfg.APIBaseURL)
	}
	return cfg, errors.Join(errs...)
}

func applyFile(cfg *Config, f FileConfig) {
	cfg.APIBaseURL = firstNonEmpty(f.APIBaseURL, cfg.APIBaseURL)
	cfg.WSEndpoint = firstNonEmpty(f.WSEndpoint, cfg.WSEndpoint)
	cfg.LogLevel = firstNonEmpty(f.LogLevel, cfg.LogLevel)
	cfg.DBPath = firstNonEmpty(f.DBPath, cfg.DBPath)
	cfg.DevBackendAddr = firstNonEmpty(f.DevBackendAddr, cfg.DevBackendAddr)
	cfg.RequestTimeout = durationOrDefault(f.RequestTimeout, cfg.RequestTimeout)
	if f.Reconnect.Attempts > 0 {
		cfg.ReconnectAttempts = f.Reconnect.Attempts
	}
	cfg.ReconnectBaseDelay = durationOrDefault(f.Reconnect.BaseDelay, cfg.ReconnectBaseDelay)
	cfg.ReconnectMaxDelay = durationOrDefault(f.Reconnect.MaxDelay, cfg.ReconnectMaxDelay)
}

// ReadFile returns the zero FileConfig when path does not exist.
func ReadFile(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, nil
		}
		return FileConfig{}, err
	}
	var f FileConfig
	if err := toml.Unmarshal(b, &f); err != nil {
		return FileConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func WriteFile(path string, f FileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := toml.Marshal(f)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readDotenv() (map[string]string, error) {
	path := strings.TrimSpace(os.Getenv("FLOWWATCH_ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return map[string]string{}, fmt.Errorf("read %s: %w", path, err)
	}
	return vals, nil
}

// DeriveWSEndpoint maps http(s)://host/base to ws(s)://host/base/ws.
func DeriveWSEndpoint(apiBaseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(apiBaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return ""
	}
	return base + "/ws"
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "flowwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".flowwatch")
	}
	return filepath.Join(home, ".config", "flowwatch")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func atoiOrDefault(v string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationOrDefault(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
