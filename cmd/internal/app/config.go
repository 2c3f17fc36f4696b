package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"relay/cmd/internal/presence"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Precedence: built-in defaults, then the YAML file named by RELAY_CONFIG_FILE,
// then RELAY_* environment variables (a .env file in the working directory is
// loaded into the environment first).
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	StalenessWindow   time.Duration `yaml:"staleness_window"`
	SessionPurgeAfter time.Duration `yaml:"session_purge_after"`

	ProfileBaseURL      string        `yaml:"profile_base_url"`
	ProfileTimeout      time.Duration `yaml:"profile_timeout"`
	ProfileServiceToken string        `yaml:"profile_service_token"`

	// Profiles seeds a static directory when ProfileBaseURL is empty (local development).
	Profiles []ProfileSeed `yaml:"profiles"`

	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	WSOriginRequired  bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins  []string      `yaml:"ws_allowed_origins"`
	WSSendQueue       int           `yaml:"ws_send_queue"`
	WSHeartbeat       time.Duration `yaml:"ws_heartbeat"`
	WSReadIdleTimeout time.Duration `yaml:"ws_read_idle_timeout"`
	WSRateEvents      int           `yaml:"ws_rate_events"`
	WSRateWindow      time.Duration `yaml:"ws_rate_window"`
	WSInsecureOrigins bool          `yaml:"ws_insecure_origins"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// ProfileSeed is one entry of the static profile directory.
type ProfileSeed struct {
	UserID    string `yaml:"user_id"`
	Username  string `yaml:"username"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Avatar    string `yaml:"avatar"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBSchema:   "relay",

		StalenessWindow:   presence.DefaultStalenessWindow,
		SessionPurgeAfter: 24 * time.Hour,

		ProfileTimeout: 2 * time.Second,

		WSOriginRequired:  true,
		WSAllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		WSSendQueue:       256,
		WSHeartbeat:       25 * time.Second,
		WSReadIdleTimeout: 2 * time.Minute,
		WSRateEvents:      120,
		WSRateWindow:      10 * time.Second,

		MetricsEnabled: true,
	}
}

// LoadConfig builds Config from defaults, the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := EnvString("RELAY_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg = applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c Config) Config {
	c.HTTPAddr = EnvString("RELAY_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = EnvString("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvString("RELAY_LOG_FORMAT", c.LogFormat)

	c.ReadHeaderTimeout = EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", c.ReadHeaderTimeout)
	c.ReadTimeout = EnvDuration("RELAY_HTTP_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", c.IdleTimeout)
	c.MaxHeaderBytes = EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", c.MaxHeaderBytes)

	c.DatabaseURL = EnvString("RELAY_DATABASE_URL", c.DatabaseURL)
	c.DBMaxConns = EnvInt32("RELAY_DB_MAX_CONNS", c.DBMaxConns)
	c.DBMinConns = EnvInt32("RELAY_DB_MIN_CONNS", c.DBMinConns)
	c.DBSchema = EnvString("RELAY_DB_SCHEMA", c.DBSchema)
	c.ReadinessRequireDB = EnvBool("RELAY_READINESS_REQUIRE_DB", c.ReadinessRequireDB)

	c.StalenessWindow = EnvDuration("RELAY_STALENESS_WINDOW", c.StalenessWindow)
	c.SessionPurgeAfter = EnvDuration("RELAY_SESSION_PURGE_AFTER", c.SessionPurgeAfter)

	c.ProfileBaseURL = EnvString("RELAY_PROFILE_BASE_URL", c.ProfileBaseURL)
	c.ProfileTimeout = EnvDuration("RELAY_PROFILE_TIMEOUT", c.ProfileTimeout)
	c.ProfileServiceToken = EnvString("RELAY_PROFILE_SERVICE_TOKEN", c.ProfileServiceToken)

	c.JWTSecret = EnvString("RELAY_JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = EnvString("RELAY_JWT_ISSUER", c.JWTIssuer)

	c.WSOriginRequired = EnvBool("RELAY_WS_ORIGIN_REQUIRED", c.WSOriginRequired)
	c.WSAllowedOrigins = EnvCSV("RELAY_WS_ALLOWED_ORIGINS", c.WSAllowedOrigins)
	c.WSSendQueue = EnvInt("RELAY_WS_SEND_QUEUE", c.WSSendQueue)
	c.WSHeartbeat = EnvDuration("RELAY_WS_HEARTBEAT_INTERVAL", c.WSHeartbeat)
	c.WSReadIdleTimeout = EnvDuration("RELAY_WS_READ_IDLE_TIMEOUT", c.WSReadIdleTimeout)
	c.WSRateEvents = EnvInt("RELAY_WS_RATE_EVENTS", c.WSRateEvents)
	c.WSRateWindow = EnvDuration("RELAY_WS_RATE_WINDOW", c.WSRateWindow)
	c.WSInsecureOrigins = EnvBool("RELAY_WS_DEV_INSECURE", c.WSInsecureOrigins)

	c.MetricsEnabled = EnvBool("RELAY_METRICS_ENABLED", c.MetricsEnabled)
	return c
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("RELAY_JWT_SECRET must be at least 32 bytes"))
	}
	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (json, text, pretty)", c.LogFormat))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("RELAY_READINESS_REQUIRE_DB is set but RELAY_DATABASE_URL is empty"))
	}
	return errors.Join(errs...)
}
