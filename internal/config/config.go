// Package config resolves node identity and coordination settings.
//
// Every setting is looked up with the same precedence: an explicit override
// property (command line), the process environment, the parsed config file,
// and finally the built-in default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Built-in defaults.
const (
	DefaultGroupID           = "default"
	DefaultHeartbeatInterval = 5000 * time.Millisecond
	DefaultHeartbeatMaxRetry = 3
	DefaultEventPollInterval = 1000 * time.Millisecond
	DefaultDatabaseDSN       = "sqlite3://./coordination.db"
	DefaultHTTPPort          = 9090
)

// Config holds all configuration for a coordinating node.
type Config struct {
	Cluster  ClusterConfig
	Database DatabaseConfig
	HTTP     HTTPConfig
	Logging  LoggingConfig

	// Warnings lists settings that could not be parsed and fell back to defaults.
	Warnings []string
	// FilePath is the config file the values were read from, if any.
	FilePath string
}

// ClusterConfig contains node identity and liveness settings.
type ClusterConfig struct {
	NodeID            string        `validate:"required"`
	GroupID           string        `validate:"required"`
	HeartbeatInterval time.Duration `validate:"gt=0"`
	HeartbeatMaxRetry int           `validate:"min=1"`
	EventPollInterval time.Duration `validate:"gt=0"`

	// MaxDBReadTimeOverride replaces the derived MaxDBReadTime when positive.
	MaxDBReadTimeOverride time.Duration `validate:"gte=0"`
}

// DatabaseConfig contains the shared database settings.
type DatabaseConfig struct {
	DSN    string `validate:"required"`
	Driver string `validate:"oneof=postgres sqlite"` // auto-detected from DSN
}

// HTTPConfig contains the admin HTTP settings.
type HTTPConfig struct {
	Port        int `validate:"min=0,max=65535"` // 0 disables the admin server
	CORSOrigins []string
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
	File   string
}

// HeartbeatMaxRetryInterval is the heartbeat age at which a node or coordinator is dead.
func (c ClusterConfig) HeartbeatMaxRetryInterval() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMaxRetry)
}

// HeartbeatWarningMargin is how late a heartbeat may run before a slow-database warning.
func (c ClusterConfig) HeartbeatWarningMargin() time.Duration {
	return c.HeartbeatMaxRetryInterval() * 3 / 4
}

// MaxDBReadTime bounds a single database call made by the coordination loops.
// A full heartbeat makes up to ten calls, so each gets a tenth of the warning margin.
func (c ClusterConfig) MaxDBReadTime() time.Duration {
	if c.MaxDBReadTimeOverride > 0 {
		return c.MaxDBReadTimeOverride
	}
	return c.HeartbeatWarningMargin() / 10
}

// InactiveIntervalAfterUnresponsive is how long the election loop backs off after a failed
// iteration, giving other nodes time to take over the coordinator role.
func (c ClusterConfig) InactiveIntervalAfterUnresponsive() time.Duration {
	return c.HeartbeatMaxRetryInterval() * 2
}

// Sources describes where settings are read from.
type Sources struct {
	// Overrides take precedence over everything else (e.g. -D key=value flags).
	Overrides map[string]string
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// FilePath is an optional YAML or TOML file. A missing file is not an error.
	FilePath string
}

type setting struct {
	property string
	env      string
}

var (
	keyNodeID            = setting{"cluster.node_id", "NODE_ID"}
	keyGroupID           = setting{"cluster.group_id", "GROUP_ID"}
	keyHeartbeatInterval = setting{"cluster.heartbeat_interval", "HEARTBEAT_INTERVAL"}
	keyHeartbeatMaxRetry = setting{"cluster.heartbeat_max_retry", "HEARTBEAT_MAX_RETRY"}
	keyEventPollInterval = setting{"cluster.event_poll_interval", "EVENT_POLL_INTERVAL"}
	keyMaxDBReadTime     = setting{"cluster.max_db_read_time", "MAX_DB_READ_TIME"}
	keyDatabaseDSN       = setting{"database.dsn", "DATABASE_DSN"}
	keyHTTPPort          = setting{"http.port", "HTTP_PORT"}
	keyCORSOrigins       = setting{"http.cors_origins", "CORS_ORIGINS"}
	keyLogLevel          = setting{"logging.level", "LOG_LEVEL"}
	keyLogFormat         = setting{"logging.format", "LOG_FORMAT"}
	keyLogFile           = setting{"logging.file", "LOG_FILE"}
)

// Load resolves the configuration from the given sources and validates it.
func Load(src Sources) (*Config, error) {
	r := &resolver{src: src}
	if r.src.LookupEnv == nil {
		r.src.LookupEnv = os.LookupEnv
	}

	cfg := &Config{}
	if src.FilePath != "" {
		file, err := readFile(src.FilePath)
		switch {
		case err == nil:
			r.file = file
			cfg.FilePath = src.FilePath
		case os.IsNotExist(err):
			// defaults and environment only
		default:
			return nil, err
		}
	}

	cfg.Cluster.NodeID = r.str(keyNodeID, "")
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = uuid.New().String()
	}
	cfg.Cluster.GroupID = r.str(keyGroupID, DefaultGroupID)
	cfg.Cluster.HeartbeatInterval = r.millis(keyHeartbeatInterval, DefaultHeartbeatInterval)
	cfg.Cluster.HeartbeatMaxRetry = r.int(keyHeartbeatMaxRetry, DefaultHeartbeatMaxRetry)
	cfg.Cluster.EventPollInterval = r.millis(keyEventPollInterval, DefaultEventPollInterval)
	cfg.Cluster.MaxDBReadTimeOverride = r.millis(keyMaxDBReadTime, 0)

	cfg.Database.DSN = r.str(keyDatabaseDSN, DefaultDatabaseDSN)
	cfg.Database.Driver = detectDriver(cfg.Database.DSN)

	cfg.HTTP.Port = r.int(keyHTTPPort, DefaultHTTPPort)
	cfg.HTTP.CORSOrigins = r.list(keyCORSOrigins, []string{"*"})

	cfg.Logging.Level = strings.ToLower(r.str(keyLogLevel, "info"))
	cfg.Logging.Format = strings.ToLower(r.str(keyLogFormat, "text"))
	cfg.Logging.File = r.str(keyLogFile, "")

	cfg.Warnings = r.warnings

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Cluster.HeartbeatMaxRetry < 1 {
		return fmt.Errorf("heartbeat max retry should be larger than 0, got %d", c.Cluster.HeartbeatMaxRetry)
	}
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			fe := errs[0]
			return fmt.Errorf("invalid %s: %v does not satisfy %q", fe.Namespace(), fe.Value(), fe.ActualTag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// CleanDSN removes the driver prefix from the DSN for the database driver.
func (c *Config) CleanDSN() string {
	dsn := c.Database.DSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	if c.Database.Driver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || strings.HasPrefix(dsn, ":memory:") {
		return "sqlite"
	}
	return "postgres"
}

type resolver struct {
	src      Sources
	file     map[string]string
	warnings []string
}

func (r *resolver) lookup(s setting) (string, bool) {
	if v, ok := r.src.Overrides[s.property]; ok && v != "" {
		return v, true
	}
	if v, ok := r.src.LookupEnv(s.env); ok && v != "" {
		return v, true
	}
	if v, ok := r.file[s.property]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (r *resolver) str(s setting, def string) string {
	if v, ok := r.lookup(s); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *resolver) int(s setting, def int) int {
	v, ok := r.lookup(s)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.warnf("%s: %q is not a number, using default %d", s.property, v, def)
		return def
	}
	return i
}

// millis accepts a bare integer (milliseconds) or a Go duration string.
func (r *resolver) millis(s setting, def time.Duration) time.Duration {
	v, ok := r.lookup(s)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	r.warnf("%s: %q is not a duration, using default %s", s.property, v, def)
	return def
}

func (r *resolver) list(s setting, def []string) []string {
	v, ok := r.lookup(s)
	if !ok {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (r *resolver) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}
