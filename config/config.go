package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the query engine
type Config struct {
	General       GeneralConfig       `mapstructure:"general"`
	Server        ServerConfig        `mapstructure:"server"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Clarification ClarificationConfig `mapstructure:"clarification"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Query         QueryConfig         `mapstructure:"query"`
	Vocabulary    VocabularyConfig    `mapstructure:"vocabulary"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Audit         AuditConfig         `mapstructure:"audit"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	RoleClaim string `mapstructure:"role_claim"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// ResolverConfig tunes fuzzy entity resolution.
type ResolverConfig struct {
	AcceptThreshold    float64 `mapstructure:"accept_threshold"`
	AmbiguousFloor     float64 `mapstructure:"ambiguous_floor"`
	AmbiguityMargin    float64 `mapstructure:"ambiguity_margin"`
	MaxOptions         int     `mapstructure:"max_options"`
	ShortlistThreshold int     `mapstructure:"shortlist_threshold"`
	ShortlistSize      int     `mapstructure:"shortlist_size"`
}

func (r ResolverConfig) Validate() error {
	if r.AmbiguousFloor <= 0 || r.AmbiguousFloor >= 1 {
		return fmt.Errorf("resolver.ambiguous_floor must be in (0,1)")
	}
	if r.AcceptThreshold <= r.AmbiguousFloor || r.AcceptThreshold > 1 {
		return fmt.Errorf("resolver.accept_threshold must be in (ambiguous_floor,1]")
	}
	if r.AmbiguityMargin < 0 {
		return fmt.Errorf("resolver.ambiguity_margin cannot be negative")
	}
	if r.MaxOptions < 2 {
		return fmt.Errorf("resolver.max_options must be at least 2")
	}
	return nil
}

// ClarificationConfig controls pending clarification sessions.
type ClarificationConfig struct {
	Store         string        `mapstructure:"store"` // memory or redis
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Normalize applies defaults for unset clarification values.
func (c ClarificationConfig) Normalize() ClarificationConfig {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store == "" {
		c.Store = "memory"
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

func (c ClarificationConfig) Validate() error {
	switch c.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("clarification.store must be memory or redis, got %q", c.Store)
	}
	return nil
}

// PolicyConfig declares role based visibility.
type PolicyConfig struct {
	StudentHiddenColumns []string `mapstructure:"student_hidden_columns"`
	// StudentIdentifyingColumns name one person; students may only resolve
	// values of these columns that belong to their own record.
	StudentIdentifyingColumns []string `mapstructure:"student_identifying_columns"`
	AllowAdminScan            bool     `mapstructure:"allow_admin_scan"`
}

// Normalize lower-cases and dedups the column lists.
func (p PolicyConfig) Normalize() PolicyConfig {
	p.StudentHiddenColumns = normalizeColumns(p.StudentHiddenColumns)
	p.StudentIdentifyingColumns = normalizeColumns(p.StudentIdentifyingColumns)
	return p
}

func normalizeColumns(cols []string) []string {
	seen := make(map[string]struct{}, len(cols))
	var out []string
	for _, col := range cols {
		col = strings.ToLower(strings.TrimSpace(col))
		if col == "" {
			continue
		}
		if _, ok := seen[col]; ok {
			continue
		}
		seen[col] = struct{}{}
		out = append(out, col)
	}
	return out
}

// QueryConfig bounds query building and execution.
type QueryConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DefaultLimit    int           `mapstructure:"default_limit"`
	MaxRows         int           `mapstructure:"max_rows"`
	MaxScanRows     int           `mapstructure:"max_scan_rows"`
	AggregateWindow int           `mapstructure:"aggregate_window"`
}

func (q QueryConfig) Validate() error {
	if q.Timeout <= 0 {
		return fmt.Errorf("query.timeout must be positive")
	}
	if q.MaxRetries < 0 {
		return fmt.Errorf("query.max_retries cannot be negative")
	}
	if q.DefaultLimit <= 0 || q.MaxRows <= 0 || q.MaxScanRows <= 0 || q.AggregateWindow <= 0 {
		return fmt.Errorf("query limits must be positive")
	}
	if q.DefaultLimit > q.MaxRows {
		return fmt.Errorf("query.default_limit cannot exceed query.max_rows")
	}
	return nil
}

// VocabularyConfig selects the vocabulary source and refresh cadence.
type VocabularyConfig struct {
	Source          string        `mapstructure:"source"` // file, postgres or fixtures
	File            string        `mapstructure:"file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshCron     string        `mapstructure:"refresh_cron"`
}

func (v VocabularyConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(v.Source)) {
	case "file":
		if strings.TrimSpace(v.File) == "" {
			return fmt.Errorf("vocabulary.file required when source is file")
		}
	case "postgres", "fixtures":
	default:
		return fmt.Errorf("vocabulary.source must be file, postgres or fixtures, got %q", v.Source)
	}
	if v.RefreshInterval < 0 {
		return fmt.Errorf("vocabulary.refresh_interval cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver    string          `mapstructure:"driver"` // cassandra or memory
	Cassandra CassandraConfig `mapstructure:"cassandra"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "cassandra":
		return s.Cassandra.Validate()
	case "memory":
		if strings.TrimSpace(s.Memory.Fixtures) == "" {
			return fmt.Errorf("storage.memory.fixtures required when driver is memory")
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be cassandra or memory, got %q", s.Driver)
	}
}

// CassandraConfig contains the records keyspace connection settings.
type CassandraConfig struct {
	Hosts          []string      `mapstructure:"hosts"`
	Port           int           `mapstructure:"port"`
	Keyspace       string        `mapstructure:"keyspace"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Consistency    string        `mapstructure:"consistency"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PageSize       int           `mapstructure:"page_size"`
}

func (c CassandraConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("storage.cassandra.hosts required")
	}
	if strings.TrimSpace(c.Keyspace) == "" {
		return fmt.Errorf("storage.cassandra.keyspace required")
	}
	return nil
}

// MemoryConfig points the in-process driver at fixture rows.
type MemoryConfig struct {
	Fixtures string `mapstructure:"fixtures"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// AuditConfig toggles the executed-query audit log.
type AuditConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.role_claim", "role")
	v.SetDefault("resolver.accept_threshold", 0.90)
	v.SetDefault("resolver.ambiguous_floor", 0.60)
	v.SetDefault("resolver.ambiguity_margin", 0.05)
	v.SetDefault("resolver.max_options", 5)
	v.SetDefault("resolver.shortlist_threshold", 2000)
	v.SetDefault("resolver.shortlist_size", 50)
	v.SetDefault("clarification.store", "memory")
	v.SetDefault("clarification.ttl", "10m")
	v.SetDefault("clarification.sweep_interval", "1m")
	v.SetDefault("policy.student_hidden_columns", []string{"ic"})
	v.SetDefault("policy.student_identifying_columns", []string{"name"})
	v.SetDefault("policy.allow_admin_scan", true)
	v.SetDefault("query.timeout", "5s")
	v.SetDefault("query.retry_backoff", "200ms")
	v.SetDefault("query.max_retries", 1)
	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_rows", 1000)
	v.SetDefault("query.max_scan_rows", 5000)
	v.SetDefault("query.aggregate_window", 10000)
	v.SetDefault("vocabulary.source", "file")
	v.SetDefault("vocabulary.refresh_interval", "15m")
	v.SetDefault("storage.driver", "cassandra")
	v.SetDefault("storage.cassandra.port", 9042)
	v.SetDefault("storage.cassandra.keyspace", "university")
	v.SetDefault("storage.cassandra.consistency", "quorum")
	v.SetDefault("storage.cassandra.connect_timeout", "10s")
	v.SetDefault("storage.cassandra.page_size", 500)
}

// LoadConfig loads config from file; an empty path searches the usual locations.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("ACADEMIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (ACADEMIQ_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Clarification = cfg.Clarification.Normalize()
	cfg.Policy = cfg.Policy.Normalize()
	cfg.Vocabulary.Source = strings.ToLower(strings.TrimSpace(cfg.Vocabulary.Source))
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section that has rules.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Resolver.Validate(); err != nil {
		return err
	}
	if err := c.Clarification.Validate(); err != nil {
		return err
	}
	if err := c.Query.Validate(); err != nil {
		return err
	}
	if err := c.Vocabulary.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Clarification.Store == "redis" {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	if c.Vocabulary.Source == "fixtures" && c.Storage.Driver != "memory" {
		return fmt.Errorf("vocabulary.source fixtures needs storage.driver memory")
	}
	if c.Vocabulary.Source == "postgres" || c.Audit.Enabled {
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	}
	return nil
}
