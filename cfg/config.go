package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/burrow/filter"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration describes the input to migrate
type SourceConfiguration struct {
	Path           string `toml:"path"`   // File path, "-" for stdin
	Format         string `toml:"format"` // "rdb", "aof" or "auto"
	VerifyChecksum bool   `toml:"verify_checksum"`
}

// TLSConfiguration for the destination connection
type TLSConfiguration struct {
	Enabled            bool   `toml:"enabled"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// TargetConfiguration describes the destination
type TargetConfiguration struct {
	Seeds          []string         `toml:"seeds"`
	Mode           string           `toml:"mode"` // "cluster", "standalone" or "auto"
	Username       string           `toml:"username"`
	Password       string           `toml:"password"`
	DialTimeoutMS  int              `toml:"dial_timeout_ms"`
	ReadTimeoutMS  int              `toml:"read_timeout_ms"`
	WriteTimeoutMS int              `toml:"write_timeout_ms"`
	TLS            TLSConfiguration `toml:"tls"`
}

// ScriptConfiguration selects the transformation hook
type ScriptConfiguration struct {
	Path            string `toml:"path"`   // Lua file; takes precedence over prefix_databases
	Source          string `toml:"source"` // Inline Lua
	PrefixDatabases bool   `toml:"prefix_databases"`
	PrefixFormat    string `toml:"prefix_format"`
	TimeoutMS       int    `toml:"timeout_ms"`
	PoolSize        int    `toml:"pool_size"`
}

// WriterConfiguration controls batching, rate limiting and retries
type WriterConfiguration struct {
	BatchSize        int     `toml:"batch_size"`
	FlushIntervalMS  int     `toml:"flush_interval_ms"`
	QueueSize        int     `toml:"queue_size"` // Per shard
	RateLimit        float64 `toml:"rate_limit"` // Requests per second, 0 = unlimited
	RateBurst        int     `toml:"rate_burst"` // Tokens available at once
	MaxAttempts      int     `toml:"max_attempts"`
	RetryBaseMS      int     `toml:"retry_base_ms"`
	RetryMaxMS       int     `toml:"retry_max_ms"`
	KeylessPolicy    string  `toml:"keyless_policy"` // "drop" or "default_shard"
	AllowNonZeroDB   bool    `toml:"allow_nonzero_db"`
	FailureThreshold int     `toml:"failure_threshold"` // 0 = never abort
	DryRun           bool    `toml:"dry_run"`
}

// PipelineConfiguration controls the worker pool between decoder and writer
type PipelineConfiguration struct {
	Workers              int `toml:"workers"`
	QueueSize            int `toml:"queue_size"`
	ScriptErrorThreshold int `toml:"script_error_threshold"` // 0 = never abort
	GracePeriodMS        int `toml:"grace_period_ms"`
}

// CollisionConfiguration controls cross-database key collision detection
type CollisionConfiguration struct {
	Enabled    bool `toml:"enabled"`
	Capacity   uint `toml:"capacity"`    // Cuckoo filter capacity
	RecentKeys int  `toml:"recent_keys"` // Exact LRU size
}

// JournalConfiguration controls the failure journal
type JournalConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Defaults to {data_dir}/journal
}

// SinkConfiguration describes one progress event sink
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka" or "nats"
	Format          string   `toml:"format"` // "json" or "msgpack"
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Events          []string `toml:"events"` // glob patterns over "progress", "result", "failure"; empty = all
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// ReportConfiguration controls the periodic progress reporter
type ReportConfiguration struct {
	IntervalMS int `toml:"interval_ms"`
}

// AdminConfiguration for the HTTP admin endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Token   string `toml:"token"` // bearer token; empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID uint64 `toml:"instance_id"`
	DataDir    string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Target     TargetConfiguration     `toml:"target"`
	Filter     filter.Rules            `toml:"filter"`
	Script     ScriptConfiguration     `toml:"script"`
	Writer     WriterConfiguration     `toml:"writer"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Collision  CollisionConfiguration  `toml:"collision"`
	Journal    JournalConfiguration    `toml:"journal"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Report     ReportConfiguration     `toml:"report"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "burrow.toml", "Path to configuration file")
	SourceFlag     = flag.String("source", "", "Snapshot or command stream to migrate (overrides config)")
	TargetFlag     = flag.String("target", "", "Comma separated destination seeds (overrides config)")
	ScriptFlag     = flag.String("script", "", "Lua transformation script (overrides config)")
	DryRunFlag     = flag.Bool("dry-run", false, "Log commands instead of writing them")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
)

// Default configuration
var Config = &Configuration{
	InstanceID: 0, // Auto-generate
	DataDir:    "./burrow-data",

	Source: SourceConfiguration{
		Format:         "auto",
		VerifyChecksum: true,
	},

	Target: TargetConfiguration{
		Seeds:          []string{"127.0.0.1:6379"},
		Mode:           "auto",
		DialTimeoutMS:  5000,
		ReadTimeoutMS:  3000,
		WriteTimeoutMS: 3000,
	},

	Script: ScriptConfiguration{
		PrefixDatabases: true,
		PrefixFormat:    "db%d:",
		TimeoutMS:       100,
		PoolSize:        8,
	},

	Writer: WriterConfiguration{
		BatchSize:        100,
		FlushIntervalMS:  50,
		QueueSize:        1024,
		RateLimit:        0,
		RateBurst:        100,
		MaxAttempts:      5,
		RetryBaseMS:      100,
		RetryMaxMS:       5000,
		KeylessPolicy:    "drop",
		FailureThreshold: 1000,
	},

	Pipeline: PipelineConfiguration{
		Workers:              8,
		QueueSize:            256,
		ScriptErrorThreshold: 1,
		GracePeriodMS:        10000,
	},

	Collision: CollisionConfiguration{
		Enabled:    true,
		Capacity:   1 << 20,
		RecentKeys: 100000,
	},

	Journal: JournalConfiguration{
		Enabled: true,
	},

	Report: ReportConfiguration{
		IntervalMS: 5000,
	},

	Admin: AdminConfiguration{
		Enabled: false,
		Address: "127.0.0.1",
		Port:    9121,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *SourceFlag != "" {
		Config.Source.Path = *SourceFlag
	}
	if *TargetFlag != "" {
		Config.Target.Seeds = splitList(*TargetFlag)
	}
	if *ScriptFlag != "" {
		Config.Script.Path = *ScriptFlag
	}
	if *DryRunFlag {
		Config.Writer.DryRun = true
	}
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}

	if Config.InstanceID == 0 {
		var err error
		Config.InstanceID, err = generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		log.Info().Uint64("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.Journal.Enabled {
		if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// generateInstanceID creates a stable instance ID based on machine ID,
// falling back to the hostname where no machine ID exists (containers)
func generateInstanceID() (uint64, error) {
	id, err := machineid.ProtectedID("burrow")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return 0, err
		}
		log.Warn().Err(err).Str("hostname", host).Msg("Machine ID unavailable, deriving instance ID from hostname")
		id = host
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Source.Path == "" {
		return fmt.Errorf("source path is required")
	}

	switch Config.Source.Format {
	case "rdb", "aof", "auto":
	default:
		return fmt.Errorf("invalid source format: %s", Config.Source.Format)
	}

	if len(Config.Target.Seeds) == 0 && !Config.Writer.DryRun {
		return fmt.Errorf("at least one target seed is required")
	}

	switch Config.Target.Mode {
	case "cluster", "standalone", "auto":
	default:
		return fmt.Errorf("invalid target mode: %s", Config.Target.Mode)
	}

	tls := Config.Target.TLS
	if (tls.CertFile == "") != (tls.KeyFile == "") {
		return fmt.Errorf("target TLS cert_file and key_file must be set together")
	}

	if Config.Script.Path != "" && Config.Script.Source != "" {
		return fmt.Errorf("script path and inline source are mutually exclusive")
	}

	if Config.Script.TimeoutMS < 1 {
		return fmt.Errorf("script timeout must be >= 1ms")
	}

	if Config.Script.PrefixDatabases && !strings.Contains(Config.Script.PrefixFormat, "%d") {
		return fmt.Errorf("script prefix format must contain %%d")
	}

	if Config.Writer.BatchSize < 1 {
		return fmt.Errorf("writer batch size must be >= 1")
	}

	if Config.Writer.FlushIntervalMS < 1 {
		return fmt.Errorf("writer flush interval must be >= 1ms")
	}

	if Config.Writer.QueueSize < 1 {
		return fmt.Errorf("writer queue size must be >= 1")
	}

	if Config.Writer.RateLimit < 0 {
		return fmt.Errorf("writer rate limit must be >= 0")
	}

	if Config.Writer.RateLimit > 0 && Config.Writer.RateBurst < 1 {
		return fmt.Errorf("writer rate burst must be >= 1 when rate limiting")
	}

	if Config.Writer.MaxAttempts < 1 {
		return fmt.Errorf("writer max attempts must be >= 1")
	}

	if Config.Writer.RetryBaseMS < 0 || Config.Writer.RetryMaxMS < Config.Writer.RetryBaseMS {
		return fmt.Errorf("writer retry delays must satisfy 0 <= retry_base_ms <= retry_max_ms")
	}

	switch Config.Writer.KeylessPolicy {
	case "drop", "default_shard":
	default:
		return fmt.Errorf("invalid writer keyless policy: %s", Config.Writer.KeylessPolicy)
	}

	if Config.Writer.FailureThreshold < 0 {
		return fmt.Errorf("writer failure threshold must be >= 0")
	}

	if Config.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be >= 1")
	}

	if Config.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline queue size must be >= 1")
	}

	if Config.Pipeline.ScriptErrorThreshold < 0 {
		return fmt.Errorf("script error threshold must be >= 0")
	}

	if Config.Collision.Enabled && (Config.Collision.Capacity == 0 || Config.Collision.RecentKeys < 1) {
		return fmt.Errorf("collision capacity and recent_keys must be positive")
	}

	for i, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		switch s.Type {
		case "kafka":
			if len(s.Brokers) == 0 {
				return fmt.Errorf("sink %s: kafka requires brokers", s.Name)
			}
		case "nats":
			if s.NatsURL == "" {
				return fmt.Errorf("sink %s: nats requires nats_url", s.Name)
			}
		default:
			return fmt.Errorf("sink %s: unknown type %q", s.Name, s.Type)
		}
		switch s.Format {
		case "", "json", "msgpack":
		default:
			return fmt.Errorf("sink %s: unknown format %q", s.Name, s.Format)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if _, err := filter.New(Config.Filter); err != nil {
		return fmt.Errorf("invalid filter rules: %w", err)
	}

	return nil
}

// JournalPath returns where the failure journal lives
func JournalPath() string {
	if Config.Journal.Path != "" {
		return Config.Journal.Path
	}
	return path.Join(Config.DataDir, "journal")
}
