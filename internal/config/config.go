package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CoordinatorConfig captures all tunable parameters for the coordinator
// process. Values are loaded from environment variables with defaults
// that run the two-region demo topology locally without setup.
type CoordinatorConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Regions maps region name to participant base URL.
	Regions map[string]string

	GlobalReplicaDSN string
	TxLogDSN         string

	RedisAddr     string
	RedisPassword string

	MonitorInterval         time.Duration
	MonitorTimeout          time.Duration
	MonitorFailureThreshold int

	PrepareTimeout   time.Duration
	CommitTimeout    time.Duration
	OverallTimeout   time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
	RetryMax         int
	RecoveryInterval time.Duration

	BufferMaxPerRegion int

	SearchCallTimeout   time.Duration
	SearchGlobalTimeout time.Duration

	LogLevel string
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		HTTPAddr:        ":8000",
		ShutdownTimeout: 15 * time.Second,
		Regions: map[string]string{
			"Phoenix":     "http://localhost:8001",
			"Los Angeles": "http://localhost:8002",
		},
		MonitorInterval:         5 * time.Second,
		MonitorTimeout:          3 * time.Second,
		MonitorFailureThreshold: 3,
		PrepareTimeout:          5 * time.Second,
		CommitTimeout:           5 * time.Second,
		OverallTimeout:          30 * time.Second,
		RetryBase:               100 * time.Millisecond,
		RetryCap:                2 * time.Second,
		RetryMax:                3,
		RecoveryInterval:        30 * time.Second,
		BufferMaxPerRegion:      1000,
		SearchCallTimeout:       5 * time.Second,
		SearchGlobalTimeout:     10 * time.Second,
		LogLevel:                "info",
	}
}

func LoadCoordinatorConfig() (CoordinatorConfig, error) {
	cfg := defaultCoordinatorConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if raw := os.Getenv("REGIONS"); raw != "" {
		regions, err := parseRegions(raw)
		if err != nil {
			errs = append(errs, err)
		} else {
			cfg.Regions = regions
		}
	}

	cfg.GlobalReplicaDSN = os.Getenv("GLOBAL_REPLICA_DSN")
	cfg.TxLogDSN = os.Getenv("TXLOG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	setDurationFromEnv(&cfg.MonitorInterval, "MONITOR_INTERVAL", &errs)
	setDurationFromEnv(&cfg.MonitorTimeout, "MONITOR_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MonitorFailureThreshold, "MONITOR_FAILURE_THRESHOLD", &errs)

	setDurationFromEnv(&cfg.PrepareTimeout, "HANDOFF_PREPARE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.CommitTimeout, "HANDOFF_COMMIT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OverallTimeout, "HANDOFF_OVERALL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RetryBase, "HANDOFF_RETRY_BASE", &errs)
	setDurationFromEnv(&cfg.RetryCap, "HANDOFF_RETRY_CAP", &errs)
	setIntFromEnv(&cfg.RetryMax, "HANDOFF_RETRY_MAX", &errs)
	setDurationFromEnv(&cfg.RecoveryInterval, "RECOVERY_INTERVAL", &errs)

	setIntFromEnv(&cfg.BufferMaxPerRegion, "BUFFER_MAX_PER_REGION", &errs)

	setDurationFromEnv(&cfg.SearchCallTimeout, "SEARCH_CALL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SearchGlobalTimeout, "SEARCH_GLOBAL_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.Regions) < 2 {
		errs = append(errs, fmt.Errorf("at least two regions required, got %d", len(cfg.Regions)))
	}
	if cfg.MonitorFailureThreshold <= 0 {
		errs = append(errs, errors.New("MONITOR_FAILURE_THRESHOLD must be > 0"))
	}
	if cfg.BufferMaxPerRegion <= 0 {
		errs = append(errs, errors.New("BUFFER_MAX_PER_REGION must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// RegionConfig captures the tunables of one regional participant process.
type RegionConfig struct {
	HTTPAddr        string
	Region          string
	PGDSN           string
	KafkaBrokers    []string
	KafkaTopic      string
	LogLevel        string
	RunMigrations   bool
	ShutdownTimeout time.Duration
}

func defaultRegionConfig() RegionConfig {
	return RegionConfig{
		HTTPAddr:        ":8001",
		Region:          "Phoenix",
		KafkaTopic:      "ride-changes",
		LogLevel:        "info",
		ShutdownTimeout: 15 * time.Second,
	}
}

func LoadRegionConfig() (RegionConfig, error) {
	cfg := defaultRegionConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setStringFromEnv(&cfg.Region, "REGION")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if cfg.Region == "" {
		errs = append(errs, errors.New("REGION must not be empty"))
	}

	return cfg, errors.Join(errs...)
}

// parseRegions reads "Phoenix=http://host:8001,Los Angeles=http://host:8002".
func parseRegions(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		url = strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid REGIONS entry %q, want name=url", pair)
		}
		out[name] = strings.TrimRight(url, "/")
	}
	if len(out) == 0 {
		return nil, errors.New("REGIONS is empty")
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
