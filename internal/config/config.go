package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"QuickCashEngine/internal/currency"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr            string `yaml:"addr"`
		ShutdownSeconds int    `yaml:"shutdown_seconds"`
	} `yaml:"server"`
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
	KV struct {
		Dir string `yaml:"dir"`
	} `yaml:"kv"`
	Matching struct {
		RadiusTiersM    []float64 `yaml:"radius_tiers_m"`
		AmountTolerance int64     `yaml:"amount_tolerance"`
		CandidateLimit  int       `yaml:"candidate_limit"`
		IntervalSeconds int64     `yaml:"interval_seconds"`
	} `yaml:"matching"`
	Requests struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"requests"`
	Transactions struct {
		TimeoutMinutes int  `yaml:"timeout_minutes"`
		AutoCapture    bool `yaml:"auto_capture"`
	} `yaml:"transactions"`
	Gateway struct {
		Endpoints         []string `yaml:"endpoints"`
		APIKey            string   `yaml:"api_key"`
		MaxAttempts       int      `yaml:"max_attempts"`
		InitialBackoffMS  int64    `yaml:"initial_backoff_ms"`
		MaxBackoffMS      int64    `yaml:"max_backoff_ms"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		TimeoutSeconds    int      `yaml:"timeout_seconds"`
	} `yaml:"gateway"`
	Feed struct {
		WSEndpoint string `yaml:"ws_endpoint"`
	} `yaml:"feed"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Currencies []currency.Currency `yaml:"currencies"`
	Logging    struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies env overrides and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.DB.Driver != "postgres" && cfg.DB.Driver != "sqlite" {
		return nil, errors.New("db.driver must be postgres or sqlite")
	}
	if len(cfg.Gateway.Endpoints) == 0 {
		return nil, errors.New("gateway.endpoints is required")
	}
	for i, r := range cfg.Matching.RadiusTiersM {
		if r <= 0 || (i > 0 && r <= cfg.Matching.RadiusTiersM[i-1]) {
			return nil, errors.New("matching.radius_tiers_m must be positive and increasing")
		}
	}
	if cfg.Matching.AmountTolerance < 0 {
		return nil, errors.New("matching.amount_tolerance must not be negative")
	}
	return &cfg, nil
}

func (c *Config) RequestTTL() time.Duration {
	return time.Duration(c.Requests.TTLMinutes) * time.Minute
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Transactions.TimeoutMinutes) * time.Minute
}

func (c *Config) MatchInterval() time.Duration {
	return time.Duration(c.Matching.IntervalSeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ShutdownSeconds <= 0 {
		cfg.Server.ShutdownSeconds = 5
	}
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "postgres"
	}
	if cfg.KV.Dir == "" {
		cfg.KV.Dir = "data/kv"
	}
	if len(cfg.Matching.RadiusTiersM) == 0 {
		cfg.Matching.RadiusTiersM = []float64{500, 2000, 10000}
	}
	if cfg.Matching.CandidateLimit <= 0 {
		cfg.Matching.CandidateLimit = 20
	}
	if cfg.Matching.IntervalSeconds <= 0 {
		cfg.Matching.IntervalSeconds = 5
	}
	if cfg.Requests.TTLMinutes <= 0 {
		cfg.Requests.TTLMinutes = 30
	}
	if cfg.Transactions.TimeoutMinutes <= 0 {
		cfg.Transactions.TimeoutMinutes = 60
	}
	if cfg.Gateway.MaxAttempts <= 0 {
		cfg.Gateway.MaxAttempts = 5
	}
	if cfg.Gateway.InitialBackoffMS <= 0 {
		cfg.Gateway.InitialBackoffMS = 200
	}
	if cfg.Gateway.MaxBackoffMS <= 0 {
		cfg.Gateway.MaxBackoffMS = 5000
	}
	if cfg.Gateway.FailoverThreshold <= 0 {
		cfg.Gateway.FailoverThreshold = 3
	}
	if cfg.Gateway.TimeoutSeconds <= 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "quickcash.events"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("KV_DIR"); v != "" {
		cfg.KV.Dir = v
	}
	if v := os.Getenv("RADIUS_TIERS_M"); v != "" {
		cfg.Matching.RadiusTiersM = parseFloatList(cfg.Matching.RadiusTiersM, v)
	}
	if v := os.Getenv("AMOUNT_TOLERANCE"); v != "" {
		cfg.Matching.AmountTolerance = atoi64Or(cfg.Matching.AmountTolerance, v)
	}
	if v := os.Getenv("REQUEST_TTL_MINUTES"); v != "" {
		cfg.Requests.TTLMinutes = atoiOr(cfg.Requests.TTLMinutes, v)
	}
	if v := os.Getenv("TX_TIMEOUT_MINUTES"); v != "" {
		cfg.Transactions.TimeoutMinutes = atoiOr(cfg.Transactions.TimeoutMinutes, v)
	}
	if v := os.Getenv("GATEWAY_ENDPOINTS"); v != "" {
		cfg.Gateway.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("GATEWAY_MAX_ATTEMPTS"); v != "" {
		cfg.Gateway.MaxAttempts = atoiOr(cfg.Gateway.MaxAttempts, v)
	}
	if v := os.Getenv("FEED_WS_ENDPOINT"); v != "" {
		cfg.Feed.WSEndpoint = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseFloatList(fallback []float64, v string) []float64 {
	parts := splitCommaList(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fallback
		}
		out = append(out, f)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
