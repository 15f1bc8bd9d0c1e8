package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"TAPE_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"TAPE_DB_MAX_CONNS" default:"8"`

	// Shared secret for externally-triggered phase endpoints. May be a plain
	// value or a bcrypt hash (prefixed with $2).
	TriggerSecret string `envconfig:"TRIGGER_SECRET" default:""`

	HTTPHost string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8090"`

	FeedURLs      string `envconfig:"FEED_URLS" default:""`
	RedirectHosts string `envconfig:"REDIRECT_HOSTS" default:"news.google.com"`

	EmbedEndpoint     string        `envconfig:"EMBED_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbedModelName    string        `envconfig:"EMBED_MODEL_NAME" default:"Qwen3-Embedding-8B"`
	EmbedModelVersion string        `envconfig:"EMBED_MODEL_VERSION" default:"v1"`
	EmbedBatchSize    int           `envconfig:"EMBED_BATCH_SIZE" default:"32"`
	EmbedMaxLength    int           `envconfig:"EMBED_MAX_LENGTH" default:"512"`
	EmbedTimeout      time.Duration `envconfig:"EMBED_TIMEOUT" default:"45s"`

	BaselineQuery     string        `envconfig:"RANK_BASELINE_QUERY" default:"financial markets earnings litigation regulatory risk"`
	RelevanceWeight   float64       `envconfig:"RANK_RELEVANCE_WEIGHT" default:"0.7"`
	RiskWeight        float64       `envconfig:"RANK_RISK_WEIGHT" default:"0.3"`
	DedupThreshold    float64       `envconfig:"DEDUP_COSINE_THRESHOLD" default:"0.93"`
	DedupLookbackDays int           `envconfig:"DEDUP_LOOKBACK_DAYS" default:"14"`
	RankClaimTTL      time.Duration `envconfig:"RANK_CLAIM_TTL" default:"15m"`

	ThreadJoinThreshold float64 `envconfig:"THREAD_JOIN_THRESHOLD" default:"0.82"`
	ThreadRecencyDays   int     `envconfig:"THREAD_RECENCY_DAYS" default:"7"`

	ResolveEndpoint    string        `envconfig:"RESOLVE_ENDPOINT" default:""`
	ResolveMaxAttempts int           `envconfig:"RESOLVE_MAX_ATTEMPTS" default:"5"`
	ResolveMaxHops     int           `envconfig:"RESOLVE_MAX_HOPS" default:"10"`
	ResolveTimeout     time.Duration `envconfig:"RESOLVE_TIMEOUT" default:"10s"`
	ResolveMinDelay    time.Duration `envconfig:"RESOLVE_MIN_DELAY" default:"2s"`
	ResolveQueryDelay  time.Duration `envconfig:"RESOLVE_QUERY_DELAY" default:"0s"`
	ResolveBackoffBase time.Duration `envconfig:"RESOLVE_BACKOFF_BASE" default:"30s"`
	ResolveBackoffCap  time.Duration `envconfig:"RESOLVE_BACKOFF_CAP" default:"1h"`
	ResolveClaimTTL    time.Duration `envconfig:"RESOLVE_CLAIM_TTL" default:"15m"`

	CrawlTimeout time.Duration `envconfig:"CRAWL_TIMEOUT" default:"20s"`

	DefaultBatchLimit int           `envconfig:"DEFAULT_BATCH_LIMIT" default:"50"`
	MaxBatchLimit     int           `envconfig:"MAX_BATCH_LIMIT" default:"200"`
	PhaseDeadline     time.Duration `envconfig:"PHASE_DEADLINE" default:"10m"`

	DigestOutputDir   string `envconfig:"DIGEST_OUTPUT_DIR" default:"./digests"`
	DigestWindowHours int    `envconfig:"DIGEST_WINDOW_HOURS" default:"24"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("TAPE_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("TAPE_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("TAPE_DB_MIN_CONNS (%d) cannot exceed TAPE_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RelevanceWeight < 0 || c.RiskWeight < 0 {
		return fmt.Errorf("rank weights must be >= 0")
	}
	if c.RelevanceWeight+c.RiskWeight <= 0 {
		return fmt.Errorf("at least one rank weight must be positive")
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("DEDUP_COSINE_THRESHOLD must be in (0, 1]")
	}
	if c.ThreadJoinThreshold <= 0 || c.ThreadJoinThreshold > 1 {
		return fmt.Errorf("THREAD_JOIN_THRESHOLD must be in (0, 1]")
	}
	if c.DedupLookbackDays < 1 {
		return fmt.Errorf("DEDUP_LOOKBACK_DAYS must be >= 1")
	}
	if c.ThreadRecencyDays < 1 {
		return fmt.Errorf("THREAD_RECENCY_DAYS must be >= 1")
	}
	if c.ResolveMaxAttempts < 1 {
		return fmt.Errorf("RESOLVE_MAX_ATTEMPTS must be >= 1")
	}
	if c.ResolveBackoffBase <= 0 || c.ResolveBackoffCap < c.ResolveBackoffBase {
		return fmt.Errorf("resolve backoff base must be positive and <= cap")
	}
	if c.DefaultBatchLimit < 1 || c.MaxBatchLimit < c.DefaultBatchLimit {
		return fmt.Errorf("batch limits must satisfy 1 <= default <= max")
	}
	if c.DigestWindowHours < 1 {
		return fmt.Errorf("DIGEST_WINDOW_HOURS must be >= 1")
	}
	return nil
}

func (c *Config) FeedURLList() []string {
	return splitCommaList(c.FeedURLs)
}

func (c *Config) RedirectHostList() []string {
	hosts := splitCommaList(c.RedirectHosts)
	for i, host := range hosts {
		hosts[i] = strings.ToLower(host)
	}
	return hosts
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return values
}
