package config

import (
	"PerpClearing/internal/state"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, fills unset market
// fields from state.DefaultMarketParams and applies PERP_* environment
// overrides. An empty path skips the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// a file that lists markets replaces the default market set
		cfg.Markets = nil
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
		if cfg.Markets == nil {
			cfg.Markets = Default().Markets
		}
	}
	for i := range cfg.Markets {
		fillMarketDefaults(&cfg.Markets[i])
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// fillMarketDefaults copies defaults into fields the file left unset.
func fillMarketDefaults(m *state.MarketParams) {
	d := state.DefaultMarketParams(m.MarketID)
	if m.TwapPeriod == 0 {
		m.TwapPeriod = d.TwapPeriod
	}
	if m.Sensitivity.IsZero() {
		m.Sensitivity = d.Sensitivity
	}
	if m.MinMargin.IsZero() {
		m.MinMargin = d.MinMargin
	}
	if m.MinMarginAtCreation.IsZero() {
		m.MinMarginAtCreation = d.MinMarginAtCreation
	}
	if m.LiquidationRewardRatio.IsZero() {
		m.LiquidationRewardRatio = d.LiquidationRewardRatio
	}
	if m.SlippageTolerance.IsZero() {
		m.SlippageTolerance = d.SlippageTolerance
	}
	if m.TradeFeeRatio.IsZero() {
		m.TradeFeeRatio = d.TradeFeeRatio
	}
	if m.InitialIndexPrice.IsZero() {
		m.InitialIndexPrice = d.InitialIndexPrice
	}
}

// applyEnvOverrides overwrites fields whose PERP_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "PERP_LOG_LEVEL")
	setStr(&cfg.CollateralToken, "PERP_COLLATERAL_TOKEN")
	setStr(&cfg.InsuranceSeed, "PERP_INSURANCE_SEED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PERP_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "PERP_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "PERP_POSTGRES_MAX_IDLE_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERP_POSTGRES_RUN_MIGRATIONS")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "PERP_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "PERP_NATS_URL")
	setStr(&cfg.NATS.IndexSubject, "PERP_NATS_INDEX_SUBJECT")
	setStr(&cfg.NATS.FundingSubject, "PERP_NATS_FUNDING_SUBJECT")
	setStr(&cfg.NATS.EventSubjectPrefix, "PERP_NATS_EVENT_SUBJECT_PREFIX")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERP_REDIS_DB")
	setDuration(&cfg.Redis.TTL, "PERP_REDIS_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PERP_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PERP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERP_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERP_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PERP_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "PERP_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "PERP_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "PERP_METRICS_ADDR")

	// ── Persistence ──
	setInt(&cfg.Persistence.BatchSize, "PERP_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "PERP_PERSIST_FLUSH_TIMEOUT")
	setDuration(&cfg.Persistence.MaxBackoff, "PERP_PERSIST_MAX_BACKOFF")
	setDuration(&cfg.Persistence.SnapshotInterval, "PERP_SNAPSHOT_INTERVAL")

	// ── Channels, dedup, risk ──
	setInt(&cfg.Channels.Persist, "PERP_PERSIST_CHAN_SIZE")
	setInt(&cfg.Channels.Fanout, "PERP_FANOUT_CHAN_SIZE")
	setInt(&cfg.Idempotency.LRUCapacity, "PERP_IDEMPOTENCY_LRU_CAPACITY")
	setDuration(&cfg.Risk.SweepInterval, "PERP_SWEEP_INTERVAL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
