package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	AnchorURL     string        `mapstructure:"ANCHOR_URL"`
	AnchorTimeout time.Duration `mapstructure:"ANCHOR_TIMEOUT"`

	KDFURL     string        `mapstructure:"KDF_URL"`
	KDFSecret  string        `mapstructure:"KDF_SECRET"`
	KDFTimeout time.Duration `mapstructure:"KDF_TIMEOUT"`

	BatchInterval  time.Duration `mapstructure:"BATCH_INTERVAL"`
	BatchThreshold int           `mapstructure:"BATCH_THRESHOLD"`

	KeyCacheTTL time.Duration `mapstructure:"KEY_CACHE_TTL"`
	ChunkSize   int           `mapstructure:"CHUNK_SIZE"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ANCHOR_TIMEOUT", "10s")
	v.SetDefault("KDF_TIMEOUT", "10s")
	v.SetDefault("BATCH_INTERVAL", "10m")
	v.SetDefault("BATCH_THRESHOLD", 5)
	v.SetDefault("KEY_CACHE_TTL", "15m")
	v.SetDefault("CHUNK_SIZE", 65536)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("ANCHOR_URL")
	v.BindEnv("ANCHOR_TIMEOUT")
	v.BindEnv("KDF_URL")
	v.BindEnv("KDF_SECRET")
	v.BindEnv("KDF_TIMEOUT")
	v.BindEnv("BATCH_INTERVAL")
	v.BindEnv("BATCH_THRESHOLD")
	v.BindEnv("KEY_CACHE_TTL")
	v.BindEnv("CHUNK_SIZE")
	v.BindEnv("MIGRATIONS_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside
// development, real JWT validation and a key derivation source are
// mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.KDFURL == "" && len(c.KDFSecret) < 16 {
			return fmt.Errorf("KDF_URL or a KDF_SECRET of at least 16 bytes is required when ENV=%q", c.Env)
		}
	}
	if c.BatchThreshold < 0 {
		return fmt.Errorf("BATCH_THRESHOLD must not be negative")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("CHUNK_SIZE must not be negative")
	}
	if c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.DBMaxConns, c.DBMinConns)
	}
	return nil
}
