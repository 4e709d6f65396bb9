package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/pricing"
	"github.com/example/ride-pooling/internal/route"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RedisLockTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	PGDSN         string
	RunMigrations bool
	MigrationsURL string

	Matching     matcher.Config
	Pricing      pricing.Config
	RouteSpeedKm float64

	PendingTTL     time.Duration
	ExpiryInterval time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	StripeKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		CORSOrigins:     []string{"*"},
		RedisGeoKey:     "pending_rides_geo",
		RedisLockTTL:    5 * time.Second,
		KafkaTopic:      "ride-events",
		KafkaGroupID:    "pending-index",
		MigrationsURL:   "file://migrations",
		Matching:        matcher.DefaultConfig(),
		Pricing:         pricing.DefaultConfig(),
		RouteSpeedKm:    route.DefaultSpeedKmh,
		PendingTTL:      30 * time.Minute,
		ExpiryInterval:  time.Minute,
		RateLimitRPS:    10,
		RateLimitBurst:  20,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.RedisLockTTL, "REDIS_LOCK_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsURL, "MIGRATIONS_URL")

	setFloatFromEnv(&cfg.Matching.SearchRadiusKm, "MATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Matching.CandidateLimit, "MATCH_CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.Matching.MaxPickupKm, "MATCH_MAX_PICKUP_KM", &errs)
	setFloatFromEnv(&cfg.Matching.MaxDropoffKm, "MATCH_MAX_DROPOFF_KM", &errs)
	setFloatFromEnv(&cfg.Matching.DefaultMaxDetourKm, "MATCH_DEFAULT_MAX_DETOUR_KM", &errs)

	setFloatFromEnv(&cfg.Pricing.BasePrice, "PRICE_BASE", &errs)
	setFloatFromEnv(&cfg.Pricing.PricePerKm, "PRICE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Pricing.SharedDiscount, "PRICE_SHARED_DISCOUNT", &errs)
	setFloatFromEnv(&cfg.Pricing.SurgeMultiplier, "PRICE_SURGE_MULTIPLIER", &errs)
	setFloatFromEnv(&cfg.Pricing.MaxPrice, "PRICE_MAX", &errs)
	if tz := strings.TrimSpace(os.Getenv("PRICING_TIMEZONE")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid PRICING_TIMEZONE: %w", err))
		} else {
			cfg.Pricing.Location = loc
		}
	}
	if path := strings.TrimSpace(os.Getenv("PRICING_CONFIG")); path != "" {
		if err := LoadPricingFile(path, &cfg.Pricing); err != nil {
			errs = append(errs, err)
		}
	}

	setFloatFromEnv(&cfg.RouteSpeedKm, "ROUTE_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.PendingTTL, "PENDING_TTL", &errs)
	setDurationFromEnv(&cfg.ExpiryInterval, "EXPIRY_INTERVAL", &errs)

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	cfg.StripeKey = os.Getenv("STRIPE_SECRET_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Matching.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if c.Matching.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if c.Pricing.SharedDiscount < 0 || c.Pricing.SharedDiscount >= 1 {
		errs = append(errs, fmt.Errorf("PRICE_SHARED_DISCOUNT must be in [0, 1)"))
	}
	if c.Pricing.BasePrice <= 0 || c.Pricing.MaxPrice < c.Pricing.BasePrice {
		errs = append(errs, fmt.Errorf("PRICE_BASE must be > 0 and <= PRICE_MAX"))
	}
	if c.RouteSpeedKm <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_SPEED_KMH must be > 0"))
	}
	if c.PendingTTL <= 0 || c.ExpiryInterval <= 0 {
		errs = append(errs, fmt.Errorf("PENDING_TTL and EXPIRY_INTERVAL must be > 0"))
	}
	return errs
}

// LoadPricingFile overrides tariffs and discount codes from a YAML, JSON or
// TOML file. Keys absent from the file keep their current values.
//
//	base_price: 12
//	price_per_km: 2.5
//	discount_codes:
//	  FIRST10: 0.10
func LoadPricingFile(path string, cfg *pricing.Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read pricing config %s: %w", path, err)
	}

	floats := map[string]*float64{
		"base_price":       &cfg.BasePrice,
		"price_per_km":     &cfg.PricePerKm,
		"shared_discount":  &cfg.SharedDiscount,
		"surge_multiplier": &cfg.SurgeMultiplier,
		"max_price":        &cfg.MaxPrice,
	}
	for key, target := range floats {
		if v.IsSet(key) {
			*target = v.GetFloat64(key)
		}
	}
	if v.IsSet("timezone") {
		loc, err := time.LoadLocation(v.GetString("timezone"))
		if err != nil {
			return fmt.Errorf("pricing config timezone: %w", err)
		}
		cfg.Location = loc
	}
	if v.IsSet("discount_codes") {
		// viper lowercases keys; codes are matched upper case.
		codes := make(map[string]float64)
		for code := range v.GetStringMap("discount_codes") {
			pct := v.GetFloat64("discount_codes." + code)
			if pct < 0 || pct > 1 {
				return fmt.Errorf("pricing config: discount %s must be in [0, 1]", code)
			}
			codes[strings.ToUpper(code)] = pct
		}
		cfg.DiscountCodes = codes
	}
	return nil
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
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
