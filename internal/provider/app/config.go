package app

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/globus/action-provider-tools/pkg/authstate"
	"github.com/globus/action-provider-tools/pkg/httpx"
)

type Config struct {
	ClientID     string // Required: confidential client registered with the identity provider
	ClientSecret string // Required: secret of ClientID

	AuthURL          string   // Identity provider base URL (default: https://auth.globus.org)
	GroupsURL        string   // Groups service base URL (default: https://groups.api.globus.org)
	ExpectedScopes   []string // Required: scopes every caller's token must carry
	ExpectedAudience string   // Optional: aud value tokens must carry
	CheckTokenTimes  bool     // Enforce exp and nbf from introspection (default: true)

	HTTPTimeout      time.Duration // Timeout per upstream call, retries included (default: 30s)
	HTTPMaxRetries   int           // Retries after a 5xx or transport error (default: 1)
	HTTPRetryBackoff time.Duration // First retry delay (default: 500ms)

	IntrospectCacheTTL time.Duration // default: 30s
	DependentCacheTTL  time.Duration // default: 47h
	GroupCacheTTL      time.Duration // default: 5m
	CacheSize          int           // Entries per cache (default: 100)

	DatabaseFile   string        // Path to SQLite database file (default: ./actions.db)
	VisibleTo      []string      // Who may read GET / (default: public)
	RunnableBy     []string      // Who may POST /run (default: all_authenticated_users)
	AdminContact   string        // Shown in the provider description
	ProcessingTime time.Duration // How long an action takes to complete (default: 30s)

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // Graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cache := authstate.DefaultCacheConfig()

	return Config{
		ClientID:         os.Getenv("AP_CLIENT_ID"),
		ClientSecret:     os.Getenv("AP_CLIENT_SECRET"),
		AuthURL:          getEnvOrDefault("AP_AUTH_URL", "https://auth.globus.org"),
		GroupsURL:        getEnvOrDefault("AP_GROUPS_URL", "https://groups.api.globus.org"),
		ExpectedScopes:   httpx.ParseSpaceDelimitedFields(os.Getenv("AP_EXPECTED_SCOPES")),
		ExpectedAudience: os.Getenv("AP_EXPECTED_AUDIENCE"),
		CheckTokenTimes:  getEnvBoolOrDefault("AP_CHECK_TOKEN_TIMES", true),

		HTTPTimeout:      getEnvDurationOrDefault("AP_HTTP_TIMEOUT", 30*time.Second),
		HTTPMaxRetries:   getEnvIntOrDefault("AP_HTTP_MAX_RETRIES", 1),
		HTTPRetryBackoff: getEnvDurationOrDefault("AP_HTTP_RETRY_BACKOFF", 500*time.Millisecond),

		IntrospectCacheTTL: getEnvDurationOrDefault("AP_INTROSPECT_CACHE_TTL", cache.IntrospectTTL),
		DependentCacheTTL:  getEnvDurationOrDefault("AP_DEPENDENT_CACHE_TTL", cache.DependentTokenTTL),
		GroupCacheTTL:      getEnvDurationOrDefault("AP_GROUP_CACHE_TTL", cache.GroupTTL),
		CacheSize:          getEnvIntOrDefault("AP_CACHE_SIZE", cache.IntrospectSize),

		DatabaseFile:   getEnvOrDefault("AP_DATABASE_FILE", "actions.db"),
		VisibleTo:      getEnvListOrDefault("AP_VISIBLE_TO", []string{authstate.PrincipalPublic}),
		RunnableBy:     getEnvListOrDefault("AP_RUNNABLE_BY", []string{authstate.PrincipalAllAuthenticatedUsers}),
		AdminContact:   getEnvOrDefault("AP_ADMIN_CONTACT", "support@example.org"),
		ProcessingTime: getEnvDurationOrDefault("AP_PROCESSING_TIME", 30*time.Second),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}
}

// Validate reports settings the provider cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("AP_CLIENT_ID is required"))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("AP_CLIENT_SECRET is required"))
	}
	if len(c.ExpectedScopes) == 0 {
		errs = append(errs, errors.New("AP_EXPECTED_SCOPES is required"))
	}
	if c.CacheSize < 1 {
		errs = append(errs, errors.New("AP_CACHE_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// CacheConfig sizes the shared credential cache.
func (c Config) CacheConfig() authstate.CacheConfig {
	return authstate.CacheConfig{
		IntrospectTTL:      c.IntrospectCacheTTL,
		IntrospectSize:     c.CacheSize,
		DependentTokenTTL:  c.DependentCacheTTL,
		DependentTokenSize: c.CacheSize,
		GroupTTL:           c.GroupCacheTTL,
		GroupSize:          c.CacheSize,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	if fields := httpx.ParseSpaceDelimitedFields(os.Getenv(key)); fields != nil {
		return fields
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds.
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
