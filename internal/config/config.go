package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig

	Telephony TelephonyConfig
	Twilio    TwilioConfig
	Telnyx    TelnyxConfig

	Providers ProvidersConfig
	Breaker   BreakerConfig
	Health    HealthConfig
	Session   SessionConfig
	IVR       IVRConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TelephonyConfig drives the carrier manager.
type TelephonyConfig struct {
	// PublicBaseURL is the externally visible base of this service; carriers
	// sign callbacks against the full URL.
	PublicBaseURL string

	// CarrierOrder is the failover order, primary first. Names must match
	// configured carrier adapters (twilio, telnyx).
	CarrierOrder []string

	// MaxConcurrentCalls caps active calls per workspace; 0 disables.
	MaxConcurrentCalls int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

type TelnyxConfig struct {
	APIKey        string
	ConnectionID  string
	WebhookSecret string
}

// ProvidersConfig lists realtime voice providers in preference order.
type ProvidersConfig struct {
	// Preference is the orchestrator's ordered provider id list.
	Preference []string

	// Endpoints and keys are looked up per provider id:
	// PROVIDER_<ID>_WS_URL, PROVIDER_<ID>_API_KEY.
	WSURLs  map[string]string
	APIKeys map[string]string
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

type HealthConfig struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Window        int
}

type SessionConfig struct {
	LivenessTimeout       time.Duration
	MaxReconnectAttempts  int
	InitialReconnectDelay time.Duration
	BufferCapacity        int
}

type IVRConfig struct {
	DefaultTimeoutSeconds int
	AnalyticsInterval     time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Telephony.PublicBaseURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.Telephony.CarrierOrder = splitList(os.Getenv("CARRIER_ORDER"))
	c.Telephony.MaxConcurrentCalls = optInt("MAX_CONCURRENT_CALLS", 0)

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")

	c.Telnyx.APIKey = os.Getenv("TELNYX_API_KEY")
	c.Telnyx.ConnectionID = strings.TrimSpace(os.Getenv("TELNYX_CONNECTION_ID"))
	c.Telnyx.WebhookSecret = os.Getenv("TELNYX_WEBHOOK_SECRET")

	c.Providers.Preference = splitList(os.Getenv("PROVIDER_PREFERENCE"))
	c.Providers.WSURLs = map[string]string{}
	c.Providers.APIKeys = map[string]string{}
	for _, id := range c.Providers.Preference {
		key := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
		c.Providers.WSURLs[id] = strings.TrimSpace(os.Getenv("PROVIDER_" + key + "_WS_URL"))
		c.Providers.APIKeys[id] = os.Getenv("PROVIDER_" + key + "_API_KEY")
	}

	c.Breaker.FailureThreshold = optInt("BREAKER_FAILURE_THRESHOLD", 5)
	c.Breaker.SuccessThreshold = optInt("BREAKER_SUCCESS_THRESHOLD", 2)
	c.Breaker.OpenTimeout = optDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second)

	c.Health.ProbeInterval = optDuration("HEALTH_PROBE_INTERVAL", 30*time.Second)
	c.Health.ProbeTimeout = optDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second)
	c.Health.Window = optInt("HEALTH_WINDOW", 50)

	c.Session.LivenessTimeout = optDuration("SESSION_LIVENESS_TIMEOUT", 30*time.Second)
	c.Session.MaxReconnectAttempts = optInt("SESSION_MAX_RECONNECT_ATTEMPTS", 5)
	c.Session.InitialReconnectDelay = optDuration("SESSION_INITIAL_RECONNECT_DELAY", time.Second)
	c.Session.BufferCapacity = optInt("SESSION_BUFFER_CAPACITY", 100)

	c.IVR.DefaultTimeoutSeconds = optInt("IVR_DEFAULT_TIMEOUT_SECONDS", 5)
	c.IVR.AnalyticsInterval = optDuration("IVR_ANALYTICS_INTERVAL", time.Minute)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and applies local-friendly defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if len(c.Telephony.CarrierOrder) == 0 {
		errs = append(errs, errors.New("CARRIER_ORDER is required (comma-separated, primary first)"))
	}
	for _, carrier := range c.Telephony.CarrierOrder {
		switch carrier {
		case "twilio":
			if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
				errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required when twilio is in CARRIER_ORDER"))
			}
		case "telnyx":
			if c.Telnyx.APIKey == "" {
				errs = append(errs, errors.New("TELNYX_API_KEY is required when telnyx is in CARRIER_ORDER"))
			}
			if c.IsProduction() && c.Telnyx.WebhookSecret == "" {
				errs = append(errs, errors.New("TELNYX_WEBHOOK_SECRET is required in production"))
			}
		default:
			errs = append(errs, fmt.Errorf("CARRIER_ORDER contains unknown carrier %q", carrier))
		}
	}
	if c.IsProduction() && c.Telephony.PublicBaseURL == "" {
		errs = append(errs, errors.New("PUBLIC_BASE_URL is required in production"))
	}

	if len(c.Providers.Preference) == 0 {
		errs = append(errs, errors.New("PROVIDER_PREFERENCE is required (comma-separated, most preferred first)"))
	}
	for _, id := range c.Providers.Preference {
		if c.Providers.WSURLs[id] == "" {
			key := strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
			errs = append(errs, fmt.Errorf("PROVIDER_%s_WS_URL is required for provider %q", key, id))
		}
	}

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, fmt.Errorf("BREAKER_SUCCESS_THRESHOLD must be > 0, got %d", c.Breaker.SuccessThreshold))
	}
	if c.Session.MaxReconnectAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_RECONNECT_ATTEMPTS must be > 0, got %d", c.Session.MaxReconnectAttempts))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func optDuration(key string, def time.Duration) time.Duration {
	if d := mustDuration(key); d > 0 {
		return d
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
