package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callcenter", SSLMode: "disable"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Telephony: TelephonyConfig{
			CarrierOrder: []string{"twilio", "telnyx"},
		},
		Twilio: TwilioConfig{AccountSID: "ACxxx", AuthToken: "tok"},
		Telnyx: TelnyxConfig{APIKey: "key", ConnectionID: "conn-1"},
		Providers: ProvidersConfig{
			Preference: []string{"openai-realtime"},
			WSURLs:     map[string]string{"openai-realtime": "wss://api.example.com/v1/realtime"},
			APIKeys:    map[string]string{"openai-realtime": "sk-test"},
		},
		Breaker: BreakerConfig{FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 30 * time.Second},
		Session: SessionConfig{MaxReconnectAttempts: 5, InitialReconnectDelay: time.Second, LivenessTimeout: 30 * time.Second, BufferCapacity: 100},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	c.Telephony.PublicBaseURL = "https://api.example.com"
	c.Auth.JWTIssuer = "callcenter"
	c.Auth.JWTAudience = "api"
	c.Telnyx.WebhookSecret = "whsec"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validConfig()
	c.DB.SSLMode = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_RejectsUnknownCarrier(t *testing.T) {
	c := validConfig()
	c.Telephony.CarrierOrder = []string{"twilio", "carrierx"}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "unknown carrier") {
		t.Fatalf("expected unknown carrier error, got %v", err)
	}
}

func TestValidate_RequiresCarrierCredentials(t *testing.T) {
	c := validConfig()
	c.Twilio.AuthToken = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for twilio carrier without credentials")
	}
}

func TestValidate_RequiresProviderEndpoint(t *testing.T) {
	c := validConfig()
	c.Providers.WSURLs = map[string]string{}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "PROVIDER_OPENAI_REALTIME_WS_URL") {
		t.Fatalf("expected provider endpoint error, got %v", err)
	}
}
