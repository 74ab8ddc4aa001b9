package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/debateroom/go/internal/debate/syncchannel"
	"github.com/mcdev12/debateroom/go/internal/debate/turnclock"
	"gopkg.in/yaml.v3"
)

// Config is the combined configuration of every command. Values come from the
// YAML file given with --config, then environment variables override them.
type Config struct {
	Scheduler struct {
		BudgetSeconds int `yaml:"budget_seconds"`
		TickMillis    int `yaml:"tick_millis"`
	} `yaml:"scheduler"`

	Token struct {
		Port            string   `yaml:"port"`
		AccessKey       string   `yaml:"access_key"`
		Secret          string   `yaml:"secret"`
		ManagementToken string   `yaml:"management_token"`
		TemplateID      string   `yaml:"template_id"`
		RoomsAPIURL     string   `yaml:"rooms_api_url"`
		TTLMinutes      int      `yaml:"ttl_minutes"`
		UseDatabase     bool     `yaml:"use_database"`
		AllowedOrigins  []string `yaml:"allowed_origins"`
		ServiceURL      string   `yaml:"service_url"`
	} `yaml:"token"`

	Relay struct {
		Port           string   `yaml:"port"`
		URL            string   `yaml:"url"`
		RequireToken   bool     `yaml:"require_token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"relay"`

	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

func defaultConfig() *Config {
	var c Config
	c.Scheduler.BudgetSeconds = int(turnclock.DefaultBudget / time.Second)
	c.Scheduler.TickMillis = 1000
	c.Token.Port = "8080"
	c.Token.TTLMinutes = 60
	c.Token.ServiceURL = "http://localhost:8080"
	c.Relay.Port = "8081"
	c.Relay.URL = "ws://localhost:8081/ws/room"
	c.NATS.SubjectPrefix = syncchannel.DefaultSubjectPrefix
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadConfig reads path, if set, over the defaults and applies environment
// overrides.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	c.Scheduler.BudgetSeconds = getEnvAsInt("TURN_BUDGET_SECONDS", c.Scheduler.BudgetSeconds)
	c.Scheduler.TickMillis = getEnvAsInt("TICK_MILLIS", c.Scheduler.TickMillis)

	c.Token.Port = getEnv("PORT", c.Token.Port)
	c.Token.AccessKey = getEnv("APP_ACCESS_KEY", c.Token.AccessKey)
	c.Token.Secret = getEnv("APP_SECRET", c.Token.Secret)
	c.Token.ManagementToken = getEnv("MANAGEMENT_TOKEN", c.Token.ManagementToken)
	c.Token.TemplateID = getEnv("TEMPLATE_ID", c.Token.TemplateID)
	c.Token.RoomsAPIURL = getEnv("ROOMS_API_URL", c.Token.RoomsAPIURL)
	c.Token.TTLMinutes = getEnvAsInt("TOKEN_TTL_MINUTES", c.Token.TTLMinutes)
	c.Token.UseDatabase = getEnvAsBool("TOKEN_USE_DATABASE", c.Token.UseDatabase)
	c.Token.AllowedOrigins = getEnvAsList("TOKEN_ALLOWED_ORIGINS", c.Token.AllowedOrigins)
	c.Token.ServiceURL = getEnv("TOKEN_SERVICE_URL", c.Token.ServiceURL)

	c.Relay.Port = getEnv("RELAY_PORT", c.Relay.Port)
	c.Relay.URL = getEnv("RELAY_URL", c.Relay.URL)
	c.Relay.RequireToken = getEnvAsBool("RELAY_REQUIRE_TOKEN", c.Relay.RequireToken)
	c.Relay.AllowedOrigins = getEnvAsList("RELAY_ALLOWED_ORIGINS", c.Relay.AllowedOrigins)

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
}

func (c *Config) validate() error {
	if c.Scheduler.BudgetSeconds <= 0 {
		return fmt.Errorf("scheduler.budget_seconds must be positive, got %d", c.Scheduler.BudgetSeconds)
	}
	if c.Scheduler.TickMillis <= 0 {
		return fmt.Errorf("scheduler.tick_millis must be positive, got %d", c.Scheduler.TickMillis)
	}
	if c.Token.TTLMinutes <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive, got %d", c.Token.TTLMinutes)
	}
	return nil
}

// Budget is the per-turn duration budget.
func (c *Config) Budget() time.Duration {
	return time.Duration(c.Scheduler.BudgetSeconds) * time.Second
}

// TickInterval is how often a speaking scheduler recomputes remaining time.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickMillis) * time.Millisecond
}

// TokenTTL is the lifetime of issued join tokens.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Token.TTLMinutes) * time.Minute
}
