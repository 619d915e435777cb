package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config represents the entire application configuration
type Config struct {
	Env     string        `json:"env"`
	Port    int           `json:"port"`
	AppName string        `json:"app_name"`
	Backend BackendConfig `json:"backend"`
	Engine  EngineConfig  `json:"engine"`
	Assets  AssetsConfig  `json:"assets"`
	MongoDB MongoDBConfig `json:"mongodb"`
	Redis   RedisConfig   `json:"redis"`
	Rabbit  RabbitConfig  `json:"rabbitmq"`
	AWS     AWSConfig     `json:"aws"`
	Logging LoggingConfig `json:"logging"`
	CORS    CORSConfig    `json:"cors"`
}

// BackendConfig locates the generation backend
type BackendConfig struct {
	BaseURL             string `json:"base_url"`
	ClientID            string `json:"client_id"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// EngineConfig tunes the processing pipeline
type EngineConfig struct {
	MaxConcurrentJobs     int  `json:"max_concurrent_jobs"`
	DefaultTimeoutMinutes int  `json:"default_timeout_minutes"`
	StallCycles           int  `json:"stall_cycles"`
	RetentionHours        int  `json:"retention_hours"`
	MirrorOutputs         bool `json:"mirror_outputs"`
}

// AssetsConfig tunes the model catalog lookups
type AssetsConfig struct {
	CacheTTLSeconds int `json:"cache_ttl_seconds"`
	RequestsPerMin  int `json:"requests_per_minute"`
	WindowSeconds   int `json:"window_seconds"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

// RedisConfig contains Redis connection details
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitConfig contains the event broker connection details
type RabbitConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// AWSConfig contains the output mirror settings
type AWSConfig struct {
	Region string `json:"region"`
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path. Connection
// secrets may be overridden via environment variables so deployments do not
// bake credentials into the config file.
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	c.Backend.BaseURL = getEnv("BACKEND_URL", c.Backend.BaseURL)
	c.MongoDB.URI = getEnv("MONGO_URI", c.MongoDB.URI)
	c.MongoDB.Username = getEnv("MONGO_USERNAME", c.MongoDB.Username)
	c.MongoDB.Password = getEnv("MONGO_PASSWORD", c.MongoDB.Password)
	c.Redis.Address = getEnv("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Rabbit.URL = getEnv("RABBITMQ_URL", c.Rabbit.URL)
	c.AWS.Bucket = getEnv("AWS_BUCKET", c.AWS.Bucket)
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Backend.PollIntervalSeconds == 0 {
		c.Backend.PollIntervalSeconds = 2
	}
	if c.Engine.MaxConcurrentJobs == 0 {
		c.Engine.MaxConcurrentJobs = 3
	}
	if c.Engine.DefaultTimeoutMinutes == 0 {
		c.Engine.DefaultTimeoutMinutes = 30
	}
	if c.Engine.StallCycles == 0 {
		c.Engine.StallCycles = 10
	}
	if c.Engine.RetentionHours == 0 {
		c.Engine.RetentionHours = 24
	}
	if c.Assets.CacheTTLSeconds == 0 {
		c.Assets.CacheTTLSeconds = 300
	}
	if c.Assets.RequestsPerMin == 0 {
		c.Assets.RequestsPerMin = 60
	}
	if c.Assets.WindowSeconds == 0 {
		c.Assets.WindowSeconds = 60
	}
	// cors.New rejects a config with no origins at all.
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Origin", "Content-Type", "Authorization"}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
