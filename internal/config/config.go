package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr         string        `mapstructure:"addr"`
		BaseURL      string        `mapstructure:"base_url"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
		ShutdownWait time.Duration `mapstructure:"shutdown_wait"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
	DB struct {
		Driver   string `mapstructure:"driver"` // postgres or memory
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	LLM struct {
		Provider string `mapstructure:"provider"` // openai or anthropic
		Model    string `mapstructure:"model"`
		APIKey   string `mapstructure:"api_key"`
		BaseURL  string `mapstructure:"base_url"`
	} `mapstructure:"llm"`
	Images struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"images"`
	Engine struct {
		IterationThreshold int           `mapstructure:"iteration_threshold"`
		MaxSteps           int           `mapstructure:"max_steps"`
		SummaryLimit       int           `mapstructure:"summary_limit"`
		RoutingContext     int           `mapstructure:"routing_context"`
		Rehydrate          bool          `mapstructure:"rehydrate"`
		FailOnRejection    bool          `mapstructure:"fail_on_rejection"`
		FailInterrupted    bool          `mapstructure:"fail_interrupted"`
		PreAnalysis        bool          `mapstructure:"pre_analysis"`
		MaxRetries         int           `mapstructure:"max_retries"`
		RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
		RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	} `mapstructure:"engine"`
	Approvals struct {
		Timeout       time.Duration `mapstructure:"timeout"`
		OnTimeout     string        `mapstructure:"on_timeout"`
		SweepSchedule string        `mapstructure:"sweep_schedule"`
	} `mapstructure:"approvals"`
	Live struct {
		BufferSize int  `mapstructure:"buffer_size"`
		PGBridge   bool `mapstructure:"pg_bridge"`
	} `mapstructure:"live"`
	Workers struct {
		Source string `mapstructure:"source"` // db or file
		File   string `mapstructure:"file"`
	} `mapstructure:"workers"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Telemetry struct {
		ServiceName string `mapstructure:"service_name"`
	} `mapstructure:"telemetry"`
}

// LoadConfig loads the configuration from a file and the environment. When
// envFile is set its variables are loaded into the process environment first.
// configFile, when set, replaces the default search for config.yaml.
func LoadConfig(envFile, configFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !asNotFound(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_wait", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("engine.iteration_threshold", 3)
	v.SetDefault("engine.max_steps", 500)
	v.SetDefault("engine.summary_limit", 500)
	v.SetDefault("engine.routing_context", 1500)
	v.SetDefault("engine.rehydrate", true)
	v.SetDefault("engine.pre_analysis", true)
	v.SetDefault("engine.fail_interrupted", true)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.retry_base_delay", time.Second)
	v.SetDefault("engine.retry_max_delay", 8*time.Second)
	v.SetDefault("approvals.on_timeout", "none")
	v.SetDefault("approvals.sweep_schedule", "@every 1m")
	v.SetDefault("live.buffer_size", 64)
	v.SetDefault("workers.source", "db")
	v.SetDefault("telemetry.service_name", "agentflow")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown db.driver %q", c.DB.Driver)
	}
	switch c.Approvals.OnTimeout {
	case "none", "approve", "reject", "escalate":
	default:
		return fmt.Errorf("config: unknown approvals.on_timeout %q", c.Approvals.OnTimeout)
	}
	switch c.Workers.Source {
	case "db":
	case "file":
		if c.Workers.File == "" {
			return fmt.Errorf("config: workers.file is required when workers.source is file")
		}
	default:
		return fmt.Errorf("config: unknown workers.source %q", c.Workers.Source)
	}
	if c.Engine.IterationThreshold < 2 {
		return fmt.Errorf("config: engine.iteration_threshold must be at least 2")
	}
	return nil
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
