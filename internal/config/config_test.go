package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 3, cfg.Engine.IterationThreshold)
	assert.Equal(t, 500, cfg.Engine.MaxSteps)
	assert.Equal(t, time.Second, cfg.Engine.RetryBaseDelay)
	assert.Equal(t, "none", cfg.Approvals.OnTimeout)
	assert.Equal(t, "db", cfg.Workers.Source)
	assert.True(t, cfg.Engine.FailInterrupted)
	assert.True(t, cfg.IsDev())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agentflow.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
environment: prod
db:
  driver: memory
auth:
  okta_domain: https://acme.okta.com/oauth2/default/
approvals:
  timeout: 2h
  on_timeout: escalate
`), 0o644))

	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("AGENTFLOW_ENGINE_MAX_STEPS=42\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("AGENTFLOW_ENGINE_MAX_STEPS") })
	t.Setenv("AGENTFLOW_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(env, file)
	require.NoError(t, err)

	assert.False(t, cfg.IsDev())
	assert.Equal(t, "memory", cfg.DB.Driver)
	assert.Equal(t, "https://acme.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Equal(t, 2*time.Hour, cfg.Approvals.Timeout)
	assert.Equal(t, "escalate", cfg.Approvals.OnTimeout)
	assert.Equal(t, 42, cfg.Engine.MaxSteps)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_MissingFiles(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.env"), "")
	assert.Error(t, err)

	_, err = LoadConfig("", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.DB.Driver = "memory"
		c.Approvals.OnTimeout = "none"
		c.Workers.Source = "db"
		c.Engine.IterationThreshold = 2
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"db driver":           func(c *Config) { c.DB.Driver = "mysql" },
		"timeout policy":      func(c *Config) { c.Approvals.OnTimeout = "ignore" },
		"worker source":       func(c *Config) { c.Workers.Source = "ldap" },
		"worker file missing": func(c *Config) { c.Workers.Source = "file" },
		"iteration threshold": func(c *Config) { c.Engine.IterationThreshold = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDSN(t *testing.T) {
	c := &Config{}
	c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode = "db", 5433, "u", "p", "flows", "require"
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=flows sslmode=require", c.DSN())
}
