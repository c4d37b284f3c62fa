package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		yaml        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults without file",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 1, cfg.Ledger.DailyQuota)
				assert.Equal(t, 50, cfg.Ledger.GlobalDailyCap)
				assert.Equal(t, 5*time.Minute, cfg.Ledger.Cooldown)
				assert.Equal(t, 0.8, cfg.Identity.SimilarityThreshold)
				assert.Equal(t, 3, cfg.Identity.SuspicionThreshold)
				assert.Equal(t, 3, cfg.Sync.MaxRetries)
				assert.Equal(t, 100, cfg.Sync.MaxItems)
				assert.Equal(t, 5*time.Second, cfg.Connectivity.ProbeInterval)
				assert.Equal(t, DefaultSteps(), cfg.Cycle.Steps)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"KIOSK_LEDGER_GLOBAL_DAILY_CAP": "10",
				"KIOSK_SYNC_MAX_RETRIES":        "5",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.Ledger.GlobalDailyCap)
				assert.Equal(t, 5, cfg.Sync.MaxRetries)
			},
		},
		{
			name: "yaml steps replace the default program",
			yaml: `
cycle:
  steps:
    - name: Quick
      duration: 10s
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				require.Len(t, cfg.Cycle.Steps, 1)
				assert.Equal(t, "Quick", cfg.Cycle.Steps[0].Name)
				assert.Equal(t, 10*time.Second, cfg.Cycle.Steps[0].Duration)
			},
		},
		{
			name:    "invalid codec rejected",
			env:     map[string]string{"KIOSK_MQTT_CODEC": "xml"},
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			yaml:    "cycle: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			file := ""
			if tt.yaml != "" {
				file = filepath.Join(t.TempDir(), "kiosk.yaml")
				require.NoError(t, os.WriteFile(file, []byte(tt.yaml), 0644))
			}

			cfg, err := Load(file)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Cycle.Steps, 4)

	var total time.Duration
	for _, s := range cfg.Cycle.Steps {
		total += s.Duration
	}
	assert.Equal(t, 300*time.Second, total)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"similarity above one", func(c *Config) { c.Identity.SimilarityThreshold = 1.5 }},
		{"zero suspicion threshold", func(c *Config) { c.Identity.SuspicionThreshold = 0 }},
		{"step without duration", func(c *Config) { c.Cycle.Steps[0].Duration = 0 }},
		{"unknown time zone", func(c *Config) { c.Ledger.TimeZone = "Mars/Olympus" }},
		{"sheets without id", func(c *Config) { c.Sheets.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.DataDir = "/var/lib/kiosk"
	assert.Equal(t, filepath.Join("/var/lib/kiosk", "kiosk.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/var/lib/kiosk", "device.cookie"), cfg.CookiePath())

	cfg.Paths.DatabaseFile = "/tmp/other.db"
	assert.Equal(t, "/tmp/other.db", cfg.DatabasePath())
}
