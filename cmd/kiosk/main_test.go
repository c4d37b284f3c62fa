package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    flags
		wantErr bool
	}{
		{
			name: "defaults",
			want: flags{tokenTTL: 12 * time.Hour},
		},
		{
			name: "all",
			args: []string{"-c", "kiosk.yaml", "--data-dir", "/var/lib/kiosk", "--demo", "--admin-token", "ops", "--token-ttl", "1h"},
			want: flags{configFile: "kiosk.yaml", dataDir: "/var/lib/kiosk", demo: true, adminToken: "ops", tokenTTL: time.Hour},
		},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
		{name: "positional", args: []string{"serve"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHelpIsNotAnError(t *testing.T) {
	_, err := parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.NoError(t, run([]string{"--help"}))
}

func TestPrintAdminTokenRequiresSecret(t *testing.T) {
	t.Setenv("KIOSK_ADMIN_JWT_SECRET", "")
	assert.Error(t, run([]string{"--admin-token", "ops"}))
}
