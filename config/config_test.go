package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/tcp-engine/lib"
)

func TestReadConfig(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:  "empty-uses-defaults",
			input: "",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, lib.DefaultCoreConfig(), cfg.Core)
				assert.Equal(t, lib.DefaultConnectionConfig(), cfg.Connection)
			},
		},
		{
			name:  "overrides",
			input: "core:\n  max_connections: 10\nconnection:\n  initial_rto: 2s\n  user_timeout: 30s\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.Core.MaxConnections)
				assert.Equal(t, 60000, int(cfg.Core.EphemeralPortLower))
				assert.Equal(t, 2*time.Second, cfg.Connection.InitialRTO)
				assert.Equal(t, 30*time.Second, cfg.Connection.UserTimeout)
				assert.Equal(t, 5, cfg.Connection.MaxRetransmissions)
			},
		},
		{
			name:    "unknown-field",
			input:   "core:\n  window_scale: 14\n",
			wantErr: "window_scale",
		},
		{
			name:    "rto-bounds",
			input:   "connection:\n  min_rto: 5s\n  max_rto: 1s\n",
			wantErr: "RTO bounds",
		},
		{
			name:    "initial-rto-outside-bounds",
			input:   "connection:\n  initial_rto: 500ms\n",
			wantErr: "initial_rto",
		},
		{
			name:    "port-range",
			input:   "core:\n  ephemeral_port_lower: 61000\n  ephemeral_port_upper: 60000\n",
			wantErr: "port range",
		},
		{
			name:    "small-mss",
			input:   "core:\n  preferred_mss: 32\n",
			wantErr: "preferred_mss",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ReadConfig(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	core, conn, err := LoadConfig(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, core.MaxConnections)
	assert.Equal(t, 120*time.Second, conn.MaxRTO)

	_, _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("core: [1, 2"), 0o644))
	_, _, err = LoadConfig(bad)
	require.Error(t, err)
}
