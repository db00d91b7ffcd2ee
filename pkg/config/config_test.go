package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(APITokenEnv, "")
	t.Setenv(AllowedOriginsEnv, "")

	cfg, err := LoadServer(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ":8410", cfg.ListenAddr)
	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, []string{"claude", "-p"}, cfg.AgentCommand)
	assert.Equal(t, "default", cfg.WorkspaceID)
	assert.Empty(t, cfg.APIToken)
}

func TestLoadServer_FileOverridesDefaults(t *testing.T) {
	t.Setenv(APITokenEnv, "")
	t.Setenv(AllowedOriginsEnv, "")

	home := t.TempDir()
	raw := []byte("listen_addr: \":9000\"\nbase_branch: develop\nallowed_origins:\n  - https://pm.example.com\n")
	require.NoError(t, os.WriteFile(filepath.Join(home, "falcon.yaml"), raw, 0o600))

	cfg, err := LoadServer(home)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "develop", cfg.BaseBranch)
	assert.Equal(t, []string{"https://pm.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"claude", "-p"}, cfg.AgentCommand, "unset fields keep their defaults")
}

func TestLoadServer_MalformedFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, "falcon.yaml"), []byte("listen_addr: [:::"), 0o600))

	_, err := LoadServer(home)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadServer_EnvironmentWins(t *testing.T) {
	home := t.TempDir()
	raw := []byte("allowed_origins:\n  - https://from-file.example.com\n")
	require.NoError(t, os.WriteFile(filepath.Join(home, "falcon.yaml"), raw, 0o600))

	t.Setenv(APITokenEnv, "secret-token")
	t.Setenv(AllowedOriginsEnv, " https://a.example.com , https://b.example.com ,")

	cfg, err := LoadServer(home)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.APIToken)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestServerValidate(t *testing.T) {
	valid := func() *Server {
		cfg := DefaultServer()
		cfg.APIToken = "tok"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Server)
		field  string
	}{
		{"missing token", func(s *Server) { s.APIToken = "" }, APITokenEnv},
		{"empty listen addr", func(s *Server) { s.ListenAddr = "" }, "listen_addr"},
		{"no agent command", func(s *Server) { s.AgentCommand = nil }, "agent_command"},
		{"bad conn limit", func(s *Server) { s.MaxConnsPerIP = 0 }, "max_conns_per_ip"},
		{"bad subscription limit", func(s *Server) { s.MaxSubscriptions = -1 }, "max_subscriptions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
