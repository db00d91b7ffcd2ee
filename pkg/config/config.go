package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Environment variables consumed by the server.
const (
	APITokenEnv       = "PM_API_TOKEN"
	AllowedOriginsEnv = "PM_API_ALLOWED_ORIGINS"
)

// serverFile is the optional server settings file inside the home.
const serverFile = "falcon.yaml"

// Server is the orchestrator runtime configuration: defaults, overridden
// by <home>/falcon.yaml, overridden by environment variables.
type Server struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// APIToken authenticates transport clients. Environment only; never
	// read from the YAML file.
	APIToken string `yaml:"-"`

	// AllowedOrigins is the framed-transport origin allow-list.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// BaseBranch is the branch issue branches are cut from.
	BaseBranch string `yaml:"base_branch"`

	// ToolBaseURL is handed to agent subprocesses.
	ToolBaseURL string `yaml:"tool_base_url"`

	// AgentCommand is the agent executable plus fixed arguments.
	AgentCommand []string `yaml:"agent_command"`

	// IdentityName and IdentityEmail are the git identity configured in
	// every provisioned worktree.
	IdentityName  string `yaml:"identity_name"`
	IdentityEmail string `yaml:"identity_email"`

	// MaxConnsPerIP and MaxSubscriptions bound each transport client.
	MaxConnsPerIP    int `yaml:"max_conns_per_ip"`
	MaxSubscriptions int `yaml:"max_subscriptions"`

	// WorkspaceID scopes kill-switch records.
	WorkspaceID string `yaml:"workspace_id"`
}

// DefaultServer returns the built-in server settings.
func DefaultServer() *Server {
	return &Server{
		ListenAddr:       ":8410",
		BaseBranch:       "main",
		ToolBaseURL:      "http://127.0.0.1:8410",
		AgentCommand:     []string{"claude", "-p"},
		IdentityName:     "falcon-agent",
		IdentityEmail:    "agent@falcon.local",
		MaxConnsPerIP:    20,
		MaxSubscriptions: 100,
		WorkspaceID:      "default",
	}
}

// LoadServer resolves the server configuration for a home directory:
// built-in defaults, the optional falcon.yaml, then environment
// variables, in increasing precedence.
func LoadServer(home string) (*Server, error) {
	cfg := DefaultServer()

	path := filepath.Join(home, serverFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var file Server
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &file, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		slog.Info("Loaded server configuration file", "path", path)
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.APIToken = os.Getenv(APITokenEnv)
	if origins := os.Getenv(AllowedOriginsEnv); origins != "" {
		cfg.AllowedOrigins = cfg.AllowedOrigins[:0]
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}

// Validate checks the fields the server cannot run without.
func (s *Server) Validate() error {
	if s.APIToken == "" {
		return NewValidationError(APITokenEnv, "must be set for transport auth")
	}
	if s.ListenAddr == "" {
		return NewValidationError("listen_addr", "must not be empty")
	}
	if len(s.AgentCommand) == 0 {
		return NewValidationError("agent_command", "must name the agent executable")
	}
	if s.MaxConnsPerIP <= 0 {
		return NewValidationError("max_conns_per_ip", "must be positive")
	}
	if s.MaxSubscriptions <= 0 {
		return NewValidationError("max_subscriptions", "must be positive")
	}
	return nil
}
