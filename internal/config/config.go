package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store document filenames inside StateDir.
const (
	ApprovalsFile = "protected-action-approvals.json"
	CommitFile    = "commit-approval.json"
	BypassFile    = "bypass-approval.json"
)

// Config stores environment-driven settings for the gate.
type Config struct {
	// RegistryPath is the path to the protected-actions document (JSON, JSONC or YAML).
	RegistryPath string `env:"APPROVAL_GATE_CONFIG" envDefault:".approval-gate/protected-actions.json"`
	// StateDir holds the approval store documents.
	StateDir string `env:"APPROVAL_GATE_STATE_DIR" envDefault:".approval-gate/state"`
	// SecretPath is the HMAC key file.
	SecretPath string `env:"APPROVAL_GATE_SECRET_FILE" envDefault:".approval-gate/secret.key"`
	// LogLevel sets the logger level.
	LogLevel string `env:"APPROVAL_GATE_LOG_LEVEL" envDefault:"info"`
	// Lang selects message language for templates.
	Lang string `env:"APPROVAL_GATE_LANG" envDefault:"en"`
	// ApprovalTTL is the expiry window for tool-call approvals.
	ApprovalTTL time.Duration `env:"APPROVAL_GATE_APPROVAL_TTL" envDefault:"5m"`
	// CommitTTL is the expiry window for commit approvals.
	CommitTTL time.Duration `env:"APPROVAL_GATE_COMMIT_TTL" envDefault:"5m"`
	// BypassTTL is the expiry window for bypass tokens.
	BypassTTL time.Duration `env:"APPROVAL_GATE_BYPASS_TTL" envDefault:"2m"`
	// LockTimeout bounds store lock acquisition.
	LockTimeout time.Duration `env:"APPROVAL_GATE_LOCK_TIMEOUT" envDefault:"2s"`
	// RepoDir is the git work tree inspected by the commit gate.
	RepoDir string `env:"APPROVAL_GATE_REPO_DIR" envDefault:"."`
}

// Load parses environment variables into Config.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would weaken expiry or locking.
func (c Config) Validate() error {
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("APPROVAL_GATE_APPROVAL_TTL must be positive")
	}
	if c.CommitTTL <= 0 {
		return fmt.Errorf("APPROVAL_GATE_COMMIT_TTL must be positive")
	}
	if c.BypassTTL <= 0 {
		return fmt.Errorf("APPROVAL_GATE_BYPASS_TTL must be positive")
	}
	if c.BypassTTL > c.ApprovalTTL {
		return fmt.Errorf("APPROVAL_GATE_BYPASS_TTL must not exceed APPROVAL_GATE_APPROVAL_TTL")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("APPROVAL_GATE_LOCK_TIMEOUT must be positive")
	}
	return nil
}

// ApprovalsPath returns the tool-call approvals document path.
func (c Config) ApprovalsPath() string { return filepath.Join(c.StateDir, ApprovalsFile) }

// CommitPath returns the commit approval document path.
func (c Config) CommitPath() string { return filepath.Join(c.StateDir, CommitFile) }

// BypassPath returns the bypass token document path.
func (c Config) BypassPath() string { return filepath.Join(c.StateDir, BypassFile) }

// ProtectedPaths lists the files the command guard must never let a shell command touch.
func (c Config) ProtectedPaths() []string {
	return []string{c.SecretPath, c.RegistryPath, c.ApprovalsPath(), c.CommitPath(), c.BypassPath()}
}
