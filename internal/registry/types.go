package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the protected-actions configuration as written by operators.
type Document struct {
	// UnprotectedServers are known servers whose tools never need approval.
	UnprotectedServers []string `json:"unprotectedServers" yaml:"unprotectedServers"`
	// Protected lists the protected targets.
	Protected []Entry `json:"protected" yaml:"protected"`
	// CommandGuard extends the built-in command denylist.
	CommandGuard GuardConfig `json:"commandGuard" yaml:"commandGuard"`
	// Commit configures the commit review gate.
	Commit CommitConfig `json:"commit" yaml:"commit"`
}

// Entry identifies one protected target.
type Entry struct {
	// Server is the MCP server name.
	Server string `json:"server" yaml:"server"`
	// Tools is "*" or a list of tool names or globs.
	Tools ToolPattern `json:"tools" yaml:"tools"`
	// Phrase is the approval phrase; a leading APPROVE is optional.
	Phrase string `json:"phrase" yaml:"phrase"`
	// Protection is approval-only or delegated-approval.
	Protection string `json:"protection" yaml:"protection"`
	// CredentialKeys are environment variable names the command guard protects.
	CredentialKeys []string `json:"credentialKeys" yaml:"credentialKeys"`
}

// GuardConfig lists additional command guard rules.
type GuardConfig struct {
	Flags               []string   `json:"flags" yaml:"flags"`
	TokenPatterns       []string   `json:"tokenPatterns" yaml:"tokenPatterns"`
	Subcommands         [][]string `json:"subcommands" yaml:"subcommands"`
	PathSuffixes        []string   `json:"pathSuffixes" yaml:"pathSuffixes"`
	PathGlobs           []string   `json:"pathGlobs" yaml:"pathGlobs"`
	ExtraCredentialKeys []string   `json:"extraCredentialKeys" yaml:"extraCredentialKeys"`
}

// CommitConfig configures the commit review gate. ForbiddenFiles,
// ExpectedHooksPath and Lint are all required by the gate; a commit is
// blocked while any of them is unset.
type CommitConfig struct {
	// ForbiddenFiles must not exist in the work tree.
	ForbiddenFiles []string `json:"forbiddenFiles" yaml:"forbiddenFiles"`
	// ExpectedHooksPath is the required core.hooksPath value.
	ExpectedHooksPath string `json:"expectedHooksPath" yaml:"expectedHooksPath"`
	// PrimaryBranch is subject to the backlog policy.
	PrimaryBranch string `json:"primaryBranch" yaml:"primaryBranch"`
	// Lint is the zero-warning static analysis pass.
	Lint *LintConfig `json:"lint" yaml:"lint"`
	// Backlog lists the stores that must be empty before committing to PrimaryBranch.
	Backlog []BacklogSource `json:"backlog" yaml:"backlog"`
}

// LintConfig runs a linter over staged files.
type LintConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
	// Include filters staged files with doublestar globs; empty passes all files.
	Include []string `json:"include" yaml:"include"`
	Timeout string   `json:"timeout" yaml:"timeout"`
}

// BacklogSource is one count query over a SQLite database.
type BacklogSource struct {
	Name     string `json:"name" yaml:"name"`
	Database string `json:"database" yaml:"database"`
	Query    string `json:"query" yaml:"query"`
}

// ToolPattern is either every tool of a server or an explicit set.
type ToolPattern struct {
	All   bool
	Names []string
}

// AllTools matches every tool.
var AllTools = ToolPattern{All: true}

// UnmarshalJSON accepts "*" or an array of strings.
func (p *ToolPattern) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return p.fromString(single)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("tools must be \"*\" or a list of names")
	}
	return p.fromList(list)
}

// UnmarshalYAML accepts "*" or a sequence of strings.
func (p *ToolPattern) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return p.fromString(node.Value)
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		return p.fromList(list)
	default:
		return fmt.Errorf("line %d: tools must be \"*\" or a list of names", node.Line)
	}
}

// MarshalJSON renders the pattern in its document form.
func (p ToolPattern) MarshalJSON() ([]byte, error) {
	if p.All {
		return json.Marshal("*")
	}
	return json.Marshal(p.Names)
}

func (p *ToolPattern) fromString(value string) error {
	if strings.TrimSpace(value) != "*" {
		return fmt.Errorf("tools string form must be \"*\", got %q", value)
	}
	*p = AllTools
	return nil
}

func (p *ToolPattern) fromList(list []string) error {
	names := make([]string, 0, len(list))
	for _, name := range list {
		name = strings.TrimSpace(name)
		if name == "*" {
			*p = AllTools
			return nil
		}
		names = append(names, name)
	}
	*p = ToolPattern{Names: names}
	return nil
}

// String renders the pattern for listings.
func (p ToolPattern) String() string {
	if p.All {
		return "*"
	}
	return strings.Join(p.Names, ",")
}
