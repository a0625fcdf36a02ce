// Package registry loads the protected-actions configuration. A Registry is
// loaded fresh for every evaluation and passed explicitly; there is no
// process-wide instance.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/codex-k8s/approval-gate/internal/constants"
	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

// Sentinel errors.
var (
	ErrAmbiguousPhrase = errors.New("ambiguous approval phrase")
	ErrAmbiguousTarget = errors.New("ambiguous protected target")
	ErrNotConfigured   = errors.New("approval phrase not configured")
)

var phrasePattern = regexp.MustCompile(`^[A-Z_]+$`)

// Verdict classifies a server/tool pair.
type Verdict int

// Lookup verdicts.
const (
	Unknown Verdict = iota
	Unprotected
	Protected
)

func (v Verdict) String() string {
	switch v {
	case Unprotected:
		return "unprotected"
	case Protected:
		return "protected"
	default:
		return "unknown"
	}
}

// Target is the lookup result for one call.
type Target struct {
	Verdict Verdict
	// Entry is set for Protected targets.
	Entry *Entry
}

// Registry is a validated, immutable Document.
type Registry struct {
	doc         Document
	unprotected map[string]struct{}
	byServer    map[string][]int
	byPhrase    map[string]int
}

// Document returns a copy of the validated document.
func (r *Registry) Document() Document { return r.doc }

// Entries returns the protected entries in document order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, len(r.doc.Protected))
	copy(out, r.doc.Protected)
	return out
}

// UnprotectedServers returns the sorted unprotected allowlist.
func (r *Registry) UnprotectedServers() []string {
	out := make([]string, 0, len(r.unprotected))
	for name := range r.unprotected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Guard returns the command guard additions.
func (r *Registry) Guard() GuardConfig { return r.doc.CommandGuard }

// Commit returns the commit gate configuration.
func (r *Registry) Commit() CommitConfig { return r.doc.Commit }

// Lookup classifies a call. A server absent from both the protected entries
// and the unprotected allowlist is Unknown. A known server whose tool matches
// no entry is Unprotected.
func (r *Registry) Lookup(server, tool string) (Target, error) {
	if _, ok := r.unprotected[server]; ok {
		return Target{Verdict: Unprotected}, nil
	}
	indexes, ok := r.byServer[server]
	if !ok {
		return Target{Verdict: Unknown}, nil
	}
	var match *Entry
	for _, idx := range indexes {
		entry := &r.doc.Protected[idx]
		if !entry.MatchesTool(tool) {
			continue
		}
		if match != nil {
			return Target{}, fmt.Errorf("%w: %s/%s matches phrases %s and %s", ErrAmbiguousTarget, server, tool, match.Phrase, entry.Phrase)
		}
		match = entry
	}
	if match == nil {
		return Target{Verdict: Unprotected}, nil
	}
	return Target{Verdict: Protected, Entry: match}, nil
}

// ByPhrase returns the entry owning a normalized phrase.
func (r *Registry) ByPhrase(phrase string) (*Entry, error) {
	idx, ok := r.byPhrase[NormalizePhrase(phrase)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, phrase)
	}
	return &r.doc.Protected[idx], nil
}

// GuardedCredentialKeys returns every credential key the command guard protects.
func (r *Registry) GuardedCredentialKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(keys []string) {
		for _, key := range keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	for _, entry := range r.doc.Protected {
		add(entry.CredentialKeys)
	}
	add(r.doc.CommandGuard.ExtraCredentialKeys)
	sort.Strings(out)
	return out
}

// MatchesTool reports whether the entry protects tool.
func (e Entry) MatchesTool(tool string) bool {
	if e.Tools.All {
		return true
	}
	for _, pattern := range e.Tools.Names {
		if pattern == tool {
			return true
		}
		if ok, err := doublestar.Match(pattern, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// Matches reports whether the entry protects server/tool.
func (e Entry) Matches(server, tool string) bool {
	return e.Server == server && e.MatchesTool(tool)
}

// Delegable reports whether a delegated approver may approve this entry.
func (e Entry) Delegable() bool {
	return e.Protection == constants.ProtectionDelegatedApproval
}

// NormalizePhrase strips an optional leading APPROVE, collapses whitespace
// and upper-cases the rest.
func NormalizePhrase(phrase string) string {
	fields := strings.Fields(strings.ToUpper(phrase))
	if len(fields) > 1 && fields[0] == "APPROVE" {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// Validate applies defaults and verifies the document. Every failure is
// fatal: a registry that does not validate must not serve any evaluation.
func Validate(doc *Document) (*Registry, error) {
	if doc == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	reg := &Registry{
		unprotected: map[string]struct{}{},
		byServer:    map[string][]int{},
		byPhrase:    map[string]int{},
	}

	for i, name := range doc.UnprotectedServers {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("unprotectedServers[%d] is empty", i)
		}
		doc.UnprotectedServers[i] = name
		reg.unprotected[name] = struct{}{}
	}

	for i := range doc.Protected {
		entry := &doc.Protected[i]
		entry.Server = strings.TrimSpace(entry.Server)
		if entry.Server == "" {
			return nil, fmt.Errorf("protected[%d].server is required", i)
		}
		if _, ok := reg.unprotected[entry.Server]; ok {
			return nil, fmt.Errorf("protected[%d].server %s is also listed in unprotectedServers", i, entry.Server)
		}
		if !entry.Tools.All && len(entry.Tools.Names) == 0 {
			return nil, fmt.Errorf("protected[%d].tools is required", i)
		}
		for j, pattern := range entry.Tools.Names {
			if pattern == "" || !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("protected[%d].tools[%d] is not a valid pattern: %q", i, j, pattern)
			}
		}

		phrase := NormalizePhrase(entry.Phrase)
		if phrase == "" {
			return nil, fmt.Errorf("protected[%d].phrase is required", i)
		}
		if !phrasePattern.MatchString(phrase) {
			return nil, fmt.Errorf("protected[%d].phrase %q must be letters and underscores only", i, entry.Phrase)
		}
		if phrase == constants.PhraseCommit || phrase == constants.PhraseBypass {
			return nil, fmt.Errorf("protected[%d].phrase %s is reserved", i, phrase)
		}
		if prev, ok := reg.byPhrase[phrase]; ok {
			return nil, fmt.Errorf("%w: %s used by protected[%d] and protected[%d]", ErrAmbiguousPhrase, phrase, prev, i)
		}
		entry.Phrase = phrase
		reg.byPhrase[phrase] = i

		switch strings.ToLower(strings.TrimSpace(entry.Protection)) {
		case "":
			entry.Protection = constants.ProtectionApprovalOnly
		case constants.ProtectionApprovalOnly, constants.ProtectionDelegatedApproval:
			entry.Protection = strings.ToLower(strings.TrimSpace(entry.Protection))
		default:
			return nil, fmt.Errorf("protected[%d].protection must be %s or %s", i, constants.ProtectionApprovalOnly, constants.ProtectionDelegatedApproval)
		}

		for _, prev := range reg.byServer[entry.Server] {
			if overlaps(doc.Protected[prev].Tools, entry.Tools) {
				return nil, fmt.Errorf("protected[%d] overlaps protected[%d] for server %s", i, prev, entry.Server)
			}
		}
		reg.byServer[entry.Server] = append(reg.byServer[entry.Server], i)
	}

	if err := validateGuard(&doc.CommandGuard); err != nil {
		return nil, err
	}
	if err := validateCommit(&doc.Commit); err != nil {
		return nil, err
	}

	reg.doc = *doc
	return reg, nil
}

// overlaps detects the overlaps that can be decided statically. Glob
// overlaps are caught at lookup time as ErrAmbiguousTarget.
func overlaps(a, b ToolPattern) bool {
	if a.All || b.All {
		return true
	}
	set := make(map[string]struct{}, len(a.Names))
	for _, name := range a.Names {
		set[name] = struct{}{}
	}
	for _, name := range b.Names {
		if _, ok := set[name]; ok {
			return true
		}
	}
	return false
}

func validateGuard(g *GuardConfig) error {
	for i, sub := range g.Subcommands {
		if len(sub) < 2 {
			return fmt.Errorf("commandGuard.subcommands[%d] needs a command and a subcommand", i)
		}
	}
	for i, pattern := range g.PathGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("commandGuard.pathGlobs[%d] is not a valid pattern: %q", i, pattern)
		}
	}
	for i, flag := range g.Flags {
		if !strings.HasPrefix(flag, "-") {
			return fmt.Errorf("commandGuard.flags[%d] must start with '-'", i)
		}
	}
	return nil
}

func validateCommit(c *CommitConfig) error {
	if strings.TrimSpace(c.PrimaryBranch) == "" {
		c.PrimaryBranch = "main"
	}
	if c.Lint != nil {
		if strings.TrimSpace(c.Lint.Command) == "" {
			return fmt.Errorf("commit.lint.command is required")
		}
		if c.Lint.Timeout == "" {
			c.Lint.Timeout = "2m"
		}
		if timeutil.ParseDurationOrDefault(c.Lint.Timeout, 0) <= 0 {
			return fmt.Errorf("commit.lint.timeout must be a positive duration")
		}
		for i, pattern := range c.Lint.Include {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("commit.lint.include[%d] is not a valid pattern: %q", i, pattern)
			}
		}
	}
	for i, src := range c.Backlog {
		if strings.TrimSpace(src.Name) == "" {
			return fmt.Errorf("commit.backlog[%d].name is required", i)
		}
		if strings.TrimSpace(src.Database) == "" {
			return fmt.Errorf("commit.backlog[%d].database is required", i)
		}
		if strings.TrimSpace(src.Query) == "" {
			return fmt.Errorf("commit.backlog[%d].query is required", i)
		}
	}
	return nil
}
