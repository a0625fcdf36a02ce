package cmdguard

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/codex-k8s/approval-gate/internal/registry"
)

// Rules is the denylist applied to every token of a command.
type Rules struct {
	// Flags match a token exactly, or as NAME=value.
	Flags []string
	// TokenPatterns match any token or assignment containing them, case-insensitively.
	TokenPatterns []string
	// Subcommands match a command name followed, in order, by the remaining words.
	Subcommands [][]string
	// PathSuffixes match tokens and redirect targets ending in them at a path boundary.
	PathSuffixes []string
	// PathGlobs match tokens and redirect targets with doublestar syntax.
	PathGlobs []string
	// CredentialKeys are environment variables that must not be dereferenced.
	CredentialKeys []string
}

// DefaultRules are always in force.
func DefaultRules() Rules {
	return Rules{
		Flags:         []string{"--no-verify"},
		TokenPatterns: []string{"core.hooksPath", "HUSKY=0", "SKIP_SIMPLE_GIT_HOOKS"},
		Subcommands: [][]string{
			{"git", "commit", "-n"},
			{"git", "update-index", "--assume-unchanged"},
			{"git", "update-index", "--skip-worktree"},
			{"security", "find-generic-password"},
			{"security", "find-internet-password"},
			{"security", "dump-keychain"},
			{SelfCommand, "approve"},
			{SelfCommand, "hook"},
			{SelfCommand, "init-secret"},
		},
		PathGlobs: []string{"/proc/*/environ"},
	}
}

// Merge returns r with the entries of other appended, duplicates removed.
func (r Rules) Merge(other Rules) Rules {
	out := Rules{
		Flags:          appendUnique(r.Flags, other.Flags),
		TokenPatterns:  appendUnique(r.TokenPatterns, other.TokenPatterns),
		PathSuffixes:   appendUnique(r.PathSuffixes, other.PathSuffixes),
		PathGlobs:      appendUnique(r.PathGlobs, other.PathGlobs),
		CredentialKeys: appendUnique(r.CredentialKeys, other.CredentialKeys),
	}
	out.Subcommands = append(out.Subcommands, r.Subcommands...)
	for _, sub := range other.Subcommands {
		if !slices.ContainsFunc(out.Subcommands, func(existing []string) bool { return slices.Equal(existing, sub) }) {
			out.Subcommands = append(out.Subcommands, sub)
		}
	}
	return out
}

// FromRegistry builds the rules contributed by a registry.
func FromRegistry(reg *registry.Registry) Rules {
	g := reg.Guard()
	return Rules{
		Flags:          g.Flags,
		TokenPatterns:  g.TokenPatterns,
		Subcommands:    g.Subcommands,
		PathSuffixes:   g.PathSuffixes,
		PathGlobs:      g.PathGlobs,
		CredentialKeys: reg.GuardedCredentialKeys(),
	}
}

// ProtectedFiles turns gate state paths into suffix rules. Only the base name
// is kept so relative, absolute and ./-prefixed spellings all match.
func ProtectedFiles(paths ...string) Rules {
	var suffixes []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		suffixes = append(suffixes, filepath.Base(filepath.Clean(p)))
	}
	return Rules{PathSuffixes: suffixes}
}

func appendUnique(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := map[string]struct{}{}
	for _, items := range [][]string{base, extra} {
		for _, item := range items {
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
