// Package cmdguard rejects shell commands that bypass git hooks, tamper with
// gate state or dereference guarded credentials. Commands are parsed with a
// real shell grammar so quoting cannot hide a blocked token, and string
// arguments that look like scripts (bash -c, eval) are parsed again.
package cmdguard

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/syntax"
)

// maxDepth bounds re-parsing of nested script strings.
const maxDepth = 4

// Categories reported in Result.Rule.
const (
	RuleParse       = "parse"
	RuleFlag        = "flag"
	RuleToken       = "token"
	RuleSubcommand  = "subcommand"
	RulePath        = "path"
	RuleCredential  = "credential"
	RuleEnvDump     = "env-dump"
	RuleRedirection = "redirect"
)

// SelfCommand is the gate's own binary name. Its approval subcommands are
// never reachable from an agent shell.
const SelfCommand = "approval-gate"

var paramRef = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)`)

// Result is the outcome for one command string.
type Result struct {
	Blocked bool
	Rule    string
	Reason  string
	// Final results cannot be lifted by a bypass token: they protect the
	// gate's own state and approval commands.
	Final bool
}

// Guard evaluates commands against compiled rules.
type Guard struct {
	rules    Rules
	patterns []string
	creds    map[string]struct{}
}

// New compiles rules.
func New(rules Rules) *Guard {
	g := &Guard{rules: rules, creds: map[string]struct{}{}}
	for _, p := range rules.TokenPatterns {
		g.patterns = append(g.patterns, strings.ToLower(p))
	}
	for _, key := range rules.CredentialKeys {
		g.creds[key] = struct{}{}
	}
	return g
}

// Rules returns the rules in force.
func (g *Guard) Rules() Rules { return g.rules }

// Evaluate checks one command string. Any single match blocks the whole
// command; a command that does not parse is blocked.
func (g *Guard) Evaluate(command string) Result {
	file, err := parse(command)
	if err != nil {
		return Result{Blocked: true, Rule: RuleParse, Reason: fmt.Sprintf("command could not be parsed: %v", err)}
	}
	if res := g.scanFile(file, 0); res.Blocked {
		return res
	}
	return Result{}
}

func parse(src string) (*syntax.File, error) {
	return syntax.NewParser().Parse(strings.NewReader(src), "")
}

func (g *Guard) scanFile(file *syntax.File, depth int) Result {
	var res Result
	syntax.Walk(file, func(node syntax.Node) bool {
		if res.Blocked {
			return false
		}
		switch n := node.(type) {
		case *syntax.CallExpr:
			res = g.scanCall(n, depth)
		case *syntax.DeclClause:
			res = g.scanDecl(n, depth)
		case *syntax.ParamExp:
			if n.Param != nil {
				res = g.checkCredential(n.Param.Value)
			}
		case *syntax.Redirect:
			if n.Word != nil {
				target := flatten(n.Word)
				if r := g.checkPath(target); r.Blocked {
					r.Rule = RuleRedirection
					r.Reason = fmt.Sprintf("redirection %s %s", n.Op, r.Reason)
					res = r
				}
			}
		}
		return !res.Blocked
	})
	return res
}

func (g *Guard) scanCall(call *syntax.CallExpr, depth int) Result {
	words := make([]string, 0, len(call.Assigns)+len(call.Args))
	for _, assign := range call.Assigns {
		if assign.Name == nil {
			continue
		}
		value := ""
		if assign.Value != nil {
			value = flatten(assign.Value)
		}
		words = append(words, assign.Name.Value+"="+value)
	}
	args := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		args = append(args, flatten(w))
	}
	words = append(words, args...)

	for _, token := range words {
		if res := g.checkToken(token); res.Blocked {
			return res
		}
	}
	if res := g.checkSubcommands(args); res.Blocked {
		return res
	}
	if res := g.checkEnvDump(args); res.Blocked {
		return res
	}
	for _, token := range words {
		if res := g.scanNested(token, depth); res.Blocked {
			return res
		}
	}
	return Result{}
}

// scanNested re-parses tokens that may be scripts handed to another shell.
// Nested text that does not parse is scanned token by token instead.
func (g *Guard) scanNested(token string, depth int) Result {
	if !strings.ContainsAny(token, " \t\n$;|&`") {
		return Result{}
	}
	if depth+1 >= maxDepth {
		return g.scanFields(token)
	}
	file, err := parse(token)
	if err != nil {
		return g.scanFields(token)
	}
	return g.scanFile(file, depth+1)
}

func (g *Guard) scanFields(text string) Result {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, `"'`+"`;|&()")
		if res := g.checkToken(field); res.Blocked {
			return res
		}
	}
	for _, m := range paramRef.FindAllStringSubmatch(text, -1) {
		if res := g.checkCredential(m[1]); res.Blocked {
			return res
		}
	}
	return Result{}
}

func (g *Guard) checkToken(token string) Result {
	if token == "" {
		return Result{}
	}
	for _, flag := range g.rules.Flags {
		if token == flag || strings.HasPrefix(token, flag+"=") {
			return Result{Blocked: true, Rule: RuleFlag, Reason: fmt.Sprintf("flag %s is not allowed", flag)}
		}
	}
	lower := strings.ToLower(token)
	for i, pattern := range g.patterns {
		if strings.Contains(lower, pattern) {
			return Result{Blocked: true, Rule: RuleToken, Reason: fmt.Sprintf("token %s is not allowed", g.rules.TokenPatterns[i])}
		}
	}
	return g.checkPath(token)
}

// CheckPath applies the protected path rules to a file named directly by a
// non-shell tool.
func (g *Guard) CheckPath(path string) Result {
	return g.checkPath(path)
}

func (g *Guard) checkPath(token string) Result {
	if token == "" {
		return Result{}
	}
	candidates := []string{token}
	// Cover "--file=path" and "key=path" spellings.
	if idx := strings.LastIndex(token, "="); idx >= 0 && idx < len(token)-1 {
		candidates = append(candidates, token[idx+1:])
	}
	for _, candidate := range candidates {
		clean := filepath.ToSlash(filepath.Clean(candidate))
		for _, suffix := range g.rules.PathSuffixes {
			suffix = strings.TrimPrefix(filepath.ToSlash(filepath.Clean(suffix)), "./")
			if clean == suffix || strings.HasSuffix(clean, "/"+suffix) {
				return Result{Blocked: true, Rule: RulePath, Reason: fmt.Sprintf("path %s is protected", candidate), Final: true}
			}
		}
		for _, glob := range g.rules.PathGlobs {
			if ok, err := doublestar.Match(glob, clean); err == nil && ok {
				return Result{Blocked: true, Rule: RulePath, Reason: fmt.Sprintf("path %s is protected", candidate)}
			}
		}
	}
	return Result{}
}

func (g *Guard) checkCredential(name string) Result {
	if _, ok := g.creds[name]; ok {
		return Result{Blocked: true, Rule: RuleCredential, Reason: fmt.Sprintf("reference to guarded credential %s", name)}
	}
	return Result{}
}

func (g *Guard) checkSubcommands(args []string) Result {
	for _, sub := range g.rules.Subcommands {
		if matchSubcommand(args, sub) {
			return Result{
				Blocked: true,
				Rule:    RuleSubcommand,
				Reason:  fmt.Sprintf("%s is not allowed", strings.Join(sub, " ")),
				Final:   sub[0] == SelfCommand,
			}
		}
	}
	return Result{}
}

// matchSubcommand finds sub[0] as a command word, wrappers such as sudo or
// env included, followed in order by the rest of sub.
func matchSubcommand(args, sub []string) bool {
	if len(sub) == 0 {
		return false
	}
	for i, arg := range args {
		if path.Base(filepath.ToSlash(arg)) != sub[0] {
			continue
		}
		rest := sub[1:]
		for _, next := range args[i+1:] {
			if len(rest) == 0 {
				break
			}
			if argMatches(next, rest[0]) {
				rest = rest[1:]
			}
		}
		if len(rest) == 0 {
			return true
		}
	}
	return false
}

// valueOptions are short options that consume the rest of a clustered token
// as their value, as in "git commit -mn" where "n" is the message.
const valueOptions = "mFCctS"

// argMatches reports whether arg satisfies want. A single-letter short option
// also matches inside a cluster such as "-anm" up to the first option that
// takes a value.
func argMatches(arg, want string) bool {
	if arg == want {
		return true
	}
	if len(want) != 2 || want[0] != '-' || !isLetter(want[1]) {
		return false
	}
	if len(arg) < 3 || arg[0] != '-' || arg[1] == '-' {
		return false
	}
	for i := 1; i < len(arg); i++ {
		c := arg[i]
		if !isLetter(c) {
			return false
		}
		if c == want[1] {
			return true
		}
		if strings.IndexByte(valueOptions, c) >= 0 {
			return false
		}
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

var wrappers = map[string]struct{}{
	"sudo": {}, "command": {}, "exec": {}, "nohup": {}, "nice": {}, "time": {}, "xargs": {}, "doas": {},
}

// checkEnvDump blocks printenv NAME for guarded names, and bare env or
// printenv listings whenever any credential is guarded.
func (g *Guard) checkEnvDump(args []string) Result {
	if len(g.creds) == 0 {
		return Result{}
	}
	for i, arg := range args {
		name := path.Base(filepath.ToSlash(arg))
		if i > 0 {
			if _, ok := wrappers[path.Base(filepath.ToSlash(args[i-1]))]; !ok {
				continue
			}
		}
		switch name {
		case "printenv":
			operands := nonFlags(args[i+1:])
			if len(operands) == 0 {
				return Result{Blocked: true, Rule: RuleEnvDump, Reason: "printenv without arguments exposes guarded credentials"}
			}
			for _, operand := range operands {
				if res := g.checkCredential(operand); res.Blocked {
					return res
				}
			}
		case "env", "set":
			if len(nonFlags(args[i+1:])) == 0 {
				return Result{Blocked: true, Rule: RuleEnvDump, Reason: name + " without arguments exposes guarded credentials"}
			}
		}
	}
	return Result{}
}

// scanDecl handles export, declare and friends, which parse as declarations
// rather than calls.
func (g *Guard) scanDecl(decl *syntax.DeclClause, depth int) Result {
	operands := 0
	for _, assign := range decl.Args {
		var token string
		switch {
		case assign.Name != nil && assign.Value != nil:
			token = assign.Name.Value + "=" + flatten(assign.Value)
		case assign.Name != nil:
			token = assign.Name.Value
		case assign.Value != nil:
			token = flatten(assign.Value)
		}
		if !strings.HasPrefix(token, "-") {
			operands++
		}
		if res := g.checkToken(token); res.Blocked {
			return res
		}
		if res := g.scanNested(token, depth); res.Blocked {
			return res
		}
	}
	if operands == 0 && len(g.creds) > 0 {
		variant := "declaration"
		if decl.Variant != nil {
			variant = decl.Variant.Value
		}
		return Result{Blocked: true, Rule: RuleEnvDump, Reason: variant + " without arguments exposes guarded credentials"}
	}
	return Result{}
}

func nonFlags(args []string) []string {
	out := []string{}
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// flatten renders a word with quotes removed. Parameter expansions keep
// their $NAME spelling; command substitutions are walked separately.
func flatten(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		writePart(&b, part)
	}
	return b.String()
}

func writePart(b *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		b.WriteString(p.Value)
	case *syntax.SglQuoted:
		b.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			writePart(b, inner)
		}
	case *syntax.ParamExp:
		if p.Param != nil {
			b.WriteString("${" + p.Param.Value + "}")
		}
	}
}
