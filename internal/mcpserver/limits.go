package mcpserver

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/codex-k8s/approval-gate/internal/templates"
)

// FieldPolicy describes validation rules for a single string field.
type FieldPolicy struct {
	// Regex validates string value format.
	Regex string
	// MinLength sets string minimum length in runes.
	MinLength *int
	// MaxLength sets string maximum length in runes.
	MaxLength *int
}

type limiterState struct {
	count   int
	limiter *rate.Limiter
}

// Limits keeps per-tool counters and compiled field policies for the
// requests that reach the human channel.
type Limits struct {
	mu            sync.Mutex
	byTool        map[string]*limiterState
	maxTotal      int
	ratePerMinute int
	policies      map[string]FieldPolicy
	compiled      map[string]*regexp.Regexp
	renderer      templates.Renderer
}

// NewLimits validates regex rules and returns a limiter.
func NewLimits(maxTotal, ratePerMinute int, policies map[string]FieldPolicy, renderer templates.Renderer) (*Limits, error) {
	compiled := make(map[string]*regexp.Regexp, len(policies))
	for field, policy := range policies {
		if policy.Regex == "" {
			continue
		}
		re, err := regexp.Compile(policy.Regex)
		if err != nil {
			return nil, fmt.Errorf("invalid regex for field %s: %w", field, err)
		}
		compiled[field] = re
	}
	return &Limits{
		byTool:        make(map[string]*limiterState),
		maxTotal:      maxTotal,
		ratePerMinute: ratePerMinute,
		policies:      policies,
		compiled:      compiled,
		renderer:      renderer,
	}, nil
}

// Allow validates fields and counts the call against the tool's budget.
// The returned reason explains a refusal.
func (l *Limits) Allow(tool string, args map[string]any) (bool, string) {
	if err := l.checkFields(args); err != nil {
		return false, err.Error()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.byTool[tool]
	if state == nil {
		state = &limiterState{}
		if l.ratePerMinute > 0 {
			state.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.ratePerMinute)), l.ratePerMinute)
		}
		l.byTool[tool] = state
	}

	if l.maxTotal > 0 && state.count >= l.maxTotal {
		return false, templates.Text(l.renderer, "mcp.max_total", nil, "Maximum number of requests exceeded")
	}
	if state.limiter != nil && !state.limiter.Allow() {
		return false, templates.Text(l.renderer, "mcp.rate_limit", nil, "Rate limit exceeded")
	}

	state.count++
	return true, ""
}

func (l *Limits) checkFields(args map[string]any) error {
	for field, policy := range l.policies {
		v, ok := args[field].(string)
		if !ok {
			continue
		}
		n := utf8.RuneCountInString(v)
		if policy.MinLength != nil && n < *policy.MinLength {
			return errors.New(templates.Text(l.renderer, "mcp.field_min_length",
				map[string]any{"Field": field, "MinLength": *policy.MinLength}, "Field "+field+" is too short"))
		}
		if policy.MaxLength != nil && n > *policy.MaxLength {
			return errors.New(templates.Text(l.renderer, "mcp.field_max_length",
				map[string]any{"Field": field, "MaxLength": *policy.MaxLength}, "Field "+field+" is too long"))
		}
		if re := l.compiled[field]; re != nil && !re.MatchString(v) {
			return errors.New(templates.Text(l.renderer, "mcp.field_regex",
				map[string]any{"Field": field}, "Field "+field+" does not match required format"))
		}
	}
	return nil
}
