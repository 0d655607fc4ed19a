package matcher

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"relay/internal/domain"
	"relay/internal/observability"
)

// HelpdeskKeyword flags a media caption as an implicit HELPDESK match.
const HelpdeskKeyword = "helpdesk"

// Default patterns provisioned for groups seen for the first time.
const (
	PatternHelpdeskTag     = `\[HELPDESK\]`
	PatternHelpdeskHashtag = `#helpdesk\b`
)

type compiled struct {
	re  *regexp.Regexp
	err error
}

// Matcher evaluates group rules against message text. Compiled patterns are cached
// by source string, including failures, so a bad pattern is compiled and logged once.
type Matcher struct {
	Log *slog.Logger

	mu    sync.RWMutex
	cache map[string]compiled
}

func New(log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{Log: log, cache: make(map[string]compiled)}
}

// Match returns the active rules of g whose pattern matches body, in declaration order.
func (m *Matcher) Match(g domain.Group, body string) []domain.Rule {
	var out []domain.Rule
	for i, r := range g.Rules {
		if !r.Active {
			continue
		}
		re := m.compile(g.ID, i, r)
		if re == nil {
			continue
		}
		if re.MatchString(body) {
			out = append(out, r)
		}
	}
	return out
}

func (m *Matcher) compile(groupID string, idx int, r domain.Rule) *regexp.Regexp {
	m.mu.RLock()
	c, ok := m.cache[r.Pattern]
	m.mu.RUnlock()
	if ok {
		return c.re
	}

	re, err := regexp.Compile("(?i)" + r.Pattern)
	m.mu.Lock()
	if c, ok = m.cache[r.Pattern]; !ok {
		c = compiled{re: re, err: err}
		m.cache[r.Pattern] = c
	}
	m.mu.Unlock()

	if err != nil && !ok {
		observability.RuleErrors.WithLabelValues("invalid_pattern").Inc()
		m.Log.Error("invalid rule pattern, rule disabled",
			"group_id", groupID,
			"rule", r.Ref(idx),
			"err", err,
		)
	}
	return c.re
}

// MediaFlagsHelpdesk reports whether a media message's caption carries the helpdesk keyword.
func MediaFlagsHelpdesk(in domain.InboundMessage) bool {
	if !in.HasMedia {
		return false
	}
	caption := in.Caption
	if caption == "" {
		caption = in.Body
	}
	return strings.Contains(strings.ToLower(caption), HelpdeskKeyword)
}

// DefaultRules are the rules a group is provisioned with on its first message.
func DefaultRules(recipient string) []domain.Rule {
	mk := func(p string) domain.Rule {
		return domain.Rule{
			Pattern: p,
			Type:    domain.TypeHelpdesk,
			Active:  true,
			Actions: []domain.Action{domain.EmailAction(domain.EmailConfig{To: recipient})},
		}
	}
	return []domain.Rule{mk(PatternHelpdeskTag), mk(PatternHelpdeskHashtag)}
}

// RuleAction is one action together with the rule that produced it.
type RuleAction struct {
	Action domain.Action
	Rule   string
	Type   domain.Classification
}

// Flatten collects the actions of all rules in declaration order, dropping exact duplicates.
func Flatten(rules []domain.Rule) []RuleAction {
	seen := make(map[string]struct{})
	var out []RuleAction
	for _, r := range rules {
		for _, a := range r.Actions {
			k := a.Key()
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, RuleAction{Action: a, Rule: r.Label(), Type: r.Type})
		}
	}
	return out
}

// FirstHelpdesk returns the first active HELPDESK rule of g.
func FirstHelpdesk(g domain.Group) (domain.Rule, bool) {
	for _, r := range g.Rules {
		if r.Active && r.Type == domain.TypeHelpdesk && len(r.Actions) > 0 {
			return r, true
		}
	}
	return domain.Rule{}, false
}
