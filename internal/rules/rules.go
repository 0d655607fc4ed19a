package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"relay/internal/domain"
	"relay/internal/matcher"
	"relay/internal/store"
)

type file struct {
	Groups []groupFile `yaml:"groups"`
}

type groupFile struct {
	ID       string            `yaml:"groupId"`
	Name     string            `yaml:"name"`
	Active   *bool             `yaml:"isActive"`
	Metadata map[string]string `yaml:"metadata"`
	Rules    []ruleFile        `yaml:"rules"`
}

type ruleFile struct {
	Pattern string       `yaml:"pattern"`
	Type    string       `yaml:"type"`
	Active  *bool        `yaml:"isActive"`
	Actions []actionFile `yaml:"actions"`
}

type actionFile struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// LoadFile reads a YAML rule file. Every group is validated and every
// pattern compiled; the first problem rejects the whole file.
func LoadFile(path string) ([]domain.Group, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	groups, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return groups, nil
}

func Parse(b []byte) ([]domain.Group, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}

	out := make([]domain.Group, 0, len(f.Groups))
	seen := map[string]bool{}
	for gi, gf := range f.Groups {
		if seen[gf.ID] {
			return nil, fmt.Errorf("groups[%d]: duplicate group id %q", gi, gf.ID)
		}
		seen[gf.ID] = true

		g := domain.Group{ID: gf.ID, Name: gf.Name, Active: boolOr(gf.Active, true), Metadata: gf.Metadata}
		for ri, rf := range gf.Rules {
			r := domain.Rule{Pattern: rf.Pattern, Type: domain.Classification(rf.Type), Active: boolOr(rf.Active, true)}
			if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
				return nil, fmt.Errorf("group %q %s: %w: %v", gf.ID, r.Ref(ri), domain.ErrInvalidRule, err)
			}
			for ai, af := range rf.Actions {
				a, err := toAction(af)
				if err != nil {
					return nil, fmt.Errorf("group %q %s action[%d]: %w", gf.ID, r.Ref(ri), ai, err)
				}
				r.Actions = append(r.Actions, a)
			}
			g.Rules = append(g.Rules, r)
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("groups[%d]: %w", gi, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// toAction reuses the stored JSON shape so both formats accept the same keys.
func toAction(af actionFile) (domain.Action, error) {
	raw, err := json.Marshal(map[string]any{"type": af.Type, "config": af.Config})
	if err != nil {
		return domain.Action{}, err
	}
	var a domain.Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Import upserts every group, replacing the stored rule sets.
func Import(ctx context.Context, rs store.RuleStore, groups []domain.Group, now time.Time) error {
	for _, g := range groups {
		g.UpdatedAt = now
		if err := rs.SaveGroup(ctx, g); err != nil {
			return fmt.Errorf("save group %s: %w", g.ID, err)
		}
	}
	return nil
}

// AddHelpdeskRule appends the "#helpdesk" rule, mailing recipient, to every
// group that does not have it yet. It returns the ids of the groups changed.
func AddHelpdeskRule(ctx context.Context, rs store.RuleStore, recipient string, now time.Time) ([]string, error) {
	groups, err := rs.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, g := range groups {
		if hasPattern(g, matcher.PatternHelpdeskHashtag) {
			continue
		}
		g.Rules = append(g.Rules, domain.Rule{
			Pattern: matcher.PatternHelpdeskHashtag,
			Type:    domain.TypeHelpdesk,
			Active:  true,
			Actions: []domain.Action{domain.EmailAction(domain.EmailConfig{To: recipient})},
		})
		g.UpdatedAt = now
		if err := rs.SaveGroup(ctx, g); err != nil {
			return changed, fmt.Errorf("save group %s: %w", g.ID, err)
		}
		changed = append(changed, g.ID)
	}
	return changed, nil
}

// SetEmailRecipient points every EMAIL action of every group at to.
func SetEmailRecipient(ctx context.Context, rs store.RuleStore, to string, now time.Time) ([]string, error) {
	groups, err := rs.FindGroupsByRuleActionType(ctx, domain.ActionEmail)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, g := range groups {
		dirty := false
		for ri := range g.Rules {
			for ai, a := range g.Rules[ri].Actions {
				if a.Kind != domain.ActionEmail {
					continue
				}
				cfg := domain.EmailConfig{}
				if a.Email != nil {
					cfg = *a.Email
				}
				if cfg.To == to {
					continue
				}
				cfg.To = to
				g.Rules[ri].Actions[ai] = domain.EmailAction(cfg)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		g.UpdatedAt = now
		if err := rs.SaveGroup(ctx, g); err != nil {
			return changed, fmt.Errorf("save group %s: %w", g.ID, err)
		}
		changed = append(changed, g.ID)
	}
	return changed, nil
}

func hasPattern(g domain.Group, pattern string) bool {
	for _, r := range g.Rules {
		if r.Pattern == pattern {
			return true
		}
	}
	return false
}
