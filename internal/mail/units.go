package mail

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	UnknownUnit = "Unknown School"
	UnknownCity = "Unknown City"
)

// Unit is the organization a group belongs to, as shown in mail.
type Unit struct {
	Name string
	City string
}

type UnitEntry struct {
	Name    string   `yaml:"name"`
	City    string   `yaml:"city"`
	Aliases []string `yaml:"aliases"`
}

// UnitNames is the list of known units matched against group names.
type UnitNames struct {
	Units []UnitEntry `yaml:"units"`
}

func LoadUnitNames(path string) (*UnitNames, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read unit names: %w", err)
	}
	var n UnitNames
	if err := yaml.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("parse unit names %s: %w", path, err)
	}
	return &n, nil
}

var (
	prefixTag   = regexp.MustCompile(`(?i)SR\s*-\s*(.*?)(?:\s*-|$)`)
	suffixTag   = regexp.MustCompile(`(?i)(.*?)\s*-\s*SR(?:\s*-|$)`)
	parenthesis = regexp.MustCompile(`^([^(]+)\s*\(.*\)$`)
)

var unitKeywords = []string{"school", "academy", "college", "vidyalaya"}

// ExtractUnit derives the unit from a group display name. Layers, first hit wins:
// "SR - Name -" tag, exact known name, alias, "Name - SR" tag, "Name (info)",
// education keyword (whole name), short URL-free name (whole name).
func (n *UnitNames) ExtractUnit(groupName string) Unit {
	name := strings.TrimSpace(groupName)
	if name == "" {
		return Unit{Name: UnknownUnit, City: UnknownCity}
	}
	lower := strings.ToLower(name)

	if u, ok := capture(prefixTag, name); ok {
		return Unit{Name: u, City: UnknownCity}
	}
	if n != nil {
		for _, e := range n.Units {
			if e.Name != "" && strings.Contains(lower, strings.ToLower(e.Name)) {
				return e.unit()
			}
		}
		for _, e := range n.Units {
			for _, a := range e.Aliases {
				if a != "" && strings.Contains(lower, strings.ToLower(a)) {
					return e.unit()
				}
			}
		}
	}
	if u, ok := capture(suffixTag, name); ok {
		return Unit{Name: u, City: UnknownCity}
	}
	if u, ok := capture(parenthesis, name); ok {
		return Unit{Name: u, City: UnknownCity}
	}
	for _, k := range unitKeywords {
		if strings.Contains(lower, k) {
			return Unit{Name: name, City: UnknownCity}
		}
	}
	if len(name) < 30 && !strings.Contains(lower, "http") && !strings.Contains(lower, "www.") {
		return Unit{Name: name, City: UnknownCity}
	}
	return Unit{Name: UnknownUnit, City: UnknownCity}
}

func (e UnitEntry) unit() Unit {
	city := e.City
	if city == "" {
		city = UnknownCity
	}
	return Unit{Name: e.Name, City: city}
}

// capture returns the trimmed first group when it is longer than two characters.
func capture(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	return v, len(v) > 2
}
