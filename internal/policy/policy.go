package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"execops/internal/domain"
)

// Set holds operating procedures loaded from markdown files. Each file
// describes one rule with three sections:
//
//	## Trigger
//	## Condition
//	## Action
//
// The trigger's first token names the event it applies to, e.g.
// "stripe.payment_failed". A rule is valid with a trigger and at least one
// of condition and action. Severity is inferred from the action wording,
// or from the condition when no action is written.
type Set struct {
	Rules []domain.PolicyRule
}

// Load reads every .md file under dir into a rule set. Files that fail to
// parse abort the load; use Lint to collect issues without failing.
func Load(dir string) (*Set, error) {
	names, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}
	set := &Set{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		rule, err := Parse(name, data)
		if err != nil {
			return nil, err
		}
		set.Rules = append(set.Rules, rule)
	}
	return set, nil
}

// Matching returns rules whose trigger applies to the given source and type.
// A trigger of "stripe" matches every stripe event; "stripe.payment_failed"
// matches that type only.
func (s *Set) Matching(source, eventType string) []domain.PolicyRule {
	var out []domain.PolicyRule
	for _, r := range s.Rules {
		if r.Source != source {
			continue
		}
		if r.Trigger == source || r.Trigger == source+"."+eventType {
			out = append(out, r)
		}
	}
	return out
}

// Blocking reports whether any matching rule has block severity.
func (s *Set) Blocking(source, eventType string) (domain.PolicyRule, bool) {
	for _, r := range s.Matching(source, eventType) {
		if r.Severity == "block" {
			return r, true
		}
	}
	return domain.PolicyRule{}, false
}

// Parse extracts a rule from one markdown document.
func Parse(name string, data []byte) (domain.PolicyRule, error) {
	sections := splitSections(string(data))
	trigger := strings.TrimSpace(sections["trigger"])
	condition := strings.TrimSpace(sections["condition"])
	action := strings.TrimSpace(sections["action"])
	if trigger == "" {
		return domain.PolicyRule{}, fmt.Errorf("policy %s: missing ## Trigger section", name)
	}
	if condition == "" && action == "" {
		return domain.PolicyRule{}, fmt.Errorf("policy %s: needs a ## Condition or ## Action section", name)
	}
	token := strings.Fields(trigger)[0]
	source, _, _ := strings.Cut(token, ".")
	sevText := action
	if sevText == "" {
		sevText = condition
	}
	return domain.PolicyRule{
		ID:        strings.TrimSuffix(name, ".md"),
		Source:    source,
		Trigger:   token,
		Condition: condition,
		Action:    action,
		Severity:  inferSeverity(sevText),
	}, nil
}

// Issue describes a problem found while linting policy files.
type Issue struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// Lint parses every policy file and collects problems instead of failing.
func Lint(dir string) ([]Issue, error) {
	names, err := ruleFiles(dir)
	if err != nil {
		return nil, err
	}
	var issues []Issue
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			issues = append(issues, Issue{File: name, Message: err.Error()})
			continue
		}
		rule, err := Parse(name, data)
		if err != nil {
			issues = append(issues, Issue{File: name, Message: err.Error()})
			continue
		}
		if rule.Condition == "" {
			issues = append(issues, Issue{File: name, Message: "empty ## Condition section, rule applies unconditionally"})
		}
	}
	return issues, nil
}

func ruleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func splitSections(doc string) map[string]string {
	out := map[string]string{}
	current := ""
	var buf strings.Builder
	flush := func() {
		if current != "" {
			out[current] = buf.String()
		}
		buf.Reset()
	}
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			continue
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return out
}

func inferSeverity(action string) string {
	lower := strings.ToLower(action)
	for _, kw := range []string{"block", "reject", "prevent"} {
		if strings.Contains(lower, kw) {
			return "block"
		}
	}
	for _, kw := range []string{"warn", "alert", "notify"} {
		if strings.Contains(lower, kw) {
			return "warn"
		}
	}
	return "info"
}
