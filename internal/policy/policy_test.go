package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"execops/internal/policy"
)

const refundRule = `# Large refunds need a human

## Trigger
stripe.payment_failed

## Condition
Amount over $1000

## Action
Block automatic retries and ask finance to approve.
`

const noisyRule = `# Deploy chatter

## Trigger
github.deploy

## Action
Notify the release channel.
`

func writeRules(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadAndMatch(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"refunds.md": refundRule,
		"deploys.md": noisyRule,
	})
	set, err := policy.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules))
	}
	got := set.Matching("stripe", "payment_failed")
	if len(got) != 1 || got[0].ID != "refunds" {
		t.Fatalf("stripe match: %+v", got)
	}
	if got[0].Severity != "block" {
		t.Fatalf("expected block severity, got %s", got[0].Severity)
	}
	if m := set.Matching("stripe", "invoice"); len(m) != 0 {
		t.Fatalf("invoice should not match payment_failed trigger: %+v", m)
	}
	if m := set.Matching("github", "deploy"); len(m) != 1 || m[0].Severity != "warn" {
		t.Fatalf("github match: %+v", m)
	}
}

func TestBlocking(t *testing.T) {
	dir := writeRules(t, map[string]string{"refunds.md": refundRule, "deploys.md": noisyRule})
	set, err := policy.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.Blocking("stripe", "payment_failed"); !ok {
		t.Fatalf("expected a blocking rule")
	}
	if _, ok := set.Blocking("github", "deploy"); ok {
		t.Fatalf("warn rule must not block")
	}
}

func TestParseRejectsMissingSections(t *testing.T) {
	_, err := policy.Parse("bad.md", []byte("# Nothing here\n\n## Condition\nalways\n"))
	if err == nil {
		t.Fatalf("expected error for missing trigger")
	}
	_, err = policy.Parse("bad.md", []byte("## Trigger\nsentry.error\n"))
	if err == nil {
		t.Fatalf("expected error when both condition and action are missing")
	}
}

func TestConditionOnlyRuleLoads(t *testing.T) {
	rule, err := policy.Parse("freeze.md", []byte("## Trigger\ngithub.deploy\n\n## Condition\nBlock deploys during the change freeze\n"))
	if err != nil {
		t.Fatalf("condition-only rule must parse: %v", err)
	}
	if rule.Action != "" {
		t.Fatalf("no action expected: %+v", rule)
	}
	if rule.Severity != "block" {
		t.Fatalf("severity inferred from condition text, got %s", rule.Severity)
	}

	dir := writeRules(t, map[string]string{"freeze.md": "## Trigger\ngithub.deploy\n\n## Condition\nBlock deploys during the change freeze\n"})
	issues, err := policy.Lint(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Fatalf("condition-only rule must pass lint, got %+v", issues)
	}
}

func TestLintCollectsIssues(t *testing.T) {
	dir := writeRules(t, map[string]string{
		"ok.md":     refundRule,
		"nocond.md": noisyRule,
		"bad.md":    "just prose, no sections\n",
	})
	issues, err := policy.Lint(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", issues)
	}
}

func TestLoadMissingDir(t *testing.T) {
	set, err := policy.Load(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should load empty: %v", err)
	}
	if len(set.Rules) != 0 {
		t.Fatalf("expected no rules")
	}
}
