package rules

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ykawase/ttrack/internal/model"
)

func newTestEngine(projects []model.Project, rules []model.Rule) *Engine {
	e := NewEngine(slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Reload(projects, rules)
	return e
}

func sample(app, bundle, window, path, url string) model.Activity {
	a := model.Activity{}
	if app != "" {
		a.AppName = model.StrPtr(app)
	}
	if bundle != "" {
		a.BundleID = model.StrPtr(bundle)
	}
	if window != "" {
		a.WindowTitle = model.StrPtr(window)
	}
	if path != "" {
		a.FilePath = model.StrPtr(path)
	}
	if url != "" {
		a.URL = model.StrPtr(url)
	}
	return a
}

func TestExactAppMatchesNameOrBundle(t *testing.T) {
	e := newTestEngine(
		[]model.Project{{ID: 1, Name: "editor"}},
		[]model.Rule{{ID: 1, ProjectID: 1, Type: model.RuleExactApp, Value: "Code", Enabled: true}},
	)

	if _, ok := e.Evaluate(sample("code", "", "", "", "")); !ok {
		t.Fatalf("expected case-insensitive app name match")
	}
	if _, ok := e.Evaluate(sample("Visual Studio Code", "CODE", "", "", "")); !ok {
		t.Fatalf("expected bundle id match")
	}
	if _, ok := e.Evaluate(sample("Codex", "", "", "", "")); ok {
		t.Fatalf("exact match must not accept a superstring")
	}
}

func TestContainsKindsAreCaseInsensitive(t *testing.T) {
	e := newTestEngine(
		[]model.Project{{ID: 1, Name: "browser"}},
		[]model.Rule{{ID: 1, ProjectID: 1, Type: model.RuleURLContains, Value: "GitHub.com", Enabled: true}},
	)

	if _, ok := e.Evaluate(sample("", "", "", "", "https://github.com/pulls")); !ok {
		t.Fatalf("expected case-insensitive url substring match")
	}
	if _, ok := e.Evaluate(sample("", "", "", "", "https://gitlab.com")); ok {
		t.Fatalf("unexpected match")
	}
}

func TestRegexKindsAreCaseSensitiveSearch(t *testing.T) {
	e := newTestEngine(
		[]model.Project{{ID: 1, Name: "docs"}},
		[]model.Rule{{ID: 1, ProjectID: 1, Type: model.RuleWindowRegex, Value: `\.md\b`, Enabled: true}},
	)

	if _, ok := e.Evaluate(sample("", "", "notes.md - Editor", "", "")); !ok {
		t.Fatalf("expected unanchored regex to match inside title")
	}
	e2 := newTestEngine(
		[]model.Project{{ID: 1, Name: "docs"}},
		[]model.Rule{{ID: 1, ProjectID: 1, Type: model.RuleWindowRegex, Value: `README`, Enabled: true}},
	)
	if _, ok := e2.Evaluate(sample("", "", "readme.txt", "", "")); ok {
		t.Fatalf("regex kinds must stay case-sensitive")
	}
}

func TestAbsentFieldNeverMatches(t *testing.T) {
	e := newTestEngine(
		[]model.Project{{ID: 1, Name: "repo"}},
		[]model.Rule{{ID: 1, ProjectID: 1, Type: model.RulePathPrefix, Value: "/home", Enabled: true}},
	)

	if _, ok := e.Evaluate(sample("Terminal", "", "", "", "")); ok {
		t.Fatalf("missing file_path must not match a path rule")
	}
}

func TestInvalidPatternIsNonMatch(t *testing.T) {
	e := newTestEngine(
		[]model.Project{
			{ID: 1, Name: "broken"},
			{ID: 2, Name: "fallback"},
		},
		[]model.Rule{
			{ID: 1, ProjectID: 1, Type: model.RuleURLRegex, Value: `[unclosed`, Enabled: true},
			{ID: 2, ProjectID: 2, Type: model.RuleURLContains, Value: "example", Enabled: true},
		},
	)

	m, ok := e.Evaluate(sample("", "", "", "", "https://example.com"))
	if !ok {
		t.Fatalf("expected fallback project to match")
	}
	if m.ProjectID != 2 {
		t.Fatalf("invalid pattern must degrade to non-match, matched project %d", m.ProjectID)
	}
}

func TestInvalidPatternWarnsOncePerRule(t *testing.T) {
	projects := []model.Project{{ID: 1, Name: "broken"}}
	rules := []model.Rule{
		{ID: 1, ProjectID: 1, Type: model.RuleURLRegex, Value: `[unclosed`, Enabled: true},
	}
	a := sample("", "", "", "", "https://example.com")

	var buf bytes.Buffer
	e := NewEngine(slog.New(slog.NewTextHandler(&buf, nil)))
	e.Reload(projects, rules)
	for i := 0; i < 3; i++ {
		if _, ok := e.Evaluate(a); ok {
			t.Fatalf("invalid pattern must never match")
		}
	}
	if got := strings.Count(buf.String(), "invalid regex"); got != 1 {
		t.Fatalf("warned %d times for one rule, want 1", got)
	}

	// A fresh engine owns its own warned state and warns again.
	var buf2 bytes.Buffer
	e2 := NewEngine(slog.New(slog.NewTextHandler(&buf2, nil)))
	e2.Reload(projects, rules)
	e2.Evaluate(a)
	if got := strings.Count(buf2.String(), "invalid regex"); got != 1 {
		t.Fatalf("second instance warned %d times, want 1", got)
	}
}

func TestGroupRequiresAllMembers(t *testing.T) {
	projects := []model.Project{{ID: 1, Name: "client-work"}}
	rules := []model.Rule{
		{ID: 3, ProjectID: 1, Type: model.RuleExactApp, Value: "Code", Group: 1, Enabled: true},
		{ID: 4, ProjectID: 1, Type: model.RulePathContains, Value: "/client/", Group: 1, Enabled: true},
	}
	e := newTestEngine(projects, rules)

	if _, ok := e.Evaluate(sample("Code", "", "", "/home/me/other/main.go", "")); ok {
		t.Fatalf("group with one unmet member must not match")
	}
	m, ok := e.Evaluate(sample("Code", "", "", "/home/me/client/main.go", ""))
	if !ok {
		t.Fatalf("expected group match")
	}
	if m.RuleID != 3 {
		t.Fatalf("group trigger should be the lowest rule id, got %d", m.RuleID)
	}
}

func TestUngroupedRulesEvaluateBeforeGroups(t *testing.T) {
	projects := []model.Project{{ID: 1, Name: "p"}}
	rules := []model.Rule{
		{ID: 1, ProjectID: 1, Type: model.RuleExactApp, Value: "Slack", Group: 2, Enabled: true},
		{ID: 2, ProjectID: 1, Type: model.RuleAppContains, Value: "slack", Enabled: true},
	}
	e := newTestEngine(projects, rules)

	m, ok := e.Evaluate(sample("Slack", "", "", "", ""))
	if !ok {
		t.Fatalf("expected match")
	}
	if m.RuleID != 2 {
		t.Fatalf("ungrouped rule should win before groups, trigger %d", m.RuleID)
	}
}

func TestFirstProjectInCreationOrderWins(t *testing.T) {
	projects := []model.Project{
		{ID: 1, Name: "first"},
		{ID: 2, Name: "second"},
	}
	rules := []model.Rule{
		{ID: 1, ProjectID: 2, Type: model.RuleAppContains, Value: "term", Enabled: true},
		{ID: 2, ProjectID: 1, Type: model.RuleAppContains, Value: "term", Enabled: true},
	}
	e := newTestEngine(projects, rules)

	m, ok := e.Evaluate(sample("Terminal", "", "", "", ""))
	if !ok {
		t.Fatalf("expected match")
	}
	if m.ProjectID != 1 {
		t.Fatalf("project order must follow creation order, got project %d", m.ProjectID)
	}

	all := e.EvaluateAll(sample("Terminal", "", "", "", ""))
	if len(all) != 2 {
		t.Fatalf("EvaluateAll should report both projects, got %d", len(all))
	}
}

func TestEvaluateAllReportsEveryHitWithinAProject(t *testing.T) {
	projects := []model.Project{{ID: 1, Name: "overlap"}}
	rules := []model.Rule{
		{ID: 5, ProjectID: 1, Type: model.RuleExactApp, Value: "IDE", Enabled: true},
		{ID: 6, ProjectID: 1, Type: model.RuleAppContains, Value: "ide", Enabled: true},
		{ID: 7, ProjectID: 1, Type: model.RuleExactApp, Value: "IDE", Group: 1, Enabled: true},
		{ID: 8, ProjectID: 1, Type: model.RulePathPrefix, Value: "/proj/", Group: 1, Enabled: true},
	}
	e := newTestEngine(projects, rules)
	a := sample("IDE", "", "", "/proj/main.go", "")

	// Evaluate stops at the first hit.
	m, ok := e.Evaluate(a)
	if !ok || m.RuleID != 5 {
		t.Fatalf("Evaluate = %+v ok=%v, want rule 5", m, ok)
	}

	// EvaluateAll keeps going: both ungrouped rules and the group.
	all := e.EvaluateAll(a)
	if len(all) != 3 {
		t.Fatalf("EvaluateAll returned %d matches, want 3", len(all))
	}
	if all[0].RuleID != 5 || all[1].RuleID != 6 {
		t.Fatalf("ungrouped hits out of order: %+v", all)
	}
	if all[2].RuleID != 7 || !strings.HasPrefix(all[2].TriggeredBy, "group 1:") {
		t.Fatalf("group hit = %+v", all[2])
	}
}

func TestArchivedProjectsAndDisabledRulesAreSkipped(t *testing.T) {
	projects := []model.Project{
		{ID: 1, Name: "archived", Archived: true},
		{ID: 2, Name: "live"},
	}
	rules := []model.Rule{
		{ID: 1, ProjectID: 1, Type: model.RuleAppContains, Value: "mail", Enabled: true},
		{ID: 2, ProjectID: 2, Type: model.RuleAppContains, Value: "mail", Enabled: false},
	}
	e := newTestEngine(projects, rules)

	if _, ok := e.Evaluate(sample("Mail", "", "", "", "")); ok {
		t.Fatalf("archived projects and disabled rules must not match")
	}
}
