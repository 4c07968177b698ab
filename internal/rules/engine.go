// Package rules matches activity samples against per-project classification
// rules.
package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ykawase/ttrack/internal/model"
)

const regexCacheSize = 256

// Match identifies the project a sample was attributed to and the rule that
// triggered the attribution. For a satisfied group the trigger is the group
// member with the lowest id and TriggeredBy names every member.
type Match struct {
	ProjectID   int64
	ProjectName string
	RuleID      int64
	TriggeredBy string
}

type outcome int

const (
	outcomeNoMatch outcome = iota
	outcomeMatch
	outcomeInvalid
)

// projectRules is one project's snapshot: ungrouped rules OR together, each
// group ANDs its members.
type projectRules struct {
	project   model.Project
	ungrouped []model.Rule
	groups    []ruleGroup
}

type ruleGroup struct {
	id    int64
	rules []model.Rule
}

// Engine evaluates samples against an immutable snapshot of projects and
// rules. Reload swaps the snapshot; the compiled-regex cache and the
// warned-rule set survive reloads.
type Engine struct {
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot []projectRules

	regexes *lru.Cache[string, *regexp.Regexp]

	warnMu sync.Mutex
	warned map[int64]struct{}
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Engine{
		logger:  logger,
		regexes: cache,
		warned:  map[int64]struct{}{},
	}
}

// Reload replaces the snapshot. Projects arrive ascending by id and archived
// ones are skipped; rules are partitioned per project into ungrouped rules and
// ascending groups.
func (e *Engine) Reload(projects []model.Project, rules []model.Rule) {
	byProject := map[int64][]model.Rule{}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		byProject[r.ProjectID] = append(byProject[r.ProjectID], r)
	}

	snapshot := make([]projectRules, 0, len(projects))
	for _, p := range projects {
		if p.Archived {
			continue
		}
		pr := projectRules{project: p}
		grouped := map[int64][]model.Rule{}
		for _, r := range byProject[p.ID] {
			if r.Group == 0 {
				pr.ungrouped = append(pr.ungrouped, r)
				continue
			}
			grouped[r.Group] = append(grouped[r.Group], r)
		}
		groupIDs := make([]int64, 0, len(grouped))
		for id := range grouped {
			groupIDs = append(groupIDs, id)
		}
		sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })
		for _, id := range groupIDs {
			pr.groups = append(pr.groups, ruleGroup{id: id, rules: grouped[id]})
		}
		snapshot = append(snapshot, pr)
	}

	e.mu.Lock()
	e.snapshot = snapshot
	e.mu.Unlock()
}

// Evaluate returns the first matching project in project-creation order, or
// false when no project matches.
func (e *Engine) Evaluate(a model.Activity) (Match, bool) {
	e.mu.RLock()
	snapshot := e.snapshot
	e.mu.RUnlock()

	for _, pr := range snapshot {
		if m, ok := e.evaluateProject(pr, a); ok {
			return m, true
		}
	}
	return Match{}, false
}

// EvaluateAll performs no early termination: it reports every matching
// ungrouped rule and every fully-satisfied group in every project, in
// priority order. Used by diagnostics to show overlapping rule coverage.
func (e *Engine) EvaluateAll(a model.Activity) []Match {
	e.mu.RLock()
	snapshot := e.snapshot
	e.mu.RUnlock()

	out := make([]Match, 0)
	for _, pr := range snapshot {
		out = append(out, e.evaluateProjectAll(pr, a)...)
	}
	return out
}

func (e *Engine) evaluateProjectAll(pr projectRules, a model.Activity) []Match {
	out := make([]Match, 0)
	for _, r := range pr.ungrouped {
		if e.matchRule(r, a) == outcomeMatch {
			out = append(out, Match{
				ProjectID:   pr.project.ID,
				ProjectName: pr.project.Name,
				RuleID:      r.ID,
				TriggeredBy: fmt.Sprintf("%s: %s", r.Type, r.Value),
			})
		}
	}
	for _, g := range pr.groups {
		if m, ok := e.matchGroup(pr, g, a); ok {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) evaluateProject(pr projectRules, a model.Activity) (Match, bool) {
	for _, r := range pr.ungrouped {
		if e.matchRule(r, a) == outcomeMatch {
			return Match{
				ProjectID:   pr.project.ID,
				ProjectName: pr.project.Name,
				RuleID:      r.ID,
				TriggeredBy: fmt.Sprintf("%s: %s", r.Type, r.Value),
			}, true
		}
	}
	for _, g := range pr.groups {
		if m, ok := e.matchGroup(pr, g, a); ok {
			return m, true
		}
	}
	return Match{}, false
}

// matchGroup reports a satisfied AND group. The trigger is the member with
// the lowest id.
func (e *Engine) matchGroup(pr projectRules, g ruleGroup, a model.Activity) (Match, bool) {
	if len(g.rules) == 0 {
		return Match{}, false
	}
	trigger := int64(0)
	parts := make([]string, 0, len(g.rules))
	for _, r := range g.rules {
		if e.matchRule(r, a) != outcomeMatch {
			return Match{}, false
		}
		if trigger == 0 || r.ID < trigger {
			trigger = r.ID
		}
		parts = append(parts, fmt.Sprintf("%s:%s", r.Type, r.Value))
	}
	return Match{
		ProjectID:   pr.project.ID,
		ProjectName: pr.project.Name,
		RuleID:      trigger,
		TriggeredBy: fmt.Sprintf("group %d: %s", g.id, strings.Join(parts, " AND ")),
	}, true
}

// matchRule applies one rule to one sample. A missing sample field never
// matches, and an uncompilable pattern counts as a non-match after a
// once-per-rule warning.
func (e *Engine) matchRule(r model.Rule, a model.Activity) outcome {
	switch r.Type {
	case model.RuleExactApp:
		if equalsFold(a.AppName, r.Value) || equalsFold(a.BundleID, r.Value) {
			return outcomeMatch
		}
		return outcomeNoMatch
	case model.RuleAppContains:
		return containsFold(a.AppName, r.Value)
	case model.RuleWindowContains:
		return containsFold(a.WindowTitle, r.Value)
	case model.RuleWindowRegex:
		return e.matchRegex(r, a.WindowTitle)
	case model.RulePathPrefix:
		if a.FilePath == nil {
			return outcomeNoMatch
		}
		if strings.HasPrefix(strings.ToLower(*a.FilePath), strings.ToLower(r.Value)) {
			return outcomeMatch
		}
		return outcomeNoMatch
	case model.RulePathContains:
		return containsFold(a.FilePath, r.Value)
	case model.RuleURLContains:
		return containsFold(a.URL, r.Value)
	case model.RuleURLRegex:
		return e.matchRegex(r, a.URL)
	default:
		return outcomeNoMatch
	}
}

func (e *Engine) matchRegex(r model.Rule, field *string) outcome {
	if field == nil {
		return outcomeNoMatch
	}
	re, ok := e.regexes.Get(r.Value)
	if !ok {
		var err error
		re, err = regexp.Compile(r.Value)
		if err != nil {
			e.warnOnce(r, err)
			return outcomeInvalid
		}
		e.regexes.Add(r.Value, re)
	}
	if re.MatchString(*field) {
		return outcomeMatch
	}
	return outcomeNoMatch
}

func (e *Engine) warnOnce(r model.Rule, err error) {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	if _, seen := e.warned[r.ID]; seen {
		return
	}
	e.warned[r.ID] = struct{}{}
	e.logger.Warn("rule has invalid regex pattern, treating as non-match",
		"rule_id", r.ID, "project_id", r.ProjectID, "pattern", r.Value, "error", err)
}

func equalsFold(field *string, value string) bool {
	return field != nil && strings.EqualFold(*field, value)
}

func containsFold(field *string, value string) outcome {
	if field == nil {
		return outcomeNoMatch
	}
	if strings.Contains(strings.ToLower(*field), strings.ToLower(value)) {
		return outcomeMatch
	}
	return outcomeNoMatch
}
