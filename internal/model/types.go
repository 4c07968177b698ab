package model

import "time"

// RuleType is the closed set of matching kinds a rule can have. Matching
// semantics for each kind live in the rules package; the set itself is part of
// the storage contract.
type RuleType string

const (
	RuleExactApp       RuleType = "app"
	RuleAppContains    RuleType = "app_contains"
	RuleWindowContains RuleType = "window_contains"
	RuleWindowRegex    RuleType = "window_regex"
	RulePathPrefix     RuleType = "path_prefix"
	RulePathContains   RuleType = "path_contains"
	RuleURLContains    RuleType = "url_contains"
	RuleURLRegex       RuleType = "url_regex"
)

// RuleTypes lists every valid rule kind in a stable order.
var RuleTypes = []RuleType{
	RuleExactApp,
	RuleAppContains,
	RuleWindowContains,
	RuleWindowRegex,
	RulePathPrefix,
	RulePathContains,
	RuleURLContains,
	RuleURLRegex,
}

func (t RuleType) Valid() bool {
	switch t {
	case RuleExactApp, RuleAppContains, RuleWindowContains, RuleWindowRegex,
		RulePathPrefix, RulePathContains, RuleURLContains, RuleURLRegex:
		return true
	}
	return false
}

// IsRegex reports whether the rule value is a regular expression and must
// compile at creation time.
func (t RuleType) IsRegex() bool {
	return t == RuleWindowRegex || t == RuleURLRegex
}

// Activity is one raw observation of user context at an instant. Every string
// field is optional; absence is a value, not an error.
type Activity struct {
	ID          int64
	Timestamp   time.Time
	AppName     *string
	BundleID    *string
	WindowTitle *string
	FilePath    *string
	URL         *string
	Idle        bool
}

// ActivityBlock is a run of field-identical consecutive activities collapsed
// into one interval. Duration is whole seconds, end minus start.
type ActivityBlock struct {
	ID          int64
	StartTime   time.Time
	EndTime     time.Time
	Duration    int64
	AppName     *string
	BundleID    *string
	WindowTitle *string
	FilePath    *string
	URL         *string
	Idle        bool
}

type Project struct {
	ID        int64
	Name      string
	Color     string
	Archived  bool
	CreatedAt time.Time
}

type Rule struct {
	ID        int64
	ProjectID int64
	Type      RuleType
	Value     string
	Group     int64
	Enabled   bool
	CreatedAt time.Time
}

// Session is a billable interval attributed to one project. Duration is whole
// seconds, end minus start; rows shorter than min_session_duration are never
// written.
type Session struct {
	ID          int64
	ProjectID   int64
	StartTime   time.Time
	EndTime     time.Time
	Duration    int64
	TriggeredBy string
}

// StrPtr returns a pointer to s. Test and sampler helper.
func StrPtr(s string) *string {
	return &s
}

// StrEq compares optional strings the way block folding requires: two absent
// values are equal, absent vs present is not.
func StrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
