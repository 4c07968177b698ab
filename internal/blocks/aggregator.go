// Package blocks compresses the raw activity stream into contiguous
// same-context blocks.
package blocks

import (
	"time"

	"github.com/ykawase/ttrack/internal/model"
)

// SameContext reports whether a sample continues the block: every descriptive
// field and the idle flag must be equal, with nil equal only to nil.
func SameContext(b model.ActivityBlock, a model.Activity) bool {
	return model.StrEq(b.AppName, a.AppName) &&
		model.StrEq(b.BundleID, a.BundleID) &&
		model.StrEq(b.WindowTitle, a.WindowTitle) &&
		model.StrEq(b.FilePath, a.FilePath) &&
		model.StrEq(b.URL, a.URL) &&
		b.Idle == a.Idle
}

// DurationSeconds is end minus start in whole seconds, floored.
func DurationSeconds(start, end time.Time) int64 {
	return int64(end.Sub(start) / time.Second)
}

// Extend stretches the block to cover the sample's timestamp.
func Extend(b model.ActivityBlock, sampledAt time.Time) model.ActivityBlock {
	b.EndTime = sampledAt
	b.Duration = DurationSeconds(b.StartTime, sampledAt)
	return b
}

// NewBlock starts a singleton block whose span is the sample instant.
func NewBlock(a model.Activity) model.ActivityBlock {
	return model.ActivityBlock{
		StartTime:   a.Timestamp,
		EndTime:     a.Timestamp,
		Duration:    0,
		AppName:     a.AppName,
		BundleID:    a.BundleID,
		WindowTitle: a.WindowTitle,
		FilePath:    a.FilePath,
		URL:         a.URL,
		Idle:        a.Idle,
	}
}

// Aggregate folds samples onto an optional existing tail block and returns
// the resulting block sequence. The fold is a pure function of its inputs, so
// replaying the same raw stream always rebuilds the same blocks.
func Aggregate(tail *model.ActivityBlock, samples []model.Activity) []model.ActivityBlock {
	out := make([]model.ActivityBlock, 0)
	if tail != nil {
		out = append(out, *tail)
	}
	for _, a := range samples {
		if n := len(out); n > 0 && SameContext(out[n-1], a) {
			out[n-1] = Extend(out[n-1], a.Timestamp)
			continue
		}
		out = append(out, NewBlock(a))
	}
	return out
}
