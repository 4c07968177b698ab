package blocks

import (
	"testing"
	"time"

	"github.com/ykawase/ttrack/internal/model"
)

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func activeSample(sec int, app, window string) model.Activity {
	return model.Activity{
		Timestamp:   at(sec),
		AppName:     model.StrPtr(app),
		WindowTitle: model.StrPtr(window),
	}
}

func TestAggregateExtendsSameContext(t *testing.T) {
	samples := []model.Activity{
		activeSample(0, "Code", "main.go"),
		activeSample(2, "Code", "main.go"),
		activeSample(4, "Code", "main.go"),
	}
	got := Aggregate(nil, samples)
	if len(got) != 1 {
		t.Fatalf("expected 1 block, got %d", len(got))
	}
	if got[0].Duration != 4 {
		t.Fatalf("duration = %d, want 4", got[0].Duration)
	}
	if !got[0].EndTime.Equal(at(4)) {
		t.Fatalf("end time = %v", got[0].EndTime)
	}
}

func TestAggregateSplitsOnAnyFieldChange(t *testing.T) {
	samples := []model.Activity{
		activeSample(0, "Code", "main.go"),
		activeSample(2, "Code", "store.go"),
		activeSample(4, "Terminal", "store.go"),
	}
	got := Aggregate(nil, samples)
	if len(got) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(got))
	}
	for i, b := range got {
		if b.Duration != 0 {
			t.Fatalf("block %d is a singleton, duration = %d", i, b.Duration)
		}
	}
}

func TestAggregateSplitsOnIdleFlip(t *testing.T) {
	idle := activeSample(2, "Code", "main.go")
	idle.Idle = true
	samples := []model.Activity{activeSample(0, "Code", "main.go"), idle}
	got := Aggregate(nil, samples)
	if len(got) != 2 {
		t.Fatalf("idle transition must start a new block, got %d blocks", len(got))
	}
	if !got[1].Idle {
		t.Fatalf("second block should be idle")
	}
}

func TestNilFieldOnlyMatchesNil(t *testing.T) {
	a := activeSample(0, "Code", "main.go")
	b := model.ActivityBlock{
		StartTime:   at(0),
		EndTime:     at(0),
		AppName:     model.StrPtr("Code"),
		WindowTitle: nil,
	}
	if SameContext(b, a) {
		t.Fatalf("nil window title must not match a present one")
	}
}

func TestAggregateResumesFromTail(t *testing.T) {
	tail := NewBlock(activeSample(0, "Code", "main.go"))
	got := Aggregate(&tail, []model.Activity{activeSample(2, "Code", "main.go")})
	if len(got) != 1 {
		t.Fatalf("restart must extend the persisted tail, got %d blocks", len(got))
	}
	if got[0].Duration != 2 {
		t.Fatalf("duration = %d, want 2", got[0].Duration)
	}
}
