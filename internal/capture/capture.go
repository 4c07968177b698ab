// Package capture is the boundary to the platform activity sensor. The
// daemon only needs one sample per tick; where that sample comes from is
// pluggable.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ykawase/ttrack/internal/model"
)

// IdleThresholdEnv carries the configured idle threshold, in whole seconds,
// to the sensor helper. The helper decides idleness against this value.
const IdleThresholdEnv = "TTRACK_IDLE_THRESHOLD"

// Sampler produces one observation of the current user context. The idle
// threshold is the currently configured value; the sensor compares the
// user's input inactivity against it when setting the idle flag.
type Sampler interface {
	Sample(ctx context.Context, idleThreshold time.Duration) (model.Activity, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, idleThreshold time.Duration) (model.Activity, error)

func (f SamplerFunc) Sample(ctx context.Context, idleThreshold time.Duration) (model.Activity, error) {
	return f(ctx, idleThreshold)
}

// wireSample is the JSON document an external sensor command emits on stdout.
type wireSample struct {
	AppName     *string `json:"app_name"`
	BundleID    *string `json:"bundle_id"`
	WindowTitle *string `json:"window_title"`
	FilePath    *string `json:"file_path"`
	URL         *string `json:"url"`
	Idle        bool    `json:"idle"`
}

// CommandSampler shells out to a sensor helper once per tick and decodes a
// single JSON sample from its stdout. The command string is split on
// whitespace; the helper owns the platform-specific window inspection.
type CommandSampler struct {
	name string
	args []string
}

func NewCommandSampler(command string) (*CommandSampler, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("sampler command is empty")
	}
	return &CommandSampler{name: fields[0], args: fields[1:]}, nil
}

func (c *CommandSampler) Sample(ctx context.Context, idleThreshold time.Duration) (model.Activity, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", IdleThresholdEnv, int64(idleThreshold/time.Second)))
	out, err := cmd.Output()
	if err != nil {
		return model.Activity{}, fmt.Errorf("run sampler %s: %w", c.name, err)
	}
	var w wireSample
	if err := json.Unmarshal(out, &w); err != nil {
		return model.Activity{}, fmt.Errorf("decode sampler output: %w", err)
	}
	return model.Activity{
		Timestamp:   time.Now().UTC(),
		AppName:     emptyToNil(w.AppName),
		BundleID:    emptyToNil(w.BundleID),
		WindowTitle: emptyToNil(w.WindowTitle),
		FilePath:    emptyToNil(w.FilePath),
		URL:         emptyToNil(w.URL),
		Idle:        w.Idle,
	}, nil
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// Static always returns the same sample. Test helper.
func Static(a model.Activity) Sampler {
	return SamplerFunc(func(context.Context, time.Duration) (model.Activity, error) {
		return a, nil
	})
}
