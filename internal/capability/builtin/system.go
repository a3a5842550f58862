// Package builtin holds the capability modules compiled into the daemon.
// Host-specific modules (filesystem, processes, GUI) ship separately; the
// system module here is always present so agents can probe the daemon.
package builtin

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/llmos/llmosd/internal/capability"
	"github.com/llmos/llmosd/internal/errdefs"
	"github.com/llmos/llmosd/pkg/iml"
)

// System exposes daemon and host introspection plus a cancellable sleep,
// which doubles as the reference implementation of the dispatch contract.
type System struct {
	version string
	started time.Time
}

// NewSystem builds the system module.
func NewSystem(version string) *System {
	return &System{version: version, started: time.Now().UTC()}
}

// Manifest implements capability.Capability.
func (s *System) Manifest() capability.Manifest {
	return capability.Manifest{
		Module:      "system",
		Version:     "1.0.0",
		Description: "Daemon and host introspection",
		Platforms:   []string{"linux", "darwin", "windows"},
		Actions: []capability.ActionSpec{
			{
				Name:        "info",
				Description: "Report daemon version, host OS, and uptime",
				RiskLevel:   iml.RiskLow,
			},
			{
				Name:        "time",
				Description: "Current UTC time in RFC 3339",
				RiskLevel:   iml.RiskLow,
			},
			{
				Name:        "sleep",
				Description: "Wait for the given number of seconds",
				RiskLevel:   iml.RiskLow,
				ParamsSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"seconds": map[string]any{
							"type":    "number",
							"minimum": 0,
							"maximum": 300,
						},
					},
					"required": []any{"seconds"},
				},
			},
		},
	}
}

// Execute implements capability.Capability.
func (s *System) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "info":
		hostname, _ := os.Hostname()
		return map[string]any{
			"version":        s.version,
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"hostname":       hostname,
			"pid":            os.Getpid(),
			"uptime_seconds": time.Since(s.started).Seconds(),
		}, nil
	case "time":
		return map[string]any{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
	case "sleep":
		seconds, _ := params["seconds"].(float64)
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]any{"slept_seconds": seconds}, nil
		case <-ctx.Done():
			return nil, errdefs.Capability(errdefs.CodeExecutionFailed, "sleep interrupted").WithCause(ctx.Err())
		}
	}
	return nil, errdefs.Capability(errdefs.CodeActionNotFound, "module system has no action %q", action)
}
