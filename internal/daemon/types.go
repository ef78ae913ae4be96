package daemon

import (
	"log/slog"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/config"
)

// StartOptions configures the daemon. Settings not given here come from
// <home>/config.yaml.
type StartOptions struct {
	Home       string
	Listen     string // overrides config listen, e.g. "127.0.0.1:4717"
	Dev        bool
	PprofAddr  string
	EnableOtel bool // OpenTelemetry metrics on /metrics and HTTP instrumentation
	Version    string

	// BriefInterval is how often <home>/briefs is polled; 0 uses 2s.
	BriefInterval time.Duration
	// MaxConcurrent bounds briefs running at once; 0 uses 4.
	MaxConcurrent int

	// Config replaces <home>/config.yaml when set.
	Config *config.Config
	Logger *slog.Logger
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
