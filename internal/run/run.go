package run

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

// Type identifies one kind of network exercise.
type Type string

const (
	TypeLink     Type = "link"     // per-link throughput, sequential or parallel
	TypeNode     Type = "node"     // per-node throughput over its uplink
	TypeMultihop Type = "multihop" // node-to-PoP over default routes
	TypeScan     Type = "scan"     // RF interference scan
	TypeUplink   Type = "uplink"   // PoP upstream internet throughput
)

// Asset is the transient unit under exercise. Produced by Prepare, consumed
// by Start, never persisted directly.
type Asset struct {
	Name   string
	SrcMac string
	DstMac string
	Node   string
}

// Options is the decoded params options_json for all run variants. Variants
// read the fields they care about and ignore the rest.
type Options struct {
	BitrateBps int64  `json:"bitrate_bps,omitempty"`
	Protocol   string `json:"protocol,omitempty"` // "udp" or "tcp"

	// DurationSec is the per-asset session length (sequential runs) or the
	// whole-run session length (parallel runs). Default 60.
	DurationSec int `json:"duration_sec,omitempty"`

	// Sequential runs link sessions one-at-a-time with a gap between assets.
	Sequential bool `json:"sequential,omitempty"`

	// Scan variant.
	ScanType string `json:"scan_type,omitempty"` // "im" or "pbf"
	ScanMode string `json:"scan_mode,omitempty"` // "coarse", "fine", "relative"
}

// Timing carries the service-level lifecycle durations.
type Timing struct {
	SequentialGap      time.Duration
	ScanStartDelay     time.Duration
	ScanResponseWindow time.Duration
}

// Deps is everything a run needs to do its work.
type Deps struct {
	Topo   topology.Client
	Store  storage.Store
	Log    logx.Logger
	Timing Timing

	// Complete routes a locally produced raw blob through the result
	// ingestion path (stats computation + result row update). Runs whose
	// work completes externally never call it.
	Complete func(ctx context.Context, executionID, resultID int64, raw string) error
}

// Run is one prepared exercise definition. The scheduler owns the execution
// lifecycle; the run only knows how to discover its targets, launch the
// underlying work, and tear it down.
type Run interface {
	Network() string
	Type() Type

	// Prepare queries the controller for current topology, applies the
	// allow-list, and returns the target assets plus an estimated
	// wall-clock duration for the whole run.
	Prepare(ctx context.Context) ([]Asset, time.Duration, error)

	// Start launches the underlying work and inserts a result row per
	// successfully started asset. Partial start failures are logged and the
	// run proceeds degraded.
	Start(ctx context.Context, executionID int64, assets []Asset) error

	// Stop cancels any in-flight internal work and best-effort stops every
	// still-open controller session. Returns false when there was nothing
	// left to stop.
	Stop(ctx context.Context) bool
}

// New builds a run from a stored params snapshot.
func New(p storage.Params, deps Deps) (Run, error) {
	network := strings.TrimSpace(p.Network)
	if network == "" {
		return nil, fmt.Errorf("params %d: network is required", p.ID)
	}

	var opts Options
	if strings.TrimSpace(p.OptionsJSON) != "" {
		if err := json.Unmarshal([]byte(p.OptionsJSON), &opts); err != nil {
			return nil, fmt.Errorf("params %d: options: %w", p.ID, err)
		}
	}
	if opts.DurationSec <= 0 {
		opts.DurationSec = 60
	}
	if opts.Protocol == "" {
		opts.Protocol = "udp"
	}

	allow, err := parseAllowlist(p.AllowlistJSON)
	if err != nil {
		return nil, fmt.Errorf("params %d: allowlist: %w", p.ID, err)
	}

	b := base{deps: deps, network: network, opts: opts, allow: allow}
	switch Type(p.RunType) {
	case TypeLink:
		return &linkRun{base: b}, nil
	case TypeNode:
		return &nodeRun{base: b}, nil
	case TypeMultihop:
		return &multihopRun{base: b}, nil
	case TypeScan:
		return &scanRun{base: b}, nil
	case TypeUplink:
		return &uplinkRun{base: b}, nil
	default:
		return nil, fmt.Errorf("params %d: unknown run type %q", p.ID, p.RunType)
	}
}

func parseAllowlist(raw string) (map[string]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m, nil
}
