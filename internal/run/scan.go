package run

import (
	"context"
	"fmt"
	"time"

	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

// scanRun drives one RF interference scan. A single controller call fans the
// scan out across the targets; per-target rows start QUEUED and are completed
// by the response-ingestion path as radios report back.
type scanRun struct {
	base
}

func (r *scanRun) Type() Type { return TypeScan }

func (r *scanRun) Prepare(ctx context.Context) ([]Asset, time.Duration, error) {
	topo, err := r.deps.Topo.GetTopology(ctx, r.network)
	if err != nil {
		return nil, 0, fmt.Errorf("get topology: %w", err)
	}

	var assets []Asset
	for _, n := range topo.Nodes {
		if !n.Alive {
			continue
		}
		if !r.allowed(n.Name) {
			continue
		}
		assets = append(assets, Asset{Name: n.Name, Node: n.Name, SrcMac: n.MacAddr})
	}

	est := r.deps.Timing.ScanStartDelay + r.deps.Timing.ScanResponseWindow
	return assets, est, nil
}

func (r *scanRun) Start(ctx context.Context, executionID int64, assets []Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no scan targets")
	}

	targets := make([]string, 0, len(assets))
	for _, a := range assets {
		targets = append(targets, a.Node)
	}
	token, err := r.deps.Topo.StartScan(ctx, r.network, topology.ScanRequest{
		Type:    r.opts.ScanType,
		Mode:    r.opts.ScanMode,
		Targets: targets,
	})
	if err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	r.deps.Log.Debug("scan dispatched",
		logx.String("network", r.network),
		logx.String("token", token),
		logx.Int("targets", len(targets)))

	for _, a := range assets {
		if _, err := r.deps.Store.InsertResult(ctx, storage.Result{
			ExecutionID: executionID,
			Src:         a.SrcMac,
			Status:      storage.StatusQueued,
		}); err != nil {
			r.deps.Log.Warn("scan result insert failed",
				logx.String("network", r.network),
				logx.String("target", a.Name),
				logx.Err(err))
		}
	}

	// No sessions to track; the collection window itself is the thing a
	// later Stop tears down.
	r.markStarted()
	return nil
}
