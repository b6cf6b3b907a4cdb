package run

import (
	"context"
	"fmt"
	"time"

	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

// nodeRun exercises every alive node over its representative uplink (the
// first alive wireless link touching the node). All sessions run in parallel
// for one fixed window.
type nodeRun struct {
	base
}

func (r *nodeRun) Type() Type { return TypeNode }

func (r *nodeRun) Prepare(ctx context.Context) ([]Asset, time.Duration, error) {
	topo, err := r.deps.Topo.GetTopology(ctx, r.network)
	if err != nil {
		return nil, 0, fmt.Errorf("get topology: %w", err)
	}

	var assets []Asset
	for _, n := range topo.Nodes {
		if !n.Alive || n.PopNode {
			continue
		}
		if !r.allowed(n.Name) {
			continue
		}
		up, ok := uplinkFor(topo, n.Name)
		if !ok {
			continue
		}
		src, dst := up.AMac, up.ZMac
		if up.ZNode == n.Name {
			src, dst = up.ZMac, up.AMac
		}
		assets = append(assets, Asset{Name: n.Name, Node: n.Name, SrcMac: src, DstMac: dst})
	}

	return assets, time.Duration(r.opts.DurationSec) * time.Second, nil
}

func (r *nodeRun) Start(ctx context.Context, executionID int64, assets []Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no assets to start")
	}
	started := 0
	for _, a := range assets {
		if err := r.startAsset(ctx, executionID, a, r.opts); err != nil {
			r.deps.Log.Warn("asset start failed",
				logx.String("network", r.network),
				logx.String("asset", a.Name),
				logx.Err(err))
			continue
		}
		started++
	}
	r.markStarted()
	if started == 0 {
		return fmt.Errorf("every asset failed to start")
	}
	return nil
}

// uplinkFor picks the node's representative link.
func uplinkFor(topo *topology.Topology, node string) (topology.Link, bool) {
	for _, l := range topo.Links {
		if !l.Wireless || !l.Alive {
			continue
		}
		if l.ANode == node || l.ZNode == node {
			return l, true
		}
	}
	return topology.Link{}, false
}
