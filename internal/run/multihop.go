package run

import (
	"context"
	"fmt"
	"time"

	logx "meshpulse/pkg/logx"
)

// multihopRun exercises each node against its PoP over the controller's
// default routes, one node at a time.
type multihopRun struct {
	base
}

func (r *multihopRun) Type() Type { return TypeMultihop }

func (r *multihopRun) Prepare(ctx context.Context) ([]Asset, time.Duration, error) {
	topo, err := r.deps.Topo.GetTopology(ctx, r.network)
	if err != nil {
		return nil, 0, fmt.Errorf("get topology: %w", err)
	}

	macs := make(map[string]string, len(topo.Nodes))
	var pop string
	var names []string
	for _, n := range topo.Nodes {
		macs[n.Name] = n.MacAddr
		if n.PopNode && n.Alive && pop == "" {
			pop = n.Name
		}
		if n.Alive && !n.PopNode && r.allowed(n.Name) {
			names = append(names, n.Name)
		}
	}
	if pop == "" {
		return nil, 0, fmt.Errorf("network %s has no alive PoP node", r.network)
	}
	if len(names) == 0 {
		return nil, time.Duration(r.opts.DurationSec) * time.Second, nil
	}

	routes, err := r.deps.Topo.DefaultRoutes(ctx, r.network, names)
	if err != nil {
		return nil, 0, fmt.Errorf("get default routes: %w", err)
	}

	var assets []Asset
	for _, name := range names {
		// A node without a route to the PoP cannot be exercised this round.
		if len(routes[name]) == 0 {
			continue
		}
		assets = append(assets, Asset{
			Name:   name + "->" + pop,
			Node:   name,
			SrcMac: macs[name],
			DstMac: macs[pop],
		})
	}

	per := time.Duration(r.opts.DurationSec) * time.Second
	est := time.Duration(len(assets)) * (per + r.deps.Timing.SequentialGap)
	return assets, est, nil
}

func (r *multihopRun) Start(ctx context.Context, executionID int64, assets []Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no assets to start")
	}
	per := time.Duration(r.opts.DurationSec) * time.Second
	gap := r.deps.Timing.SequentialGap
	r.spawn(ctx, func(ctx context.Context) {
		for i, a := range assets {
			if ctx.Err() != nil {
				return
			}
			if err := r.startAsset(ctx, executionID, a, r.opts); err != nil {
				r.deps.Log.Warn("asset start failed",
					logx.String("network", r.network),
					logx.String("asset", a.Name),
					logx.Err(err))
			}
			wait := per
			if i < len(assets)-1 {
				wait += gap
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	})
	return nil
}
