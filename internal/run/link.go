package run

import (
	"context"
	"fmt"
	"time"

	logx "meshpulse/pkg/logx"
)

// linkRun exercises every alive wireless link, one asset per link direction.
// Parallel mode opens every session up front; sequential mode walks the
// assets one at a time with a gap between them.
type linkRun struct {
	base
}

func (r *linkRun) Type() Type { return TypeLink }

func (r *linkRun) Prepare(ctx context.Context) ([]Asset, time.Duration, error) {
	topo, err := r.deps.Topo.GetTopology(ctx, r.network)
	if err != nil {
		return nil, 0, fmt.Errorf("get topology: %w", err)
	}

	var assets []Asset
	for _, l := range topo.Links {
		if !l.Wireless || !l.Alive {
			continue
		}
		if !r.allowed(l.Name) {
			continue
		}
		assets = append(assets,
			Asset{Name: l.Name + ":a-z", SrcMac: l.AMac, DstMac: l.ZMac},
			Asset{Name: l.Name + ":z-a", SrcMac: l.ZMac, DstMac: l.AMac},
		)
	}

	per := time.Duration(r.opts.DurationSec) * time.Second
	var est time.Duration
	if r.opts.Sequential {
		est = time.Duration(len(assets))*(per+r.deps.Timing.SequentialGap)
	} else {
		est = per
	}
	return assets, est, nil
}

func (r *linkRun) Start(ctx context.Context, executionID int64, assets []Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no assets to start")
	}
	if !r.opts.Sequential {
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

	// Sequential: the internal task owns the pacing. Sessions opened by the
	// task are tracked on the shared base, so Stop can tear them down
	// whether or not the walk is finished.
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
