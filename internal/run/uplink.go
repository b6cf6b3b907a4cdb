package run

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"

	"meshpulse/internal/storage"
	logx "meshpulse/pkg/logx"
)

// uplinkRun measures each PoP node's upstream internet throughput from the
// scheduler host. Unlike the mesh tests, the work happens locally, so the run
// completes its own result rows through the ingestion hook.
type uplinkRun struct {
	base
}

type uplinkSample struct {
	Timestamp    time.Time `json:"timestamp"`
	DownloadMbps float64   `json:"download_mbps"`
	UploadMbps   float64   `json:"upload_mbps"`
	PingMs       float64   `json:"ping_ms"`
	ISP          string    `json:"isp,omitempty"`
	Server       string    `json:"server,omitempty"`
}

func (r *uplinkRun) Type() Type { return TypeUplink }

func (r *uplinkRun) Prepare(ctx context.Context) ([]Asset, time.Duration, error) {
	topo, err := r.deps.Topo.GetTopology(ctx, r.network)
	if err != nil {
		return nil, 0, fmt.Errorf("get topology: %w", err)
	}

	var assets []Asset
	for _, n := range topo.Nodes {
		if !n.PopNode || !n.Alive {
			continue
		}
		if !r.allowed(n.Name) {
			continue
		}
		assets = append(assets, Asset{Name: n.Name, Node: n.Name, SrcMac: n.MacAddr})
	}

	per := time.Duration(r.opts.DurationSec) * time.Second
	return assets, time.Duration(len(assets)) * per, nil
}

func (r *uplinkRun) Start(ctx context.Context, executionID int64, assets []Asset) error {
	if len(assets) == 0 {
		return fmt.Errorf("no PoP nodes to measure")
	}
	per := time.Duration(r.opts.DurationSec) * time.Second
	r.spawn(ctx, func(ctx context.Context) {
		for _, a := range assets {
			if ctx.Err() != nil {
				return
			}
			rid, err := r.deps.Store.InsertResult(ctx, storage.Result{
				ExecutionID: executionID,
				Src:         a.SrcMac,
				Status:      storage.StatusRunning,
			})
			if err != nil {
				r.deps.Log.Warn("result insert failed",
					logx.String("network", r.network),
					logx.String("pop", a.Name),
					logx.Err(err))
				continue
			}

			mctx, cancel := context.WithTimeout(ctx, per)
			sample, err := measureUplink(mctx)
			cancel()
			if err != nil {
				r.deps.Log.Warn("uplink measurement failed",
					logx.String("network", r.network),
					logx.String("pop", a.Name),
					logx.Err(err))
				_ = r.deps.Store.UpdateResult(ctx, rid, storage.StatusFailed, "", "")
				continue
			}

			raw, _ := json.Marshal(sample)
			if r.deps.Complete != nil {
				if err := r.deps.Complete(ctx, executionID, rid, string(raw)); err != nil {
					r.deps.Log.Warn("result completion failed",
						logx.String("network", r.network),
						logx.String("pop", a.Name),
						logx.Err(err))
				}
			}
		}
	})
	return nil
}

// measureUplink runs one ping/download/upload pass against the lowest-distance
// available server.
func measureUplink(ctx context.Context) (*uplinkSample, error) {
	stc := st.New()

	user, err := stc.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := stc.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	s := servers[0]

	if err := s.PingTestContext(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping test: %w", err)
	}
	if err := s.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download test: %w", err)
	}
	if err := s.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload test: %w", err)
	}

	// Drop per-test snapshots promptly; the library keeps state otherwise.
	stc.Snapshots().Clean()
	stc.Reset()

	return &uplinkSample{
		Timestamp:    time.Now(),
		DownloadMbps: s.DLSpeed.Mbps(),
		UploadMbps:   s.ULSpeed.Mbps(),
		PingMs:       float64(s.Latency.Milliseconds()),
		ISP:          user.Isp,
		Server:       s.Sponsor,
	}, nil
}
