package run

import (
	"context"
	"sync"
	"time"

	"meshpulse/internal/storage"
	"meshpulse/internal/topology"
	logx "meshpulse/pkg/logx"
)

type session struct {
	id       string
	resultID int64
}

// base carries the state shared by every run variant: the decoded params,
// the open controller sessions, and the cancellation handle for whatever
// internal task the variant spawned.
type base struct {
	deps    Deps
	network string
	opts    Options
	allow   map[string]bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	sessions []session
}

func (b *base) Network() string { return b.network }

func (b *base) allowed(name string) bool {
	return b.allow == nil || b.allow[name]
}

func (b *base) filtered() bool { return b.allow != nil }

// spawn runs fn on its own goroutine under a cancellable context. The done
// channel lets Stop wait for the task to actually unwind.
func (b *base) spawn(parent context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		fn(ctx)
	}()
}

// markStarted records lifecycle state for variants with no internal task, so
// a later Stop still reports there was something to tear down.
func (b *base) markStarted() {
	b.mu.Lock()
	if b.cancel == nil {
		_, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
	}
	b.mu.Unlock()
}

// startAsset opens one traffic session for a and inserts its RUNNING result
// row. The session is tracked for later teardown.
func (b *base) startAsset(ctx context.Context, executionID int64, a Asset, opts Options) error {
	sid, err := b.deps.Topo.StartSession(ctx, b.network, a.SrcMac, a.DstMac, sessionOptions(opts))
	if err != nil {
		return err
	}
	rid, err := b.deps.Store.InsertResult(ctx, storage.Result{
		ExecutionID: executionID,
		Src:         a.SrcMac,
		Dst:         a.DstMac,
		Status:      storage.StatusRunning,
	})
	if err != nil {
		// The session is live even though its row is not; keep it tracked so
		// Stop can still tear it down.
		b.trackSession(session{id: sid})
		return err
	}
	b.trackSession(session{id: sid, resultID: rid})
	return nil
}

func (b *base) trackSession(s session) {
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()
}

// Stop is shared by all variants. It cancels the internal task (awaiting its
// exit), then best-effort stops every still-open session. A stop failure on
// one session never aborts the remaining stop calls.
func (b *base) Stop(ctx context.Context) bool {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	sessions := b.sessions
	b.cancel = nil
	b.done = nil
	b.sessions = nil
	b.mu.Unlock()

	if cancel == nil && len(sessions) == 0 {
		// Nothing running and nothing to tear down.
		return false
	}

	if cancel != nil {
		cancel()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
				b.deps.Log.Warn("internal task did not unwind in time", logx.String("network", b.network))
			}
		}
	}

	for _, s := range sessions {
		if err := b.deps.Topo.StopSession(ctx, b.network, s.id); err != nil {
			b.deps.Log.Warn("session stop failed",
				logx.String("network", b.network),
				logx.String("session", s.id),
				logx.Err(err))
		}
	}
	return true
}

func sessionOptions(o Options) topology.SessionOptions {
	return topology.SessionOptions{
		BitrateBps:  o.BitrateBps,
		Protocol:    o.Protocol,
		DurationSec: o.DurationSec,
	}
}
