package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CDCgov/nhsnlink-sub007/ingest"
	"github.com/CDCgov/nhsnlink-sub007/middleware"
	"github.com/CDCgov/nhsnlink-sub007/worker"
)

func TestPool_StartStop(t *testing.T) {
	pool := worker.NewPool(worker.WithShards(2))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
	if err := pool.Submit(context.Background(), "k", func(context.Context) {}); !errors.Is(err, worker.ErrPoolStopped) {
		t.Errorf("Submit after Stop = %v, want ErrPoolStopped", err)
	}
}

func TestPool_PerKeyOrdering(t *testing.T) {
	pool := worker.NewPool(worker.WithShards(4), worker.WithQueueDepth(256))
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[string][]int{}
	)
	keys := []string{"fac/a", "fac/b", "fac/c"}
	for i := range 50 {
		for _, k := range keys {
			i, k := i, k
			err := pool.Submit(context.Background(), k, func(context.Context) {
				mu.Lock()
				seen[k] = append(seen[k], i)
				mu.Unlock()
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	for _, k := range keys {
		got := seen[k]
		if len(got) != 50 {
			t.Fatalf("key %s ran %d tasks, want 50", k, len(got))
		}
		for i := range got {
			if got[i] != i {
				t.Fatalf("key %s out of order at %d: %v", k, i, got)
			}
		}
	}
}

func TestPool_ShardIsStable(t *testing.T) {
	pool := worker.NewPool(worker.WithShards(16))
	if pool.Shard("fac/p1") != pool.Shard("fac/p1") {
		t.Error("Shard not deterministic")
	}
	if s := pool.Shard("anything"); s < 0 || s >= pool.Shards() {
		t.Errorf("Shard out of range: %d", s)
	}
}

func TestPool_StopTimeoutCancelsTasks(t *testing.T) {
	pool := worker.NewPool(worker.WithShards(1))
	_ = pool.Start(context.Background())

	started := make(chan struct{})
	var cancelled atomic.Bool
	_ = pool.Submit(context.Background(), "k", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_ = pool.Stop(ctx)

	if !cancelled.Load() {
		t.Error("running task was not cancelled on shutdown timeout")
	}
}

func TestPool_PanicDoesNotKillShard(t *testing.T) {
	pool := worker.NewPool(worker.WithShards(1))
	_ = pool.Start(context.Background())

	var ran atomic.Bool
	_ = pool.Submit(context.Background(), "k", func(context.Context) { panic("boom") })
	_ = pool.Submit(context.Background(), "k", func(context.Context) { ran.Store(true) })
	_ = pool.Stop(context.Background())

	if !ran.Load() {
		t.Error("task after panic did not run")
	}
}

type recordingOutcome struct {
	succeeded int
	failed    []error
}

func (o *recordingOutcome) Succeeded(context.Context, *ingest.Message, time.Duration) error {
	o.succeeded++
	return nil
}

func (o *recordingOutcome) Failed(_ context.Context, _ *ingest.Message, err error) error {
	o.failed = append(o.failed, err)
	return nil
}

func TestExecutor_Outcomes(t *testing.T) {
	boom := errors.New("boom")
	out := &recordingOutcome{}
	exec := worker.NewExecutor(func(_ context.Context, m *ingest.Message) error {
		if string(m.Value) == "bad" {
			return boom
		}
		return nil
	}, out, nil)

	_ = exec.Execute(context.Background(), &ingest.Message{Value: []byte("ok")})
	_ = exec.Execute(context.Background(), &ingest.Message{Value: []byte("bad")})

	if out.succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", out.succeeded)
	}
	if len(out.failed) != 1 || !errors.Is(out.failed[0], boom) {
		t.Errorf("failed = %v, want [boom]", out.failed)
	}
}

func TestExecutor_RecoverMiddleware(t *testing.T) {
	out := &recordingOutcome{}
	exec := worker.NewExecutor(func(context.Context, *ingest.Message) error {
		panic("handler panic")
	}, out, nil, middleware.Recover(slog.Default()))

	_ = exec.Execute(context.Background(), &ingest.Message{Topic: "t"})
	if len(out.failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(out.failed))
	}
}
