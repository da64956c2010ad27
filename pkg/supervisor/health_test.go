package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/queue"
)

func newTestManager(t *testing.T) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.NewManager(rdb)
}

func TestHealthMonitor_RestartsFailedWorker(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)
	for i := 0; i < 6; i++ {
		_ = manager.RegisterWorker(ctx, "w"+string(rune('0'+i)))
	}

	sup := New([]WorkerDefinition{
		{Name: "quick-exit", Command: "/usr/bin/false", WorkerType: WorkerTypeRQWorker, RestartOnFailure: true},
	})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Wait for the quick-exit process to actually land in failed.
	waitForState(t, sup, "quick-exit", StateFailed, 2*time.Second)

	hm := NewHealthMonitor(sup, manager, HealthMonitorConfig{
		StartupGracePeriod: time.Millisecond,
		CheckInterval:      20 * time.Millisecond,
		MinRQWorkers:       6,
		RecoveryCooldown:   time.Minute,
	})
	hm.checkWorkerLiveness(ctx)

	if statusFor(sup, "quick-exit").RestartCount < 1 {
		t.Error("expected at least one restart attempt after liveness check")
	}
	sup.Stop(ctx)
}

func TestHealthMonitor_BulkRestartsBelowMinimum(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)
	// Register fewer than the minimum.
	_ = manager.RegisterWorker(ctx, "only-one")

	sup := New([]WorkerDefinition{
		{Name: "rq1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeRQWorker},
	})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	hm := NewHealthMonitor(sup, manager, HealthMonitorConfig{MinRQWorkers: 6, RecoveryCooldown: time.Minute})
	hm.checkClusterRegistration(ctx)

	if statusFor(sup, "rq1").RestartCount != 1 {
		t.Errorf("expected bulk restart to fire once, restart count = %d", statusFor(sup, "rq1").RestartCount)
	}

	// A second check within the cooldown window must not fire again.
	hm.checkClusterRegistration(ctx)
	if statusFor(sup, "rq1").RestartCount != 1 {
		t.Errorf("expected cooldown to suppress a second bulk restart, restart count = %d", statusFor(sup, "rq1").RestartCount)
	}
	sup.Stop(ctx)
}

func TestHealthMonitor_NoRestartWhenRegistrationHealthy(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(t)
	for i := 0; i < 6; i++ {
		_ = manager.RegisterWorker(ctx, "w"+string(rune('0'+i)))
	}

	sup := New([]WorkerDefinition{
		{Name: "rq1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeRQWorker},
	})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	hm := NewHealthMonitor(sup, manager, HealthMonitorConfig{MinRQWorkers: 6, RecoveryCooldown: time.Minute})
	hm.checkClusterRegistration(ctx)

	if statusFor(sup, "rq1").RestartCount != 0 {
		t.Error("expected no restart when registration meets the minimum")
	}
	sup.Stop(ctx)
}

func waitForState(t *testing.T, sup *Supervisor, name string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if statusFor(sup, name).State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %q never reached state %v (last: %v)", name, want, statusFor(sup, name).State)
}
