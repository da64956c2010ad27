package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestProcess_StartStop(t *testing.T) {
	ctx := context.Background()
	exited := make(chan struct{}, 1)
	p := NewProcess("sleeper", "/usr/bin/sleep", []string{"5"}, nil, func(exitCode int, crashed bool) {
		exited <- struct{}{}
	})

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("state = %v, want running", p.State())
	}
	if p.PID() == 0 {
		t.Fatal("expected non-zero pid")
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit callback never fired")
	}
	if p.State() != StateStopped {
		t.Fatalf("state after stop = %v, want stopped", p.State())
	}
}

func TestProcess_CrashMarksFailed(t *testing.T) {
	ctx := context.Background()
	exited := make(chan bool, 1)
	p := NewProcess("failer", "/usr/bin/false", nil, nil, func(exitCode int, crashed bool) {
		exited <- crashed
	})

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case crashed := <-exited:
		if !crashed {
			t.Error("expected crashed=true for a non-stop-requested nonzero exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process never exited")
	}
	if p.State() != StateFailed {
		t.Fatalf("state = %v, want failed", p.State())
	}
}

func TestSupervisor_StartStatusStop(t *testing.T) {
	ctx := context.Background()
	sup := New([]WorkerDefinition{
		{Name: "w1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeRQWorker},
		{Name: "disabled", Command: "/usr/bin/sleep", Args: []string{"5"}, Enabled: func() bool { return false }},
	})

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	statuses := sup.Status()
	var w1, disabled Status
	for _, s := range statuses {
		switch s.Name {
		case "w1":
			w1 = s
		case "disabled":
			disabled = s
		}
	}
	if w1.State != StateRunning {
		t.Errorf("w1 state = %v, want running", w1.State)
	}
	if disabled.State != StatePending {
		t.Errorf("disabled state = %v, want pending (never started)", disabled.State)
	}

	sup.Stop(ctx)
	statuses = sup.Status()
	for _, s := range statuses {
		if s.Name == "w1" && s.State != StateStopped {
			t.Errorf("w1 state after Stop = %v, want stopped", s.State)
		}
	}
}

func TestSupervisor_Restart(t *testing.T) {
	ctx := context.Background()
	sup := New([]WorkerDefinition{
		{Name: "w1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeRQWorker, RestartOnFailure: true},
	})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID := sup.Status()[0].PID

	if err := sup.Restart(ctx, "w1"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := sup.Status()[0]
	if st.RestartCount != 1 {
		t.Errorf("restart count = %d, want 1", st.RestartCount)
	}
	if st.PID == firstPID {
		t.Error("expected a new pid after restart")
	}
	sup.Stop(ctx)
}

func TestSupervisor_RestartUnknownWorker(t *testing.T) {
	sup := New(nil)
	if err := sup.Restart(context.Background(), "nope"); err == nil {
		t.Fatal("expected ErrUnknownWorker")
	}
}

func TestSupervisor_BulkRestartOnlyTargetsRQWorkers(t *testing.T) {
	ctx := context.Background()
	sup := New([]WorkerDefinition{
		{Name: "rq1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeRQWorker},
		{Name: "stream1", Command: "/usr/bin/sleep", Args: []string{"5"}, WorkerType: WorkerTypeStreamConsumer},
	})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	streamPID := statusFor(sup, "stream1").PID

	sup.BulkRestart(ctx)

	if statusFor(sup, "rq1").RestartCount != 1 {
		t.Errorf("rq1 restart count = %d, want 1", statusFor(sup, "rq1").RestartCount)
	}
	if statusFor(sup, "stream1").RestartCount != 0 {
		t.Errorf("stream1 should not be bulk-restarted")
	}
	if statusFor(sup, "stream1").PID != streamPID {
		t.Errorf("stream1 pid changed, should not have been restarted")
	}
	sup.Stop(ctx)
}

func statusFor(sup *Supervisor, name string) Status {
	for _, s := range sup.Status() {
		if s.Name == name {
			return s
		}
	}
	return Status{}
}
