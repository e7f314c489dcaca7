package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhq/conclave/internal/cron"
	"github.com/kestrelhq/conclave/internal/eventbus"
	"github.com/kestrelhq/conclave/pkg/models"
)

func TestRegisterTaskComputesNextRun(t *testing.T) {
	scheduler := cron.New()
	mgr := NewManager(scheduler, nil)

	err := mgr.RegisterTask(Def{
		Name:     "poll",
		CronExpr: "* * * * *",
		Enabled:  true,
		Handler:  func(ctx context.Context) error { return nil },
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	record, ok := mgr.GetRecord("poll")
	if !ok {
		t.Fatal("expected a record for poll")
	}
	if record.NextRun.IsZero() {
		t.Error("expected a non-zero NextRun")
	}
}

func TestExecuteTaskRetriesOnceThenSucceeds(t *testing.T) {
	scheduler := cron.New()
	mgr := NewManager(scheduler, nil)
	var attempts int32

	_ = mgr.RegisterTask(Def{
		Name:     "flaky",
		CronExpr: "* * * * *",
		Enabled:  true,
		Handler: func(ctx context.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			if n == 1 {
				return errors.New("boom")
			}
			return nil
		},
	}, nil)

	if err := mgr.executeTask(context.Background(), "flaky"); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", attempts)
	}
	record, _ := mgr.GetRecord("flaky")
	if record.LastResult != ResultSuccess {
		t.Errorf("expected success result, got %s", record.LastResult)
	}
}

func TestExecuteTaskPublishesFailureAfterBothAttempts(t *testing.T) {
	scheduler := cron.New()
	bus := eventbus.New()
	defer bus.Close()
	mgr := NewManager(scheduler, bus)

	received := make(chan map[string]any, 1)
	_, subErr := bus.Subscribe("alert.system.*", func(ctx context.Context, ev models.Event) error {
		received <- ev.Payload
		return nil
	})
	if subErr != nil {
		t.Fatalf("subscribe: %v", subErr)
	}

	_ = mgr.RegisterTask(Def{
		Name:     "always-fails",
		CronExpr: "* * * * *",
		Enabled:  true,
		Handler:  func(ctx context.Context) error { return errors.New("permanent failure") },
	}, nil)

	_ = mgr.executeTask(context.Background(), "always-fails")

	select {
	case payload := <-received:
		if payload["taskName"] != "always-fails" {
			t.Errorf("expected taskName always-fails, got %v", payload["taskName"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a task_failed event to be published")
	}

	record, _ := mgr.GetRecord("always-fails")
	if record.LastResult != ResultFailure {
		t.Errorf("expected failure result, got %s", record.LastResult)
	}
}

func TestToggleTaskDisablingClearsNextRun(t *testing.T) {
	scheduler := cron.New()
	mgr := NewManager(scheduler, nil)
	_ = mgr.RegisterTask(Def{
		Name:     "job",
		CronExpr: "* * * * *",
		Enabled:  true,
		Handler:  func(ctx context.Context) error { return nil },
	}, nil)

	if err := mgr.ToggleTask("job", false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	record, _ := mgr.GetRecord("job")
	if !record.NextRun.IsZero() {
		t.Error("expected NextRun to be cleared when disabled")
	}

	if err := mgr.ToggleTask("job", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	record, _ = mgr.GetRecord("job")
	if record.NextRun.IsZero() {
		t.Error("expected NextRun to be recomputed when re-enabled")
	}
}

func TestClientNamespacesTaskName(t *testing.T) {
	scheduler := cron.New()
	mgr := NewManager(scheduler, nil)
	client := mgr.GetClientFor("email")

	err := client.RegisterTask(Def{
		Name:     "poll",
		CronExpr: "* * * * *",
		Enabled:  true,
		Handler:  func(ctx context.Context) error { return nil },
	}, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := mgr.GetRecord("email.poll"); !ok {
		t.Error("expected task to be registered as email.poll")
	}
}
