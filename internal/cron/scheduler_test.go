package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleComputesNextRun(t *testing.T) {
	s := New()
	if err := s.Schedule("job-a", "* * * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if s.NextRun("job-a").IsZero() {
		t.Error("expected a non-zero NextRun after scheduling")
	}
}

func TestScheduleRejectsInvalidExpr(t *testing.T) {
	s := New()
	if err := s.Schedule("job-a", "not a cron expr", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("expected an error for an invalid cron expression")
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithNow(func() time.Time { return current }), WithTickInterval(5*time.Millisecond))

	var fired int32
	done := make(chan struct{}, 1)
	if err := s.Schedule("job-a", "* * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&fired, 1)
		done <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	current = current.Add(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never fired")
	}
	if atomic.LoadInt32(&fired) == 0 {
		t.Error("expected job to fire at least once")
	}
}

func TestUnschedule(t *testing.T) {
	s := New()
	_ = s.Schedule("job-a", "* * * * *", func(ctx context.Context) error { return nil })
	s.Unschedule("job-a")
	if !s.NextRun("job-a").IsZero() {
		t.Error("expected zero NextRun after unscheduling")
	}
}
