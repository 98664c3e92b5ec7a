package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRejectsBadSpec(t *testing.T) {
	s := NewCron(time.UTC)
	if err := s.Schedule("not a cron spec", func() {}); err == nil {
		t.Errorf("bad spec accepted")
	}
}

func TestCronRunsAndSurvivesPanics(t *testing.T) {
	s := NewCron(time.UTC)

	var runs int32
	err := s.Schedule("@every 1s", func() {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("first run fails")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&runs) < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := atomic.LoadInt32(&runs); n < 2 {
		t.Errorf("runs = %d; a panic stopped the schedule", n)
	}
}
