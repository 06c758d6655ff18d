package jobs

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func blockUntilCanceled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestManagerStartAndStop(t *testing.T) {
	m := NewManager(nil, nil)

	id, err := m.Start(context.Background(), "worker", blockUntilCanceled)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("expected a job id")
	}

	statuses := m.List()
	if len(statuses) != 1 || !statuses[0].Running || statuses[0].Name != "worker" {
		t.Fatalf("list: %+v", statuses)
	}

	if err := m.Stop(context.Background(), id); err != context.Canceled {
		t.Fatalf("stop: got %v, want context.Canceled", err)
	}
	if got := len(m.List()); got != 0 {
		t.Fatalf("stopped job must be removed: %d tracked", got)
	}
}

func TestManagerStopUnknownJob(t *testing.T) {
	m := NewManager(nil, nil)
	if err := m.Stop(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected error for unknown job")
	}
}

func TestManagerRejectsNilRun(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.Start(context.Background(), "x", nil); err == nil {
		t.Fatalf("expected error for nil run func")
	}
}

func TestManagerWaitCollectsErrs(t *testing.T) {
	m := NewManager(nil, nil)

	if _, err := m.Start(context.Background(), "ok", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(context.Background(), "bad", func(context.Context) error {
		return fmt.Errorf("boom")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Wait()

	errs := m.Errs()
	if len(errs) != 1 || errs[0].Error() != "boom" {
		t.Fatalf("errs: %v", errs)
	}
}

func TestManagerStopAll(t *testing.T) {
	m := NewManager(nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := m.Start(context.Background(), fmt.Sprintf("w%d", i), blockUntilCanceled); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	err := m.StopAll(context.Background())
	if err != context.Canceled {
		t.Fatalf("stop all: got %v, want context.Canceled", err)
	}
	if got := len(m.List()); got != 0 {
		t.Fatalf("tracked after stop all: %d", got)
	}
}

func TestManagerParentCancelStopsJobs(t *testing.T) {
	m := NewManager(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := m.Start(ctx, "w", blockUntilCanceled); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	m.Wait()

	statuses := m.List()
	if len(statuses) != 1 || statuses[0].Running {
		t.Fatalf("job should have finished: %+v", statuses)
	}
}

func TestSharedResourceClosedByLastJob(t *testing.T) {
	closes := 0
	shared := NewSharedResource(func() error {
		closes++
		return nil
	})
	m := NewManager(shared, nil)

	release := make(chan struct{})
	run := func(ctx context.Context) error {
		<-release
		return nil
	}

	if _, err := m.Start(context.Background(), "a", run); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Start(context.Background(), "b", run); err != nil {
		t.Fatalf("start: %v", err)
	}

	close(release)
	m.Wait()

	if closes != 1 {
		t.Fatalf("shared resource closes: got %d, want 1", closes)
	}

	// New jobs cannot attach once the resource is gone.
	if _, err := m.Start(context.Background(), "late", run); err == nil {
		t.Fatalf("expected error starting a job on a closed resource")
	}
}

func TestStopReturnsWhenJobHangs(t *testing.T) {
	m := NewManager(nil, nil)

	id, err := m.Start(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Stop(ctx, id); err != context.DeadlineExceeded {
		t.Fatalf("stop: got %v, want deadline exceeded", err)
	}
}
