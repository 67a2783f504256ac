package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"
)

var quietLogger = log.New(io.Discard, "", 0)

// waitFor polls until the job reaches a terminal status.
func waitFor(t *testing.T, r *Registry, id string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return Job{}
}

func TestRegistryCompletesJob(t *testing.T) {
	r := NewRegistry(2, quietLogger)
	release := make(chan struct{})
	id, err := r.Submit("input.fits", func(ctx context.Context, id string, report Reporter) (any, error) {
		report(30, "working")
		report(20, "late report")
		report(150, "")
		<-release
		return "catalog", nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := r.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Name != "input.fits" || job.CreatedAt.IsZero() {
		t.Errorf("unexpected job %+v", job)
	}
	close(release)

	job = waitFor(t, r, id)
	if job.Status != StatusCompleted || job.Progress != 100 || job.Stage != stageComplete {
		t.Errorf("final job = %+v", job)
	}
	if job.Result != "catalog" {
		t.Errorf("Result = %v", job.Result)
	}
}

func TestRegistryProgressIsMonotonic(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	seen := make(chan int, 8)
	step := make(chan struct{})
	id, _ := r.Submit("job", func(ctx context.Context, id string, report Reporter) (any, error) {
		for _, p := range []int{10, 50, 40, 150} {
			report(p, "stage")
			step <- struct{}{}
			<-step
		}
		return nil, nil
	})

	for i := 0; i < 4; i++ {
		<-step
		job, _ := r.Get(id)
		seen <- job.Progress
		step <- struct{}{}
	}
	close(seen)
	want := []int{10, 50, 50, 100}
	i := 0
	for got := range seen {
		if got != want[i] {
			t.Errorf("progress after report %d = %d, want %d", i, got, want[i])
		}
		i++
	}
	waitFor(t, r, id)
}

func TestRegistryRecordsFailures(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	cause := errors.New("disk full")
	failing, _ := r.Submit("bad", func(context.Context, string, Reporter) (any, error) {
		return nil, fmt.Errorf("saving catalog: %w", cause)
	})
	panicking, _ := r.Submit("worse", func(context.Context, string, Reporter) (any, error) {
		panic("index out of range")
	})

	job := waitFor(t, r, failing)
	if job.Status != StatusError || job.Progress != -1 {
		t.Errorf("failed job = %+v", job)
	}
	if job.Message != "saving catalog: disk full" || !strings.Contains(job.Trace, "disk full") {
		t.Errorf("message %q, trace %q", job.Message, job.Trace)
	}

	job = waitFor(t, r, panicking)
	if job.Status != StatusError || !strings.Contains(job.Message, "index out of range") {
		t.Errorf("panicked job = %+v", job)
	}
	if !strings.Contains(job.Trace, "goroutine") {
		t.Errorf("panic trace should carry a stack, got %q", job.Trace)
	}
}

func TestRegistryTerminalJobsAreFinal(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	var report Reporter
	id, _ := r.Submit("job", func(ctx context.Context, id string, rep Reporter) (any, error) {
		report = rep
		return 1, nil
	})
	job := waitFor(t, r, id)
	if job.Status != StatusCompleted {
		t.Fatalf("status %s", job.Status)
	}
	report(10, "too late")
	if again, _ := r.Get(id); again.Progress != 100 || again.Stage != stageComplete {
		t.Errorf("terminal job changed: %+v", again)
	}
}

func TestRegistryLimitsConcurrency(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	work := func(context.Context, string, Reporter) (any, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}
	first, _ := r.Submit("a", work)
	second, _ := r.Submit("b", work)

	<-started
	time.Sleep(20 * time.Millisecond)
	statuses := map[Status]int{}
	for _, id := range []string{first, second} {
		job, _ := r.Get(id)
		statuses[job.Status]++
	}
	if statuses[StatusRunning] != 1 || statuses[StatusPending] != 1 {
		t.Errorf("statuses = %v, want one running and one pending", statuses)
	}
	close(release)
	waitFor(t, r, first)
	waitFor(t, r, second)

	list := r.List()
	if len(list) != 2 || list[0].ID != first || list[1].ID != second {
		t.Errorf("List order = %+v", list)
	}
}

func TestRegistryUnknownJob(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistryShutdown(t *testing.T) {
	r := NewRegistry(1, quietLogger)
	release := make(chan struct{})
	id, _ := r.Submit("job", func(context.Context, string, Reporter) (any, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); err == nil {
		t.Error("Shutdown should time out while a job runs")
	}
	if _, err := r.Submit("late", func(context.Context, string, Reporter) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Shutdown = %v, want ErrClosed", err)
	}

	close(release)
	if err := r.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if job, _ := r.Get(id); job.Status != StatusCompleted {
		t.Errorf("job status after drain = %s", job.Status)
	}
}
