// Package schedtest provides an in-process scheduler for tests. Jobs run
// the task unit in the test process once they have been queried a
// configurable number of times.
package schedtest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/3leaps/slurmmap/pkg/scheduler"
	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// Name is the backend name recorded in manifests.
const Name = "fake"

type job struct {
	sub     scheduler.Submission
	queries int
	status  scheduler.Status
}

// Fake implements scheduler.Scheduler in memory.
type Fake struct {
	// SubmitErr, when set, is consulted before each submission.
	SubmitErr func(sub scheduler.Submission) error
	// QueryErr, when set, is returned by Query.
	QueryErr func() error
	// CompleteAfter returns how many queries a job stays running before it
	// executes. Zero runs it on the first query.
	CompleteAfter func(index int) int
	// Exec runs a job. The default writes a line to the job's stdout and
	// executes the task unit.
	Exec func(ctx context.Context, sub scheduler.Submission) error

	mu        sync.Mutex
	next      int
	jobs      map[string]*job
	submitted []scheduler.Submission
	cancelled []string
	queries   int
}

var _ scheduler.Scheduler = (*Fake)(nil)

func New() *Fake {
	return &Fake{jobs: make(map[string]*job)}
}

func (f *Fake) Name() string { return Name }

func (f *Fake) Submit(ctx context.Context, sub scheduler.Submission) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.SubmitErr != nil {
		if err := f.SubmitErr(sub); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobs == nil {
		f.jobs = make(map[string]*job)
	}
	f.next++
	id := strconv.Itoa(1000 + f.next)
	f.jobs[id] = &job{sub: sub, status: scheduler.Status{State: scheduler.JobQueued, Raw: "PENDING"}}
	f.submitted = append(f.submitted, sub)
	return id, nil
}

// Query advances every requested job by one tick and reports its status.
func (f *Fake) Query(ctx context.Context, jobIDs []string) (map[string]scheduler.Status, error) {
	if f.QueryErr != nil {
		if err := f.QueryErr(); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	f.queries++
	var due []*job
	out := make(map[string]scheduler.Status)
	for _, id := range scheduler.Dedupe(jobIDs) {
		j, ok := f.jobs[id]
		if !ok {
			out[id] = scheduler.Status{State: scheduler.JobUnknown}
			continue
		}
		if !j.status.State.Finished() {
			after := 0
			if f.CompleteAfter != nil {
				after = f.CompleteAfter(j.sub.Index)
			}
			if j.queries >= after {
				due = append(due, j)
			} else {
				j.status = scheduler.Status{State: scheduler.JobRunning, Raw: "RUNNING"}
			}
			j.queries++
		}
	}
	f.mu.Unlock()

	for _, j := range due {
		err := f.exec(ctx, j.sub)
		f.mu.Lock()
		if err != nil {
			j.status = scheduler.Status{State: scheduler.JobFailed, Raw: "FAILED"}
		} else {
			j.status = scheduler.Status{State: scheduler.JobCompleted, Raw: "COMPLETED"}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range scheduler.Dedupe(jobIDs) {
		if j, ok := f.jobs[id]; ok {
			out[id] = j.status
		}
	}
	return out, nil
}

func (f *Fake) Cancel(_ context.Context, jobIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range scheduler.Dedupe(jobIDs) {
		j, ok := f.jobs[id]
		if !ok || j.status.State.Finished() {
			continue
		}
		j.status = scheduler.Status{State: scheduler.JobFailed, Raw: "CANCELLED"}
		f.cancelled = append(f.cancelled, id)
	}
	return nil
}

// Forget drops a job so later queries report it unknown.
func (f *Fake) Forget(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
}

// Submitted returns a copy of every accepted submission in order.
func (f *Fake) Submitted() []scheduler.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Submission(nil), f.submitted...)
}

// Cancelled returns the ids Cancel acted on.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Queries returns the number of Query calls.
func (f *Fake) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *Fake) exec(ctx context.Context, sub scheduler.Submission) error {
	if f.Exec != nil {
		return f.Exec(ctx, sub)
	}
	if sub.StdoutPath != "" {
		if fh, err := os.OpenFile(sub.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			_, _ = fmt.Fprintf(fh, "running task %d\n", sub.Index)
			_ = fh.Close()
		}
	}
	return taskunit.Execute(ctx, sub.UnitPath, nil)
}
