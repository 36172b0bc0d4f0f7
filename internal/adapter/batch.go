package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/danshapiro/decisiongraph/internal/contract"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepDone      StepStatus = "done"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Step is one batch entry. Report is set iff Status is StepDone; Err is set
// iff Status is StepFailed.
type Step struct {
	Index  int
	Status StepStatus
	Report *contract.Report
	Err    *contract.Error
}

// Batch runs its requests one after another. Steps are replaced whole under a
// lock, so readers never see a status without its result.
type Batch struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	steps []Step
}

// RunBatch starts reqs in the background and returns immediately.
// Cancelling ctx or calling Batch.Cancel stops the batch; the step in flight
// and every later one end as StepCancelled.
func (a *Adapter) RunBatch(ctx context.Context, reqs []RunRequest) *Batch {
	ctx, cancel := context.WithCancel(ctx)
	b := &Batch{cancel: cancel, done: make(chan struct{}), steps: make([]Step, len(reqs))}
	for i := range b.steps {
		b.steps[i] = Step{Index: i, Status: StepPending}
	}
	go func() {
		defer close(b.done)
		defer cancel()
		for i, req := range reqs {
			if ctx.Err() != nil {
				b.cancelFrom(i)
				return
			}
			b.publish(Step{Index: i, Status: StepRunning})
			rep, err := a.Run(ctx, req)
			switch {
			case ctx.Err() != nil || errors.Is(err, ErrCancelled):
				b.cancelFrom(i)
				return
			case err != nil:
				b.publish(Step{Index: i, Status: StepFailed, Err: contract.AsError(err)})
			default:
				b.publish(Step{Index: i, Status: StepDone, Report: &rep})
			}
		}
		a.log.Debug("adapter: batch of %d finished", len(reqs))
	}()
	return b
}

func (b *Batch) publish(s Step) {
	b.mu.Lock()
	b.steps[s.Index] = s
	b.mu.Unlock()
}

func (b *Batch) cancelFrom(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ; i < len(b.steps); i++ {
		b.steps[i] = Step{Index: i, Status: StepCancelled}
	}
}

// Steps returns a snapshot of every step.
func (b *Batch) Steps() []Step {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Step(nil), b.steps...)
}

func (b *Batch) Cancel() { b.cancel() }

func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch ends or ctx is done, then returns the steps.
func (b *Batch) Wait(ctx context.Context) ([]Step, error) {
	select {
	case <-b.done:
		return b.Steps(), nil
	case <-ctx.Done():
		return b.Steps(), ctx.Err()
	}
}
