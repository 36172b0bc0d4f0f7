package adapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/decisiongraph/internal/contract"
	"github.com/danshapiro/decisiongraph/internal/mockengine"
)

func checkSteps(t *testing.T, steps []Step) {
	t.Helper()
	for _, s := range steps {
		switch s.Status {
		case StepDone:
			if s.Report == nil || s.Err != nil {
				t.Errorf("step %d done without a lone report: %+v", s.Index, s)
			}
		case StepFailed:
			if s.Err == nil || s.Report != nil {
				t.Errorf("step %d failed without a lone error: %+v", s.Index, s)
			}
		default:
			if s.Report != nil || s.Err != nil {
				t.Errorf("step %d is %s but carries a result: %+v", s.Index, s.Status, s)
			}
		}
	}
}

func TestRunBatch_RunsInOrder(t *testing.T) {
	srv, a := newEngine(t, nil)

	b := a.RunBatch(context.Background(), []RunRequest{
		{TemplateID: "t", Seed: 42},
		{},
		{TemplateID: "hiring", Seed: 7},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	steps, err := b.Wait(ctx)
	require.NoError(t, err)
	checkSteps(t, steps)

	require.Len(t, steps, 3)
	assert.Equal(t, StepDone, steps[0].Status)
	assert.Equal(t, 42.5, steps[0].Report.Results.Likely)
	assert.Equal(t, StepFailed, steps[1].Status)
	assert.Equal(t, contract.CodeBadInput, steps[1].Err.Code)
	assert.Equal(t, StepDone, steps[2].Status)
	assert.Equal(t, "engineers", steps[2].Report.Results.Units)
	assert.Equal(t, 2, srv.Calls("POST /v1/run"))
}

func TestRunBatch_CancelLeavesNoPartialSteps(t *testing.T) {
	srv, a := newEngine(t, knobs(func(k *mockengine.Knobs) { k.RunDelay = 300 * time.Millisecond }))

	reqs := make([]RunRequest, 4)
	for i := range reqs {
		reqs[i] = RunRequest{TemplateID: "t", Seed: int64(i)}
	}
	b := a.RunBatch(context.Background(), reqs)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-b.Done():
				return
			default:
				checkSteps(t, b.Steps())
				time.Sleep(time.Millisecond)
			}
		}
	}()

	require.Eventually(t, func() bool {
		steps := b.Steps()
		return steps[1].Status == StepRunning
	}, 5*time.Second, 5*time.Millisecond)
	b.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	steps, err := b.Wait(ctx)
	require.NoError(t, err)
	wg.Wait()
	checkSteps(t, steps)

	assert.Equal(t, StepDone, steps[0].Status)
	for _, s := range steps[1:] {
		assert.Equal(t, StepCancelled, s.Status, "step %d", s.Index)
	}
	assert.LessOrEqual(t, srv.Calls("POST /v1/run"), 2)
}
