package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancel_ProcessingThenSpoolerCompleted(t *testing.T) {
	repo := newMemRepo(trackedJob("a", 1, JobStatusProcessing))
	sp := newFakeSpooler()
	sp.setActive(1, SpoolerProcessing, nil)
	pub := &recorder{}
	e, _ := newTestEngine(repo, sp, pub, testConfig())

	job, err := e.Cancel(context.Background(), "a")
	require.NoError(t, err)
	e.wg.Wait()

	assert.Equal(t, JobStatusCanceled, job.Status)
	assert.True(t, job.CancelPending)
	assert.Equal(t, []int{1}, sp.canceledIDs())
	require.Len(t, pub.all(), 1)
	assert.Equal(t, JobStatusProcessing, pub.all()[0].OldStatus)
	assert.Equal(t, JobStatusCanceled, pub.all()[0].NewStatus)

	sp.setActive(1, SpoolerCompleted, nil)
	e.RunCycle(context.Background())

	got := repo.get("a")
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.False(t, got.CancelPending)
	assert.Equal(t, 5, got.PagesPrinted)
	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, JobStatusCanceled, events[1].OldStatus)
	assert.Equal(t, JobStatusCompleted, events[1].NewStatus)
}

func TestCancel_ConfirmedBySpooler(t *testing.T) {
	tests := []struct {
		name  string
		setup func(sp *fakeSpooler)
	}{
		{"spooler canceled", func(sp *fakeSpooler) { sp.setActive(1, SpoolerCanceled, intPtr(1)) }},
		{"spooler forgot job", func(sp *fakeSpooler) { sp.remove(1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo(trackedJob("a", 1, JobStatusSubmitted))
			sp := newFakeSpooler()
			sp.setActive(1, SpoolerPending, nil)
			pub := &recorder{}
			e, _ := newTestEngine(repo, sp, pub, testConfig())

			_, err := e.Cancel(context.Background(), "a")
			require.NoError(t, err)
			e.wg.Wait()

			tt.setup(sp)
			e.RunCycle(context.Background())

			got := repo.get("a")
			assert.Equal(t, JobStatusCanceled, got.Status)
			assert.False(t, got.CancelPending)
			assert.Len(t, pub.all(), 1)

			active, err := repo.GetActiveJobs(context.Background())
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}

func TestCancel_ReissuedWhileSpoolerStillPrinting(t *testing.T) {
	repo := newMemRepo(trackedJob("a", 1, JobStatusProcessing))
	sp := newFakeSpooler()
	sp.setActive(1, SpoolerProcessing, nil)
	e, _ := newTestEngine(repo, sp, &recorder{}, testConfig())

	_, err := e.Cancel(context.Background(), "a")
	require.NoError(t, err)
	e.wg.Wait()

	e.RunCycle(context.Background())

	assert.Equal(t, []int{1, 1}, sp.canceledIDs())
	got := repo.get("a")
	assert.Equal(t, JobStatusCanceled, got.Status)
	assert.True(t, got.CancelPending)
}

func TestCancel_UnsubmittedJob(t *testing.T) {
	job := trackedJob("a", 0, JobStatusPending)
	job.ExternalID = nil
	repo := newMemRepo(job)
	sp := newFakeSpooler()
	e, _ := newTestEngine(repo, sp, &recorder{}, testConfig())

	got, err := e.Cancel(context.Background(), "a")
	require.NoError(t, err)
	e.wg.Wait()

	assert.Equal(t, JobStatusCanceled, got.Status)
	assert.False(t, got.CancelPending)
	assert.Empty(t, sp.canceledIDs())
	assert.NotNil(t, repo.get("a").CompletedAt)
}

func TestCancel_Errors(t *testing.T) {
	repo := newMemRepo(trackedJob("done", 1, JobStatusCompleted))
	pub := &recorder{}
	e, _ := newTestEngine(repo, newFakeSpooler(), pub, testConfig())

	job, err := e.Cancel(context.Background(), "done")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusCompleted, job.Status)

	_, err = e.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Empty(t, pub.all())
}

func TestCancel_RetriesOnConflict(t *testing.T) {
	repo := newMemRepo(trackedJob("a", 1, JobStatusSubmitted))
	repo.beforeUpdate = func(r *memRepo, id string) {
		r.jobs[id].Status = JobStatusProcessing
	}
	pub := &recorder{}
	e, _ := newTestEngine(repo, newFakeSpooler(), pub, testConfig())

	got, err := e.Cancel(context.Background(), "a")
	require.NoError(t, err)
	e.wg.Wait()

	assert.Equal(t, JobStatusCanceled, got.Status)
	require.Len(t, pub.all(), 1)
	assert.Equal(t, JobStatusProcessing, pub.all()[0].OldStatus)
}

func TestCancel_AfterStopLeavesForwardToNextSync(t *testing.T) {
	repo := newMemRepo(trackedJob("a", 1, JobStatusProcessing))
	sp := newFakeSpooler()
	sp.setActive(1, SpoolerProcessing, nil)
	e, _ := newTestEngine(repo, sp, &recorder{}, testConfig())
	e.Start()
	e.Stop()

	job, err := e.Cancel(context.Background(), "a")
	require.NoError(t, err)
	e.wg.Wait()

	assert.Equal(t, JobStatusCanceled, job.Status)
	assert.True(t, repo.get("a").CancelPending)
	assert.Empty(t, sp.canceledIDs())
}

func TestCancel_RacingStop(t *testing.T) {
	var jobs []*Job
	for i := 0; i < 20; i++ {
		jobs = append(jobs, trackedJob(fmt.Sprintf("job-%d", i), i+1, JobStatusProcessing))
	}
	repo := newMemRepo(jobs...)
	sp := newFakeSpooler()
	for i := range jobs {
		sp.setActive(i+1, SpoolerProcessing, nil)
	}
	e, _ := newTestEngine(repo, sp, &recorder{}, testConfig())
	e.Start()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = e.Cancel(context.Background(), id)
		}(j.ID)
	}
	e.Stop()
	wg.Wait()

	for _, j := range jobs {
		assert.Equal(t, JobStatusCanceled, repo.get(j.ID).Status)
	}
}
