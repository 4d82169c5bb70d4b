package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shinkeonkim/boj-to-pdf/internal/events"
	"github.com/shinkeonkim/boj-to-pdf/internal/jobs"
	"github.com/shinkeonkim/boj-to-pdf/internal/source"
	"github.com/shinkeonkim/boj-to-pdf/internal/storage"
)

type fakeFetcher struct {
	mu      sync.Mutex
	fail    map[int]bool
	panics  map[int]bool
	hang    map[int]bool
	gates   map[int]chan struct{}
	active  int32
	maxSeen int32
	fetched []int
}

func (f *fakeFetcher) Fetch(ctx context.Context, id int) (*source.Document, error) {
	n := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}

	f.mu.Lock()
	f.fetched = append(f.fetched, id)
	gate := f.gates[id]
	fail := f.fail[id]
	panics := f.panics[id]
	hang := f.hang[id]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if hang {
		<-ctx.Done()
		return nil, &source.UnavailableError{ID: id, Cause: ctx.Err()}
	}
	if panics {
		panic("boom")
	}
	if fail {
		return nil, &source.UnavailableError{ID: id, StatusCode: 403}
	}
	return &source.Document{ID: id, HTML: fmt.Sprintf("<p>%d</p>", id)}, nil
}

func (f *fakeFetcher) fetchedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

type fakeRenderer struct {
	mu    sync.Mutex
	fail  map[int]bool
	order []int
}

func (r *fakeRenderer) Render(ctx context.Context, doc *source.Document, outPath string) error {
	if r.fail[doc.ID] {
		return errors.New("chrome crashed")
	}
	if err := os.WriteFile(outPath, []byte(fmt.Sprintf("problem %d\n", doc.ID)), 0o640); err != nil {
		return err
	}
	r.mu.Lock()
	r.order = append(r.order, doc.ID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRenderer) rendered() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

// fakeMerger は入力ファイルの中身を順番に連結します。
type fakeMerger struct {
	mu     sync.Mutex
	calls  int
	inputs []string
	err    error
}

func (m *fakeMerger) Merge(ctx context.Context, inputs []string, out string) error {
	m.mu.Lock()
	m.calls++
	m.inputs = append([]string(nil), inputs...)
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	var b strings.Builder
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		b.Write(data)
	}
	return os.WriteFile(out, []byte(b.String()), 0o640)
}

type manualLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *manualLauncher) Launch(ctx context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, jobID)
	return l.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (n *recordingNotifier) Publish(_ context.Context, ev events.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) Close() {}

func (n *recordingNotifier) types(jobID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type harness struct {
	o        *Orchestrator
	store    jobs.Store
	layout   *storage.Local
	fetcher  *fakeFetcher
	renderer *fakeRenderer
	merger   *fakeMerger
	launcher *manualLauncher
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := jobs.NewRedisStore(rdb, 0, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	layout, err := storage.NewLocal(filepath.Join(root, "outputs"), filepath.Join(root, "temp"))
	require.NoError(t, err)

	h := &harness{
		store:    store,
		layout:   layout,
		fetcher:  &fakeFetcher{fail: map[int]bool{}, panics: map[int]bool{}, hang: map[int]bool{}, gates: map[int]chan struct{}{}},
		renderer: &fakeRenderer{fail: map[int]bool{}},
		merger:   &fakeMerger{},
		launcher: &manualLauncher{},
		notifier: &recordingNotifier{},
	}
	o, err := New(Deps{
		Store:    store,
		Fetcher:  h.fetcher,
		Renderer: h.renderer,
		Merger:   h.merger,
		Layout:   layout,
		Notifier: h.notifier,
		Logger:   zaptest.NewLogger(t),
	}, opts)
	require.NoError(t, err)
	o.UseLauncher(h.launcher)
	h.o = o
	return h
}

// peer は同じストアと配置を共有する別インスタンスを作ります。
func (h *harness) peer(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(Deps{
		Store:    h.store,
		Fetcher:  &fakeFetcher{},
		Renderer: &fakeRenderer{},
		Merger:   &fakeMerger{},
		Layout:   h.layout,
		Logger:   zaptest.NewLogger(t),
	}, opts)
	require.NoError(t, err)
	return o
}

// submitAndRun はジョブを投入し、同期的に最後まで実行して最終状態を返します。
func (h *harness) submitAndRun(t *testing.T, items []int) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	jobID, err := h.o.Submit(ctx, items)
	require.NoError(t, err)
	require.NoError(t, h.o.Run(ctx, jobID))
	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}

func TestSubmitCreatesRunningJobBeforeWork(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	jobID, err := h.o.Submit(ctx, []int{1000, 1001})
	require.NoError(t, err)

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobs.StateRunning, job.State)
	assert.Equal(t, []int{1000, 1001}, job.Items)
	assert.Empty(t, job.ResultLocation)
	assert.Equal(t, []string{jobID}, h.launcher.launched)
	assert.Empty(t, h.fetcher.fetched)
}

func TestSubmitValidatesItems(t *testing.T) {
	h := newHarness(t, Options{MaxItems: 3})

	for _, items := range [][]int{nil, {}, {0}, {1000, -1}, {1, 2, 3, 4}} {
		_, err := h.o.Submit(context.Background(), items)
		assert.ErrorIs(t, err, jobs.ErrInvalidItems, "items=%v", items)
	}
	running, err := h.store.ListRunning(context.Background())
	require.NoError(t, err)
	assert.Empty(t, running)
	assert.Empty(t, h.launcher.launched)
}

func TestSubmitMarksJobFailedWhenLaunchFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.launcher.err = errors.New("redis unavailable")

	_, err := h.o.Submit(context.Background(), []int{1000})
	require.Error(t, err)
	require.Len(t, h.launcher.launched, 1)

	jobID := h.launcher.launched[0]
	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Contains(t, job.Error, "redis unavailable")
	assert.Equal(t, []string{events.TypeSubmitted, events.TypeFailed}, h.notifier.types(jobID))
}

func TestRunPreservesSubmissionOrderUnderOutOfOrderCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	h.fetcher.gates[1] = release

	ctx := context.Background()
	jobID, err := h.o.Submit(ctx, []int{1, 2, 3})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx, jobID) }()

	require.Eventually(t, func() bool { return len(h.renderer.rendered()) == 2 }, 5*time.Second, 10*time.Millisecond)
	close(release)
	require.NoError(t, <-done)

	completion := h.renderer.rendered()
	require.Len(t, completion, 3)
	assert.ElementsMatch(t, []int{2, 3}, completion[:2])
	assert.Equal(t, 1, completion[2])

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateCompleted, job.State)
	merged, err := os.ReadFile(job.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, "problem 1\nproblem 2\nproblem 3\n", string(merged))
}

func TestRunPartialFailureKeepsSuccessfulItemsInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.fail[1001] = true

	job := h.submitAndRun(t, []int{1000, 1001, 1002})

	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.Empty(t, job.Error)
	require.NotEmpty(t, job.ResultLocation)
	merged, err := os.ReadFile(job.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, "problem 1000\nproblem 1002\n", string(merged))
	assert.NotContains(t, string(merged), "1001")

	require.Len(t, h.merger.inputs, 2)
	assert.Equal(t, h.layout.ItemPath(job.ID, 0, 1000), h.merger.inputs[0])
	assert.Equal(t, h.layout.ItemPath(job.ID, 2, 1002), h.merger.inputs[1])

	for _, in := range h.merger.inputs {
		assert.NoFileExists(t, in)
	}
	assert.NoDirExists(t, h.layout.JobDir(job.ID))
}

func TestRunAllItemsFailedSkipsMerge(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.fail[1000] = true
	before := testutil.ToFloat64(jobsFinishedMetric.WithLabelValues(string(jobs.StateFailed)))

	job := h.submitAndRun(t, []int{1000})

	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Contains(t, job.Error, "no artifacts produced")
	assert.Empty(t, job.ResultLocation)
	assert.Zero(t, h.merger.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsFinishedMetric.WithLabelValues(string(jobs.StateFailed))))
}

func TestRunRenderFailuresCountAsItemFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.renderer.fail[1000] = true
	h.renderer.fail[1001] = true

	job := h.submitAndRun(t, []int{1000, 1001})

	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, "no artifacts produced: all 2 items failed", job.Error)
	assert.Zero(t, h.merger.calls)
}

func TestRunMergeFailureLeavesArtifacts(t *testing.T) {
	h := newHarness(t, Options{})
	h.merger.err = errors.New("disk full")

	job := h.submitAndRun(t, []int{1000, 1001})

	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, "disk full", job.Error)
	assert.Empty(t, job.ResultLocation)
	require.Len(t, h.merger.inputs, 2)
	for _, in := range h.merger.inputs {
		assert.FileExists(t, in)
	}
}

func TestRunRecoversItemPanics(t *testing.T) {
	h := newHarness(t, Options{})
	h.fetcher.panics[1001] = true

	job := h.submitAndRun(t, []int{1000, 1001})

	assert.Equal(t, jobs.StateCompleted, job.State)
	require.Len(t, h.merger.inputs, 1)
	assert.Equal(t, h.layout.ItemPath(job.ID, 0, 1000), h.merger.inputs[0])
}

func TestRunTreatsDuplicateItemsAsIndependentPositions(t *testing.T) {
	h := newHarness(t, Options{})

	job := h.submitAndRun(t, []int{1000, 1000})

	assert.Equal(t, jobs.StateCompleted, job.State)
	merged, err := os.ReadFile(job.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, "problem 1000\nproblem 1000\n", string(merged))
	assert.NotEqual(t, h.merger.inputs[0], h.merger.inputs[1])
}

func TestRunAppliesItemTimeout(t *testing.T) {
	h := newHarness(t, Options{ItemTimeout: 50 * time.Millisecond})
	h.fetcher.hang[1001] = true

	job := h.submitAndRun(t, []int{1000, 1001})

	assert.Equal(t, jobs.StateCompleted, job.State)
	merged, err := os.ReadFile(job.ResultLocation)
	require.NoError(t, err)
	assert.Equal(t, "problem 1000\n", string(merged))
}

func TestRunBoundsItemConcurrency(t *testing.T) {
	h := newHarness(t, Options{ItemConcurrency: 2})

	job := h.submitAndRun(t, []int{1, 2, 3, 4, 5, 6})

	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.LessOrEqual(t, atomic.LoadInt32(&h.fetcher.maxSeen), int32(2))
	assert.Len(t, h.fetcher.fetched, 6)
}

func TestRunIsAtMostOncePerJob(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	jobID, err := h.o.Submit(ctx, []int{1000})
	require.NoError(t, err)
	require.NoError(t, h.o.Run(ctx, jobID))
	first, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)

	require.NoError(t, h.o.Run(ctx, jobID))
	second, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, 1, h.merger.calls)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.ResultLocation, second.ResultLocation)
}

func TestRunUnknownJob(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.o.Run(context.Background(), "never-submitted")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	job, err := h.store.Get(context.Background(), "never-submitted")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestInProcessLauncherRunsDetachedFromRequest(t *testing.T) {
	h := newHarness(t, Options{})
	h.o.UseLauncher(inProcessLauncher{o: h.o})
	release := make(chan struct{})
	h.fetcher.gates[1000] = release

	reqCtx, cancel := context.WithCancel(context.Background())
	jobID, err := h.o.Submit(reqCtx, []int{1000})
	require.NoError(t, err)
	cancel()

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, job.State)

	close(release)
	h.o.wg.Wait()

	job, err = h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.FileExists(t, job.ResultLocation)
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	h := newHarness(t, Options{})
	h.o.UseLauncher(inProcessLauncher{o: h.o})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	_, err := h.o.Submit(context.Background(), []int{1000})
	assert.ErrorIs(t, err, errShuttingDown)
}

func TestRecoverInterruptedMarksRunningJobsFailed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	stale, err := h.o.Submit(ctx, []int{1000})
	require.NoError(t, err)
	finished := h.submitAndRun(t, []int{1001})

	n, err := h.o.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := h.store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, InterruptedMessage, job.Error)

	again, err := h.store.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, again.State)
}

func TestRecoverInterruptedSparesJobsWithLiveHeartbeat(t *testing.T) {
	opts := Options{Heartbeat: 10 * time.Millisecond, StaleAfter: 300 * time.Millisecond}
	h := newHarness(t, opts)
	release := make(chan struct{})
	h.fetcher.gates[1000] = release
	ctx := context.Background()

	jobID, err := h.o.Submit(ctx, []int{1000})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx, jobID) }()
	require.Eventually(t, func() bool { return h.fetcher.fetchedCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	// StaleAfter を過ぎても Heartbeat が続いていれば別インスタンスは手を出さない
	time.Sleep(2 * opts.StaleAfter)
	other := h.peer(t, opts)
	n, err := other.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, h.layout.JobDir(jobID))

	close(release)
	require.NoError(t, <-done)

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCompleted, job.State)
	assert.FileExists(t, job.ResultLocation)
}

func TestRecoverInterruptedSweepsStaleJobs(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 10 * time.Millisecond, StaleAfter: 50 * time.Millisecond})
	ctx := context.Background()

	// manualLauncher は実行しないので Heartbeat は記録されない
	jobID, err := h.o.Submit(ctx, []int{1000})
	require.NoError(t, err)

	n, err := h.o.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Eventually(t, func() bool {
		n, err := h.o.RecoverInterrupted(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	job, err := h.store.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, InterruptedMessage, job.Error)
	assert.Equal(t, []string{events.TypeSubmitted, events.TypeFailed}, h.notifier.types(jobID))
}

func TestWatchInterruptedSweepsInBackground(t *testing.T) {
	h := newHarness(t, Options{Heartbeat: 5 * time.Millisecond, StaleAfter: 30 * time.Millisecond})
	ctx := context.Background()

	jobID, err := h.o.Submit(ctx, []int{1000})
	require.NoError(t, err)
	h.o.WatchInterrupted()

	require.Eventually(t, func() bool {
		job, err := h.store.Get(ctx, jobID)
		return err == nil && job.State == jobs.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(shutdownCtx))
}

func TestShutdownRecordsCancellationAsFailureCause(t *testing.T) {
	h := newHarness(t, Options{})
	h.o.UseLauncher(inProcessLauncher{o: h.o})
	h.fetcher.hang[1000] = true
	h.fetcher.hang[1001] = true

	jobID, err := h.o.Submit(context.Background(), []int{1000, 1001})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.fetcher.fetchedCount() == 2 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	job, err := h.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, "job canceled before completion: orchestrator is shutting down", job.Error)
	assert.Zero(t, h.merger.calls)
}

func TestCheckComplete(t *testing.T) {
	ok := []ItemResult{{Position: 0}, {Position: 1}}
	assert.NoError(t, checkComplete(ok, 2))
	assert.Error(t, checkComplete(ok, 3))
	assert.Error(t, checkComplete([]ItemResult{{Position: 0}, {Position: 0}}, 2))
}
