// Package pipeline は問題ごとの取得・PDF 化を並行に実行し、投入順に結合します。
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shinkeonkim/boj-to-pdf/internal/events"
	"github.com/shinkeonkim/boj-to-pdf/internal/jobs"
	"github.com/shinkeonkim/boj-to-pdf/internal/source"
	"github.com/shinkeonkim/boj-to-pdf/internal/storage"
)

// InterruptedMessage は生存記録が途絶えたジョブに記録するエラーです。
const InterruptedMessage = "interrupted: worker stopped before completion"

var errShuttingDown = errors.New("orchestrator is shutting down")

// Fetcher は問題ページを取得します。
type Fetcher interface {
	Fetch(ctx context.Context, id int) (*source.Document, error)
}

// Renderer は整形済みページを outPath に PDF として書き出します。
type Renderer interface {
	Render(ctx context.Context, doc *source.Document, outPath string) error
}

// Merger は inputs を順番どおりに out へ結合します。
type Merger interface {
	Merge(ctx context.Context, inputs []string, out string) error
}

// Launcher は作成済みのジョブを非同期に実行させます。
type Launcher interface {
	Launch(ctx context.Context, jobID string) error
}

// Layout は一時成果物と最終成果物の置き場所を決めます。
type Layout interface {
	PrepareJobDir(jobID string) (string, error)
	ItemPath(jobID string, position, id int) string
	ResultPath(jobID string) string
	RemoveJobDir(jobID string) error
}

// ItemResult は 1 問分の処理結果です。Artifact が空なら Err に原因が入ります。
type ItemResult struct {
	Identifier int
	Position   int
	Artifact   string
	Err        error

	outcome string
}

// Options は Orchestrator の動作設定です。
type Options struct {
	MaxItems        int
	ItemConcurrency int
	ItemTimeout     time.Duration

	// Heartbeat ごとに実行中ジョブの UpdatedAt を更新します。0 なら更新しません。
	Heartbeat time.Duration
	// StaleAfter より長く更新のない running ジョブを中断とみなします。
	// 0 なら running のジョブをすべて中断とみなします。
	StaleAfter time.Duration
}

// Deps は Orchestrator の協調相手です。Notifier と Logger は省略できます。
type Deps struct {
	Store    jobs.Store
	Fetcher  Fetcher
	Renderer Renderer
	Merger   Merger
	Layout   Layout
	Notifier events.Publisher
	Logger   *zap.Logger
}

// Orchestrator はジョブの受付から終端状態の書き込みまでを担います。
// ジョブ状態の唯一の保存先は Store で、メモリ上には持ちません。
type Orchestrator struct {
	store    jobs.Store
	fetcher  Fetcher
	renderer Renderer
	merger   Merger
	layout   Layout
	notifier events.Publisher
	logger   *zap.Logger
	opts     Options

	launcher Launcher
	newID    func() string

	// lifetime はリクエストではなく Orchestrator 自身に紐づくコンテキストです。
	lifetime context.Context
	cancel   context.CancelCauseFunc
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

// New は Orchestrator を初期化します。既定ではジョブを同一プロセスの goroutine で実行します。
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is nil")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is nil")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is nil")
	case deps.Merger == nil:
		return nil, errors.New("merger is nil")
	case deps.Layout == nil:
		return nil, errors.New("layout is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.Nop{}
	}
	if opts.ItemConcurrency < 0 {
		opts.ItemConcurrency = 0
	}

	lifetime, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		renderer: deps.Renderer,
		merger:   deps.Merger,
		layout:   deps.Layout,
		notifier: notifier,
		logger:   logger.Named("orchestrator"),
		opts:     opts,
		newID:    uuid.NewString,
		lifetime: lifetime,
		cancel:   cancel,
	}
	o.launcher = inProcessLauncher{o: o}
	return o, nil
}

// UseLauncher は実行方法を差し替えます。キュー経由で実行する場合に使います。
func (o *Orchestrator) UseLauncher(l Launcher) {
	if l != nil {
		o.launcher = l
	}
}

// Submit はジョブを running で作成してから実行を依頼し、すぐに戻ります。
func (o *Orchestrator) Submit(ctx context.Context, items []int) (string, error) {
	if err := o.validate(items); err != nil {
		return "", err
	}
	items = slices.Clone(items)

	jobID := o.newID()
	if _, err := o.store.Create(ctx, jobID, items); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	increaseJobsSubmitted()
	o.logger.Info("job submitted", zap.String("job_id", jobID), zap.Ints("items", items))
	o.publish(ctx, events.JobEvent{Type: events.TypeSubmitted, JobID: jobID, Items: items})

	if err := o.launcher.Launch(ctx, jobID); err != nil {
		msg := fmt.Sprintf("failed to schedule job: %v", err)
		job := &jobs.Job{ID: jobID, Items: items}
		if ferr := o.fail(context.WithoutCancel(ctx), job, time.Now(), msg, 0, len(items)); ferr != nil {
			o.logger.Error("failed to record scheduling failure", zap.String("job_id", jobID), zap.Error(ferr))
		}
		return "", fmt.Errorf("launching job %s: %w", jobID, err)
	}
	return jobID, nil
}

func (o *Orchestrator) validate(items []int) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one problem is required", jobs.ErrInvalidItems)
	}
	if o.opts.MaxItems > 0 && len(items) > o.opts.MaxItems {
		return fmt.Errorf("%w: at most %d problems per job, got %d", jobs.ErrInvalidItems, o.opts.MaxItems, len(items))
	}
	for _, id := range items {
		if id <= 0 {
			return fmt.Errorf("%w: problem id must be positive, got %d", jobs.ErrInvalidItems, id)
		}
	}
	return nil
}

// Run はジョブを最後まで処理して終端状態を書き込みます。
// running 以外のジョブは処理済みとみなして何もしません。
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if job.State != jobs.StateRunning {
		o.logger.Info("job already finished, skipping", zap.String("job_id", jobID), zap.String("state", string(job.State)))
		return nil
	}

	started := time.Now()
	logger := o.logger.With(zap.String("job_id", jobID))
	logger.Info("job started", zap.Int("items", len(job.Items)))

	// 終端状態の書き込みは停止要求より優先します。
	finishCtx := context.WithoutCancel(ctx)
	stopHeartbeat := o.startHeartbeat(finishCtx, jobID)
	defer stopHeartbeat()

	if _, err := o.layout.PrepareJobDir(jobID); err != nil {
		return o.fail(finishCtx, job, started, err.Error(), 0, len(job.Items))
	}

	results := o.collect(ctx, job)
	if err := checkComplete(results, len(job.Items)); err != nil {
		return o.fail(finishCtx, job, started, err.Error(), 0, len(job.Items))
	}
	if ctx.Err() != nil {
		msg := fmt.Sprintf("job canceled before completion: %v", context.Cause(ctx))
		return o.fail(finishCtx, job, started, msg, 0, len(job.Items))
	}

	artifacts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			logger.Warn("item failed", zap.Int("problem", r.Identifier), zap.Int("position", r.Position), zap.Error(r.Err))
			continue
		}
		artifacts = append(artifacts, r.Artifact)
	}
	failed := len(results) - len(artifacts)

	if len(artifacts) == 0 {
		msg := fmt.Sprintf("no artifacts produced: all %d items failed", len(results))
		return o.fail(finishCtx, job, started, msg, 0, failed)
	}

	resultPath := o.layout.ResultPath(jobID)
	if err := o.merger.Merge(ctx, artifacts, resultPath); err != nil {
		// 一時成果物は外部の掃除に任せます。
		return o.fail(finishCtx, job, started, err.Error(), len(artifacts), failed)
	}

	o.cleanup(logger, jobID, artifacts)

	if err := o.store.SetCompleted(finishCtx, jobID, resultPath); err != nil {
		return fmt.Errorf("recording completion of job %s: %w", jobID, err)
	}
	observeJobFinished(string(jobs.StateCompleted), time.Since(started))
	logger.Info("job completed",
		zap.String("state", string(jobs.StateCompleted)),
		zap.String("result", resultPath),
		zap.Int("succeeded", len(artifacts)),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)),
	)
	o.publish(finishCtx, events.JobEvent{
		Type:           events.TypeCompleted,
		JobID:          jobID,
		Items:          job.Items,
		Succeeded:      len(artifacts),
		Failed:         failed,
		ResultLocation: resultPath,
	})
	return nil
}

// collect は全アイテムを並行に処理し、すべて揃うまで待ってから投入順に並べて返します。
// あるアイテムの失敗が他のアイテムを止めることはありません。
func (o *Orchestrator) collect(ctx context.Context, job *jobs.Job) []ItemResult {
	ch := make(chan ItemResult, len(job.Items))

	var g errgroup.Group
	if o.opts.ItemConcurrency > 0 {
		g.SetLimit(o.opts.ItemConcurrency)
	}
	for pos, id := range job.Items {
		g.Go(func() error {
			ch <- o.processItem(ctx, job.ID, pos, id)
			return nil
		})
	}
	_ = g.Wait()
	close(ch)

	results := make([]ItemResult, 0, len(job.Items))
	for r := range ch {
		increaseItems(r.outcome)
		results = append(results, r)
	}
	slices.SortFunc(results, func(a, b ItemResult) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return results
}

func (o *Orchestrator) processItem(ctx context.Context, jobID string, position, id int) (res ItemResult) {
	res = ItemResult{Identifier: id, Position: position}
	defer func() {
		if r := recover(); r != nil {
			res.Artifact = ""
			res.Err = fmt.Errorf("problem %d: panic: %v", id, r)
			res.outcome = outcomeRenderFailed
		}
	}()

	if o.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ItemTimeout)
		defer cancel()
	}

	doc, err := o.fetcher.Fetch(ctx, id)
	if err != nil {
		res.Err = fmt.Errorf("fetch: %w", err)
		res.outcome = outcomeFetchFailed
		return res
	}

	out := o.layout.ItemPath(jobID, position, id)
	if err := o.renderer.Render(ctx, doc, out); err != nil {
		res.Err = fmt.Errorf("render problem %d: %w", id, err)
		res.outcome = outcomeRenderFailed
		return res
	}
	res.Artifact = out
	res.outcome = outcomeRendered
	return res
}

// checkComplete は位置ごとにちょうど 1 件の結果があることを確認します。results は整列済みです。
func checkComplete(results []ItemResult, n int) error {
	if len(results) != n {
		return fmt.Errorf("internal error: collected %d results for %d items", len(results), n)
	}
	for i, r := range results {
		if r.Position != i {
			return fmt.Errorf("internal error: missing or duplicate result at position %d", i)
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, job *jobs.Job, started time.Time, msg string, succeeded, failed int) error {
	if err := o.store.SetFailed(ctx, job.ID, msg); err != nil {
		return fmt.Errorf("recording failure of job %s: %w", job.ID, err)
	}
	observeJobFinished(string(jobs.StateFailed), time.Since(started))
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("state", string(jobs.StateFailed)),
		zap.String("error", msg),
		zap.Duration("elapsed", time.Since(started)),
	)
	o.publish(ctx, events.JobEvent{
		Type:      events.TypeFailed,
		JobID:     job.ID,
		Items:     job.Items,
		Succeeded: succeeded,
		Failed:    failed,
		Error:     msg,
	})
	return nil
}

// cleanup は一時成果物を削除します。失敗してもジョブは失敗にしません。
func (o *Orchestrator) cleanup(logger *zap.Logger, jobID string, artifacts []string) {
	for _, path := range artifacts {
		if err := storage.Remove(path); err != nil {
			logger.Warn("failed to remove item artifact", zap.String("path", path), zap.Error(err))
		}
	}
	if err := o.layout.RemoveJobDir(jobID); err != nil {
		logger.Warn("failed to remove job directory", zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.JobEvent) {
	if err := o.notifier.Publish(ctx, ev); err != nil {
		o.logger.Warn("failed to publish job event", zap.String("job_id", ev.JobID), zap.String("type", ev.Type), zap.Error(err))
	}
}

// startHeartbeat は Run が戻るまで Heartbeat ごとにジョブの生存を記録します。
// 戻り値の関数で停止します。
func (o *Orchestrator) startHeartbeat(ctx context.Context, jobID string) func() {
	if o.opts.Heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.store.Touch(ctx, jobID); err != nil && ctx.Err() == nil {
					o.logger.Warn("failed to record heartbeat", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RecoverInterrupted は StaleAfter を過ぎても生存記録のない running ジョブを失敗にします。
// 他のインスタンスが実行中のジョブは Heartbeat で更新され続けるため対象になりません。
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := o.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing running jobs: %w", err)
	}
	recovered := 0
	for _, job := range running {
		if o.opts.StaleAfter > 0 && time.Since(job.UpdatedAt) < o.opts.StaleAfter {
			continue
		}
		if err := o.store.SetFailed(ctx, job.ID, InterruptedMessage); err != nil {
			o.logger.Error("failed to mark interrupted job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := o.layout.RemoveJobDir(job.ID); err != nil {
			o.logger.Warn("failed to remove job directory", zap.String("job_id", job.ID), zap.Error(err))
		}
		recovered++
		o.publish(ctx, events.JobEvent{Type: events.TypeFailed, JobID: job.ID, Items: job.Items, Error: InterruptedMessage})
	}
	if recovered > 0 {
		o.logger.Warn("marked interrupted jobs as failed", zap.Int("count", recovered))
	}
	return recovered, nil
}

// WatchInterrupted は StaleAfter ごとに RecoverInterrupted を実行します。Shutdown で止まります。
func (o *Orchestrator) WatchInterrupted() {
	if o.opts.StaleAfter <= 0 {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.StaleAfter)
		defer ticker.Stop()
		for {
			select {
			case <-o.lifetime.Done():
				return
			case <-ticker.C:
				if _, err := o.RecoverInterrupted(o.lifetime); err != nil && o.lifetime.Err() == nil {
					o.logger.Warn("failed to sweep interrupted jobs", zap.Error(err))
				}
			}
		}
	}()
}

// Shutdown は新規の実行を止め、実行中のジョブの終了を ctx の期限まで待ちます。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel(errShuttingDown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// inProcessLauncher はジョブを Orchestrator の lifetime 上の goroutine で実行します。
// 受付リクエストのコンテキストは引き継ぎません。
type inProcessLauncher struct {
	o *Orchestrator
}

func (l inProcessLauncher) Launch(_ context.Context, jobID string) error {
	o := l.o
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if err := o.Run(o.lifetime, jobID); err != nil {
			o.logger.Error("job run failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}
