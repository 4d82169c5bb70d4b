package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeGenerate = "pdf:generate"
	queueName        = "pdf"
)

// Runner はジョブ ID を受け取りパイプラインを最後まで実行します。
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// TaskPayload は PDF 生成ジョブのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// ManagerOptions は Manager の設定です。
type ManagerOptions struct {
	RedisURL    string
	Concurrency int
}

// Manager は Asynq を使ってジョブをプロセス外のキューに投入し、ワーカーで実行します。
// タスク ID にジョブ ID を使うため、同じジョブが二重に投入されることはありません。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *zap.Logger
}

// NewManager は Manager を初期化します。
func NewManager(opts ManagerOptions, runner Runner, logger *zap.Logger) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opt, err := asynq.ParseRedisURI(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client: client,
		server: server,
		mux:    mux,
		runner: runner,
		logger: logger.Named("queue"),
	}
	mux.HandleFunc(taskTypeGenerate, manager.handleGenerateTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			m.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown() {
	m.server.Shutdown()
	if err := m.client.Close(); err != nil {
		m.logger.Warn("failed to close asynq client", zap.Error(err))
	}
}

// Launch はジョブをキューに投入します。
func (m *Manager) Launch(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	task, err := newGenerateTask(jobID)
	if err != nil {
		return err
	}
	info, err := m.client.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("job %s is already queued: %w", jobID, err)
		}
		return err
	}
	m.logger.Info("job enqueued", zap.String("job_id", jobID), zap.String("task_id", info.ID))
	return nil
}

func newGenerateTask(jobID string) (*asynq.Task, error) {
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskTypeGenerate, body, asynq.Queue(queueName)), nil
}
