package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// handleGenerateTask はキューから取り出したジョブを Runner に渡します。
// 失敗はジョブ状態に記録済みなので、Asynq には再試行させません。
func (m *Manager) handleGenerateTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	m.logger.Info("job picked up", zap.String("job_id", payload.JobID))
	if err := m.runner.Run(ctx, payload.JobID); err != nil {
		m.logger.Error("job run failed", zap.String("job_id", payload.JobID), zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
