package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	jobKeyPrefix  = "job:"
	runningSetKey = "jobs:running"
	maxTxRetries  = 16
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合レコードは失効しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.Named("store"),
	}
}

// Create は running 状態のジョブを作成します。
func (s *RedisStore) Create(ctx context.Context, id string, items []int) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	now := time.Now().UTC()
	job := &Job{
		ID:        id,
		State:     StateRunning,
		Items:     append([]int(nil), items...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(id), payload, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	if err := s.rdb.SAdd(ctx, runningSetKey, id).Err(); err != nil {
		// 索引に載らないレコードは残さない
		if delErr := s.rdb.Del(context.WithoutCancel(ctx), jobKey(id)).Err(); delErr != nil {
			s.logger.Error("failed to roll back job record", zap.String("job_id", id), zap.Error(delErr))
		}
		return nil, fmt.Errorf("indexing running job %s: %w", id, err)
	}
	s.logger.Info("job created", zap.String("job_id", id), zap.Int("items", len(items)))
	return job, nil
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SetCompleted はジョブ完了時の情報を保存します。
func (s *RedisStore) SetCompleted(ctx context.Context, id, resultLocation string) error {
	return s.finish(ctx, id, func(job *Job) {
		job.State = StateCompleted
		job.ResultLocation = resultLocation
		job.Error = ""
	})
}

// SetFailed はジョブ失敗時の情報を保存します。
func (s *RedisStore) SetFailed(ctx context.Context, id, message string) error {
	return s.finish(ctx, id, func(job *Job) {
		job.State = StateFailed
		job.Error = message
		job.ResultLocation = ""
	})
}

// Touch は running のジョブの UpdatedAt を現在時刻にします。終端状態や未知のジョブには何もしません。
func (s *RedisStore) Touch(ctx context.Context, id string) error {
	key := jobKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State != StateRunning {
			return nil
		}
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.writeTTL())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much contention updating record", id)
}

// ListRunning は running のまま残っているジョブを返します。
func (s *RedisStore) ListRunning(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.SMembers(ctx, runningSetKey).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil || job.State != StateRunning {
			// 期限切れなどで残った索引は掃除しておく
			_ = s.rdb.SRem(ctx, runningSetKey, id).Err()
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// finish は WATCH/MULTI でレコードを読み、running の場合だけ mutate を適用して書き戻します。
func (s *RedisStore) finish(ctx context.Context, id string, mutate func(*Job)) error {
	key := jobKey(id)
	var applied *Job
	txf := func(tx *redis.Tx) error {
		applied = nil
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State.Terminal() {
			return nil
		}
		mutate(&job)
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.writeTTL())
			pipe.SRem(ctx, runningSetKey, id)
			return nil
		})
		if err == nil {
			applied = &job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		if applied == nil {
			s.logger.Debug("terminal write ignored, job already finished", zap.String("job_id", id))
			return nil
		}
		s.logger.Info("job finished", zap.String("job_id", id), zap.String("state", string(applied.State)))
		return nil
	}
	return fmt.Errorf("job %s: too much contention updating record", id)
}

// writeTTL は上書き時の TTL です。ttl 未設定なら既存の TTL を保ちます。
func (s *RedisStore) writeTTL() time.Duration {
	if s.ttl > 0 {
		return s.ttl
	}
	return time.Duration(redis.KeepTTL)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
