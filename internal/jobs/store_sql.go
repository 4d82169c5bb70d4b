package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// jobRecord は jobs テーブルの 1 行です。items は JSON 配列として保存します。
type jobRecord struct {
	ID             string    `gorm:"column:id;primaryKey;size:64"`
	State          string    `gorm:"column:state;size:16;index;not null"`
	Items          string    `gorm:"column:items;type:text;not null"`
	ResultLocation string    `gorm:"column:result_location"`
	Error          string    `gorm:"column:error;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (jobRecord) TableName() string {
	return "jobs"
}

func (r *jobRecord) toJob() (*Job, error) {
	var items []int
	if err := json.Unmarshal([]byte(r.Items), &items); err != nil {
		return nil, fmt.Errorf("decoding items of job %s: %w", r.ID, err)
	}
	return &Job{
		ID:             r.ID,
		State:          State(r.State),
		Items:          items,
		ResultLocation: r.ResultLocation,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

// SQLStore はジョブ状態を SQL データベース（SQLite / PostgreSQL）に保存します。
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore は SQLStore を作成し、テーブルを用意します。
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&jobRecord{}); err != nil {
		return nil, fmt.Errorf("migrating jobs table: %w", err)
	}
	return &SQLStore{db: db, logger: logger.Named("store")}, nil
}

// Create は running 状態のジョブを作成します。
func (s *SQLStore) Create(ctx context.Context, id string, items []int) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	if items == nil {
		items = []int{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := jobRecord{
		ID:        id,
		State:     string(StateRunning),
		Items:     string(encoded),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("job created", zap.String("job_id", id), zap.Int("items", len(items)))
	return rec.toJob()
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	var rec jobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return rec.toJob()
}

// SetCompleted はジョブ完了時の情報を保存します。
func (s *SQLStore) SetCompleted(ctx context.Context, id, resultLocation string) error {
	return s.finish(ctx, id, map[string]any{
		"state":           string(StateCompleted),
		"result_location": resultLocation,
		"error":           "",
	})
}

// SetFailed はジョブ失敗時の情報を保存します。
func (s *SQLStore) SetFailed(ctx context.Context, id, message string) error {
	return s.finish(ctx, id, map[string]any{
		"state":           string(StateFailed),
		"result_location": "",
		"error":           message,
	})
}

// Touch は running のジョブの updated_at を現在時刻にします。終端状態や未知のジョブには何もしません。
func (s *SQLStore) Touch(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("id = ? AND state = ?", id, string(StateRunning)).
		Update("updated_at", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("touching job: %w", err)
	}
	return nil
}

// ListRunning は running のまま残っているジョブを返します。
func (s *SQLStore) ListRunning(ctx context.Context) ([]*Job, error) {
	var recs []jobRecord
	if err := s.db.WithContext(ctx).
		Where("state = ?", string(StateRunning)).
		Order("created_at").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing running jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(recs))
	for i := range recs {
		job, err := recs[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close は下層のコネクションを閉じます。
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// finish は state = running の行だけを 1 回の UPDATE で終端状態に書き換えます。
func (s *SQLStore) finish(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&jobRecord{}).
		Where("id = ? AND state = ?", id, string(StateRunning)).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("updating job: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("job finished", zap.String("job_id", id), zap.Any("state", fields["state"]))
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("querying job: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.logger.Debug("terminal write ignored, job already finished", zap.String("job_id", id))
	return nil
}
