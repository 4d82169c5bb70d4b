package jobs

import (
	"context"
	"errors"
)

var (
	// ErrJobNotFound は終端状態の書き込み対象が存在しないときに返ります。
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob は同じ ID のジョブを二重に作成しようとしたときに返ります。
	ErrDuplicateJob = errors.New("job already exists")
)

// Store はジョブ状態の永続化を担います。業務ロジックは持ちません。
//
// Get は未知の ID に対して (nil, nil) を返します。SetCompleted / SetFailed は
// 既に終端状態のジョブに対しては何もせず nil を返します（最初の書き込みが勝つ）。
// Touch は実行中のジョブの生存を UpdatedAt に記録します。
type Store interface {
	Create(ctx context.Context, id string, items []int) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	SetCompleted(ctx context.Context, id, resultLocation string) error
	SetFailed(ctx context.Context, id, message string) error
	Touch(ctx context.Context, id string) error
	ListRunning(ctx context.Context) ([]*Job, error)
	Close() error
}
