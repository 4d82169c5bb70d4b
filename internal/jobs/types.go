package jobs

import "time"

// State はジョブの実行状態を表します。
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// StateNotFound はステータス照会で未知のジョブを表すときだけ使います。保存されることはありません。
const StateNotFound State = "not_found"

// Terminal は completed / failed のいずれかなら true を返します。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job はジョブの現在状態を表します。
type Job struct {
	ID             string    `json:"id"`
	State          State     `json:"state"`
	Items          []int     `json:"items"`
	ResultLocation string    `json:"resultLocation,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
