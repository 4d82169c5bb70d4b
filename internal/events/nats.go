// Package events はジョブの状態遷移を NATS に通知します。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	TypeSubmitted = "submitted"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
)

// JobEvent は購読者に送るメッセージ本体です。
type JobEvent struct {
	Type           string    `json:"type"`
	JobID          string    `json:"jobId"`
	Items          []int     `json:"items,omitempty"`
	Succeeded      int       `json:"succeeded,omitempty"`
	Failed         int       `json:"failed,omitempty"`
	ResultLocation string    `json:"resultLocation,omitempty"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher はイベントの送信先です。
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close()
}

// Nop は何も送信しない Publisher です。NATS_URL が未設定のときに使います。
type Nop struct{}

func (Nop) Publish(context.Context, JobEvent) error { return nil }

func (Nop) Close() {}

// NATS は <subject>.<type> にイベントを JSON で publish します。
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// Connect は NATS に接続します。切断時は無制限に再接続します。
func Connect(url, subject string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("boj-to-pdf"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

// Publish はイベントを送信します。
func (n *NATS) Publish(ctx context.Context, ev JobEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(Subject(n.subject, ev.Type), b)
}

// Close は未送信のメッセージを流しきってから切断します。
func (n *NATS) Close() {
	if n.nc != nil {
		_ = n.nc.Drain()
	}
}

// Subject はイベント種別ごとの subject を組み立てます。
func Subject(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
