// Package pdf は問題ページの PDF 化と結合を提供します。
package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
)

// ErrNoInputs は結合対象が空のときに返ります。
var ErrNoInputs = errors.New("no input artifacts to merge")

// Merger は pdfcpu で複数の PDF を入力順に結合します。
type Merger struct {
	conf   *model.Configuration
	logger *zap.Logger
}

// NewMerger は Merger を初期化します。
func NewMerger(logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Merger{conf: conf, logger: logger.Named("merger")}
}

// Merge は inputs を順番どおりに連結して out に書き出します。
// 入力が 1 つでも欠けていればスキップせずにエラーを返します。
// 途中で失敗しても out に中途半端なファイルは残りません。
func (m *Merger) Merge(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return fmt.Errorf("merge input %s: %w", filepath.Base(in), err)
		}
		if info.IsDir() {
			return fmt.Errorf("merge input %s is a directory", filepath.Base(in))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	partial := strings.TrimSuffix(out, filepath.Ext(out)) + ".partial.pdf"
	if err := pdfapi.MergeCreateFile(inputs, partial, false, m.conf); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("failed to merge %d artifacts: %w", len(inputs), err)
	}
	if err := os.Rename(partial, out); err != nil {
		_ = os.Remove(partial)
		return fmt.Errorf("failed to write merged artifact: %w", err)
	}

	pages, err := PageCount(out)
	if err != nil {
		m.logger.Warn("merged artifact could not be inspected", zap.String("path", out), zap.Error(err))
		return nil
	}
	m.logger.Info("artifacts merged",
		zap.String("path", out),
		zap.Int("inputs", len(inputs)),
		zap.Int("pages", pages),
	)
	return nil
}
