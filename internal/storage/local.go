// Package storage はジョブの作業ディレクトリと成果物の配置を管理します。
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const dirPerm = 0o750

// Local はローカルファイルシステム上のレイアウトです。
//
//	<tempDir>/<jobID>/<position>-<id>.pdf   問題ごとの一時成果物
//	<outputDir>/YYYY-MM-DD_<SUFFIX>.pdf     結合済みの最終成果物
type Local struct {
	outputDir string
	tempDir   string
	now       func() time.Time
}

// NewLocal はディレクトリを作成して Local を返します。
func NewLocal(outputDir, tempDir string) (*Local, error) {
	if strings.TrimSpace(outputDir) == "" || strings.TrimSpace(tempDir) == "" {
		return nil, errors.New("output and temp directories are required")
	}
	for _, dir := range []string{outputDir, tempDir} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Local{outputDir: outputDir, tempDir: tempDir, now: time.Now}, nil
}

// JobDir はジョブ専用の一時ディレクトリのパスです。
func (l *Local) JobDir(jobID string) string {
	return filepath.Join(l.tempDir, jobID)
}

// PrepareJobDir はジョブ専用の一時ディレクトリを作成します。
func (l *Local) PrepareJobDir(jobID string) (string, error) {
	if jobID == "" {
		return "", errors.New("jobID is required")
	}
	dir := l.JobDir(jobID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

// ItemPath は 1 問分の成果物パスです。位置を含めるため同じ問題番号が重複しても衝突しません。
func (l *Local) ItemPath(jobID string, position, id int) string {
	return filepath.Join(l.JobDir(jobID), fmt.Sprintf("%03d-%d.pdf", position, id))
}

// ResultPath は結合済み PDF の出力先です。
func (l *Local) ResultPath(jobID string) string {
	return filepath.Join(l.outputDir, ResultFilename(jobID, l.now()))
}

// ResultFilename は YYYY-MM-DD_<SUFFIX>.pdf 形式のファイル名を返します。
// SUFFIX はジョブ ID 全体なので、同じ日のジョブ同士でも衝突しません。
func ResultFilename(jobID string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(jobID, "-", ""))
	return fmt.Sprintf("%s_%s.pdf", at.Format("2006-01-02"), suffix)
}

// Remove はファイルを削除します。存在しない場合は成功扱いです。
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveJobDir はジョブの一時ディレクトリを丸ごと削除します。
func (l *Local) RemoveJobDir(jobID string) error {
	if jobID == "" {
		return errors.New("jobID is required")
	}
	return os.RemoveAll(l.JobDir(jobID))
}
