package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/shinkeonkim/boj-to-pdf/internal/source"
)

const mimePDF = "application/pdf"

// RendererOptions は ChromeRenderer の設定です。
type RendererOptions struct {
	// ChromePath が空なら go-rod が Chromium を探索またはダウンロードします。
	ChromePath string
}

// ChromeRenderer はヘッドレス Chrome で HTML を PDF に印刷します。
// ブラウザ接続は共有しますが、呼び出しごとに専用のタブとファイルを使います。
type ChromeRenderer struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	logger   *zap.Logger
}

// NewChromeRenderer はブラウザを起動して接続します。
func NewChromeRenderer(opts RendererOptions, logger *zap.Logger) (*ChromeRenderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := launcher.New().Headless(true)
	if opts.ChromePath != "" {
		l = l.Bin(opts.ChromePath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}
	return &ChromeRenderer{launcher: l, browser: browser, logger: logger.Named("renderer")}, nil
}

// Render は doc を outPath に PDF として書き出します。
// 作業用の HTML は outPath と同じ場所に置き、終了時に削除します。
func (r *ChromeRenderer) Render(ctx context.Context, doc *source.Document, outPath string) (err error) {
	if doc == nil {
		return errors.New("document is nil")
	}
	htmlPath := htmlPathFor(outPath)
	if err := os.WriteFile(htmlPath, []byte(doc.HTML), 0o640); err != nil {
		return fmt.Errorf("failed to write html for problem %d: %w", doc.ID, err)
	}
	defer func() {
		if rmErr := os.Remove(htmlPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Warn("failed to remove temporary html", zap.String("path", htmlPath), zap.Error(rmErr))
		}
	}()

	absHTML, err := filepath.Abs(htmlPath)
	if err != nil {
		return err
	}
	target := (&url.URL{Scheme: "file", Path: filepath.ToSlash(absHTML)}).String()

	// タブは ctx に縛らずに開き、ctx が切れた後でも閉じられるようにする
	page, err := r.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("failed to open page for problem %d: %w", doc.ID, err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			r.logger.Warn("failed to close page", zap.Int("problem", doc.ID), zap.Error(closeErr))
		}
	}()

	bound := page.Context(ctx)
	if err := bound.Navigate(target); err != nil {
		return fmt.Errorf("failed to open page for problem %d: %w", doc.ID, err)
	}
	if err := bound.WaitLoad(); err != nil {
		return fmt.Errorf("failed to load page for problem %d: %w", doc.ID, err)
	}
	stream, err := bound.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return fmt.Errorf("failed to print problem %d: %w", doc.ID, err)
	}

	if err := writeArtifact(outPath, stream); err != nil {
		return fmt.Errorf("failed to write artifact for problem %d: %w", doc.ID, err)
	}
	if err := checkPDF(outPath); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("problem %d: %w", doc.ID, err)
	}
	r.logger.Debug("problem rendered", zap.Int("problem", doc.ID), zap.String("path", outPath))
	return nil
}

// Close はブラウザを終了します。
func (r *ChromeRenderer) Close() error {
	err := r.browser.Close()
	r.launcher.Kill()
	return err
}

func htmlPathFor(outPath string) string {
	return strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".html"
}

func writeArtifact(path string, src io.Reader) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()
	_, err = io.Copy(f, src)
	return err
}

// checkPDF は成果物が PDF として認識できるかをシグネチャで確認します。
func checkPDF(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to inspect artifact: %w", err)
	}
	if !mt.Is(mimePDF) {
		return fmt.Errorf("artifact is %s, not %s", mt.String(), mimePDF)
	}
	return nil
}
