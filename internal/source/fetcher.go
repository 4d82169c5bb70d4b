// Package source は BOJ の問題ページを取得し、PDF 化しやすい HTML に整形します。
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const (
	defaultBaseURL   = "https://www.acmicpc.net"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"
	defaultTimeout   = 30 * time.Second
	fontFile         = "NotoSans-Regular.ttf"
)

// ErrUnavailable は問題ページが取得できなかったことを表します。
// ネットワーク障害・非 2xx 応答・アクセス拒否を区別しません。
var ErrUnavailable = errors.New("source unavailable")

// UnavailableError は取得失敗の詳細です。errors.Is(err, ErrUnavailable) が真になります。
type UnavailableError struct {
	ID         int
	StatusCode int
	Cause      error
}

func (e *UnavailableError) Error() string {
	switch {
	case e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("problem %d: access forbidden", e.ID)
	case e.StatusCode != 0:
		return fmt.Sprintf("problem %d: unexpected status %d", e.ID, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("problem %d: %v", e.ID, e.Cause)
	default:
		return fmt.Sprintf("problem %d: unavailable", e.ID)
	}
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Cause }

// Document は整形済みの問題ページです。
type Document struct {
	ID   int
	URL  string
	HTML string
}

// Options は Fetcher の設定です。
type Options struct {
	BaseURL    string
	UserAgent  string
	FontDir    string
	HTTPClient *http.Client
}

// Fetcher は問題ページを 1 件ずつ取得します。内部で再試行はしません。
type Fetcher struct {
	baseURL   string
	userAgent string
	fontDir   string
	client    *http.Client
	logger    *zap.Logger
}

// NewFetcher は Fetcher を初期化します。
func NewFetcher(opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	fontDir := opts.FontDir
	if abs, err := filepath.Abs(fontDir); err == nil {
		fontDir = abs
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{
		baseURL:   baseURL,
		userAgent: userAgent,
		fontDir:   fontDir,
		client:    client,
		logger:    logger.Named("fetcher"),
	}
}

// Fetch は問題ページを取得して整形します。
func (f *Fetcher) Fetch(ctx context.Context, id int) (*Document, error) {
	link := fmt.Sprintf("%s/problem/%d", f.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for problem %d: %w", id, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{ID: id, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		f.logger.Warn("problem page unavailable", zap.Int("problem", id), zap.Int("status", resp.StatusCode))
		return nil, &UnavailableError{ID: id, StatusCode: resp.StatusCode}
	}

	html, err := Normalize(resp.Body, f.fontDir)
	if err != nil {
		return nil, &UnavailableError{ID: id, Cause: err}
	}
	f.logger.Debug("problem page fetched", zap.Int("problem", id), zap.Int("bytes", len(html)))
	return &Document{ID: id, URL: link, HTML: html}, nil
}

// Normalize はヘッダー・フッター・関連問題欄を取り除き、フォント指定を head に追加します。
func Normalize(r io.Reader, fontDir string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parsing html: %w", err)
	}

	doc.Find(".footer").Remove()
	doc.Find(".header").Remove()
	doc.Find("#problem_association").Remove()
	doc.Find(".page-header").SetAttr("style", "margin: 0;")
	doc.Find("head").AppendHtml(fontStyle(fontDir))

	html, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("rendering html: %w", err)
	}
	return html, nil
}

func fontStyle(fontDir string) string {
	src := "file://" + filepath.ToSlash(filepath.Join(fontDir, fontFile))
	return `<style>
@font-face {
  font-family: 'Noto Sans';
  src: url('` + src + `') format('truetype');
}
body {
  font-family: 'Noto Sans', sans-serif;
  max-width: 100%;
}
container {
  width: 100%;
}
pre, code, kbd, samp {
  font-family: 'Noto Sans', monospace;
}
</style>`
}
