// Package problems は練習用のランダムな問題セットを作ります。
package problems

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSolvedACURL = "https://solved.ac"
	searchPath         = "/api/v3/search/problem"
	candidatePoolSize  = 100
)

// ErrUpstream は solved.ac から候補を取得できなかったことを表します。
var ErrUpstream = errors.New("solved.ac request failed")

// SolvedAC は solved.ac の検索 API クライアントです。
type SolvedAC struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewSolvedAC は SolvedAC を初期化します。
func NewSolvedAC(baseURL string, client *http.Client, logger *zap.Logger) *SolvedAC {
	if baseURL == "" {
		baseURL = defaultSolvedACURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SolvedAC{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.Named("solvedac"),
	}
}

type searchResponse struct {
	Count int `json:"count"`
	Items []struct {
		ProblemID int `json:"problemId"`
	} `json:"items"`
}

// Unsolved は username が解いていない問題をランダム順で最大 count 件返します。
func (s *SolvedAC) Unsolved(ctx context.Context, username string, count int) ([]int, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("lang:ko lang:en -solved_by:%s -tier:r -tier:d", username))
	q.Set("direction", "asc")
	q.Set("sort", "random")
	q.Set("page", "1")
	q.Set("count", fmt.Sprint(count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+searchPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-solvedac-language", "ko")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUpstream, err)
	}
	ids := make([]int, 0, len(body.Items))
	for _, item := range body.Items {
		ids = append(ids, item.ProblemID)
	}
	s.logger.Debug("fetched unsolved problems", zap.String("username", username), zap.Int("count", len(ids)))
	return ids, nil
}
