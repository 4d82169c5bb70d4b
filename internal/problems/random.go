package problems

import (
	"context"
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"
)

// Request はランダム問題セットの条件です。
type Request struct {
	Count    int
	MinID    int
	MaxID    int
	Username string
}

// Candidates は未解決問題の候補を返します。
type Candidates interface {
	Unsolved(ctx context.Context, username string, count int) ([]int, error)
}

// defaultMaxCount は maxCount 未指定時の 1 セットあたりの上限です。
const defaultMaxCount = 100

// Generator は問題セットを作ります。
type Generator struct {
	candidates Candidates
	maxCount   int
	logger     *zap.Logger
}

// NewGenerator は Generator を初期化します。maxCount は 1 セットの問題数の上限です。
func NewGenerator(candidates Candidates, maxCount int, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxCount <= 0 {
		maxCount = defaultMaxCount
	}
	return &Generator{
		candidates: candidates,
		maxCount:   maxCount,
		logger:     logger.Named("problems"),
	}
}

// Generate は条件に合う問題番号を重複なしで返します。
// username があれば未解決の問題から選び、候補が 1 件もなければ範囲から選びます。
// 候補が足りないときは候補をすべて返します。
func (g *Generator) Generate(ctx context.Context, req Request) ([]int, error) {
	if req.Count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}
	if req.Count > g.maxCount {
		return nil, fmt.Errorf("count must be at most %d, got %d", g.maxCount, req.Count)
	}
	if req.Username == "" || g.candidates == nil {
		return g.sampleRange(req.MinID, req.MaxID, req.Count)
	}

	pool, err := g.candidates.Unsolved(ctx, req.Username, candidatePoolSize)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		g.logger.Warn("no unsolved problems, falling back to range", zap.String("username", req.Username))
		return g.sampleRange(req.MinID, req.MaxID, req.Count)
	}
	if len(pool) < req.Count {
		g.logger.Warn("not enough unsolved problems",
			zap.String("username", req.Username),
			zap.Int("available", len(pool)),
			zap.Int("requested", req.Count),
		)
	}
	return g.sample(pool, min(req.Count, len(pool))), nil
}

func (g *Generator) sampleRange(lo, hi, n int) ([]int, error) {
	if lo <= 0 || hi <= lo {
		return nil, fmt.Errorf("invalid range [%d, %d)", lo, hi)
	}
	if hi-lo < n {
		return nil, fmt.Errorf("range [%d, %d) has fewer than %d problems", lo, hi, n)
	}
	seen := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for len(out) < n {
		id := lo + rand.IntN(hi-lo)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (g *Generator) sample(pool []int, n int) []int {
	picked := make([]int, len(pool))
	copy(picked, pool)
	rand.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	return picked[:n]
}
