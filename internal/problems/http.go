package problems

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type randomRequest struct {
	ProblemsPerSet *int   `json:"problemsPerSet"`
	MinProblemID   *int   `json:"minProblemId"`
	MaxProblemID   *int   `json:"maxProblemId"`
	Username       string `json:"username"`
}

// RandomHandler は POST /api/problems/random のハンドラーを返します。
func RandomHandler(gen *Generator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body randomRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "リクエストの JSON を解析できませんでした。",
				})
				return
			}
		}

		req := Request{Count: 4, MinID: 1000, MaxID: 20000, Username: body.Username}
		if body.ProblemsPerSet != nil {
			req.Count = *body.ProblemsPerSet
		}
		if body.MinProblemID != nil {
			req.MinID = *body.MinProblemID
		}
		if body.MaxProblemID != nil {
			req.MaxID = *body.MaxProblemID
		}

		ids, err := gen.Generate(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, ErrUpstream) {
				c.JSON(http.StatusBadGateway, gin.H{
					"code":    "UPSTREAM_ERROR",
					"message": "solved.ac から問題を取得できませんでした。",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"problems": ids})
	}
}
