package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// ErrInvalidItems は投入された問題番号リストが不正なときに返ります。
var ErrInvalidItems = errors.New("invalid items")

// Submitter はジョブを受け付けてジョブ ID を返します。
type Submitter interface {
	Submit(ctx context.Context, items []int) (string, error)
}

// Reader はジョブ状態を読み取ります。
type Reader interface {
	Get(ctx context.Context, id string) (*Job, error)
}

// HandlerOptions はジョブ API ハンドラーの設定です。
type HandlerOptions struct {
	ResultBaseURL string
}

type submitRequest struct {
	Problems []int `json:"problems" binding:"required"`
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
func SubmitHandler(svc Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": `problems を整数配列の JSON で送ってください。例: {"problems":[1000,1001]}`,
			})
			return
		}

		jobID, err := svc.Submit(c.Request.Context(), req.Problems)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   jobID,
			"status":  StateRunning,
			"message": "PDF の生成を開始しました。",
		})
	}
}

// StatusHandler は GET /api/jobs/:id のハンドラーを返します。
// 未知のジョブも 200 で status=not_found を返します。
func StatusHandler(store Reader, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job == nil {
			c.JSON(http.StatusOK, gin.H{
				"jobId":   jobID,
				"status":  StateNotFound,
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":     job.ID,
			"status":    job.State,
			"items":     job.Items,
			"createdAt": job.CreatedAt,
			"updatedAt": job.UpdatedAt,
		}
		if job.State == StateCompleted {
			payload["resultLocation"] = job.ResultLocation
			payload["filename"] = filepath.Base(job.ResultLocation)
			payload["downloadUrl"] = buildDownloadURL(opts.ResultBaseURL, job)
		}
		if job.State == StateFailed {
			payload["error"] = job.Error
		}
		c.JSON(http.StatusOK, payload)
	}
}

// DownloadHandler は GET /api/jobs/:id/download のハンドラーを返します。
func DownloadHandler(store Reader) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		job, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if job.State != StateCompleted {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_READY",
				"message": "PDF の生成はまだ完了していません。",
				"status":  job.State,
			})
			return
		}

		if err := streamResult(c, job); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "RESULT_MISSING",
					"message": "完了済みジョブの成果物がディスク上に見つかりません。",
				})
				return
			}
			respondWithError(c, err)
		}
	}
}

func streamResult(c *gin.Context, job *Job) error {
	file, err := os.Open(job.ResultLocation)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(file); err == nil {
		contentType = mt.String()
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding result: %w", err)
	}

	filename := filepath.Base(job.ResultLocation)
	encodedName := url.PathEscape(filename)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", job.ID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
	return nil
}

func buildDownloadURL(base string, job *Job) string {
	if base == "" {
		return fmt.Sprintf("/api/jobs/%s/download", job.ID)
	}
	return fmt.Sprintf("%s/%s/download", strings.TrimRight(base, "/"), url.PathEscape(job.ID))
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidItems):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
