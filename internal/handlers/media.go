// internal/handlers/media.go
package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"crop-diagnosis-back/internal/ingest"
	"crop-diagnosis-back/internal/middleware"
	"crop-diagnosis-back/internal/processing"
	"crop-diagnosis-back/internal/query"
	"crop-diagnosis-back/pkg/imaging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// multipartOverhead covers form fields and boundaries around the file.
const multipartOverhead = 1 << 20

const retryAfterSeconds = "5"

// NextCursorHeader carries the cursor for the next history page.
const NextCursorHeader = "X-Next-Cursor"

type Submitter interface {
	Submit(ctx context.Context, s ingest.Submission) (*ingest.SubmitResult, error)
}

func UploadMedia(gw Submitter, maxBytes int64, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

		file, err := c.FormFile("file")
		if err != nil {
			if tooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
			return
		}
		if file.Size > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}

		data, err := readFormFile(file, maxBytes)
		if err != nil {
			log.Warn("read upload", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
			return
		}

		sub := ingest.Submission{
			ID:        strings.TrimSpace(c.PostForm("media_id")),
			Data:      data,
			MediaType: file.Header.Get("Content-Type"),
			Filename:  file.Filename,
			OwnerID:   middleware.OwnerID(c),
		}
		if d := strings.TrimSpace(c.PostForm("description")); d != "" {
			sub.Description = &d
		}

		res, err := gw.Submit(c.Request.Context(), sub)
		if err != nil {
			respondSubmitError(c, res, err, log)
			return
		}

		message := "File uploaded. Diagnosis started."
		if res.Deduplicated {
			message = "Media already uploaded."
		}
		c.JSON(http.StatusOK, gin.H{
			"media_id":     res.ID,
			"status":       res.Status,
			"deduplicated": res.Deduplicated,
			"message":      message,
		})
	}
}

type syncRequest struct {
	Submissions []syncItem `json:"submissions"`
}

type syncItem struct {
	ID   string `json:"id"`
	Data struct {
		Text  string `json:"text"`
		Image string `json:"image"`
	} `json:"data"`
	CreatedAt string `json:"createdAt"`
}

// Sync accepts a batch queued by an offline client. Items are submitted
// one by one; an item without an id is ignored.
func Sync(gw Submitter, maxBytes int64, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 8*maxBytes+multipartOverhead)

		var req syncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if tooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Batch too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		owner := middleware.OwnerID(c)
		var processed, deferred, skipped, rejected, failed int
		for _, item := range req.Submissions {
			if item.ID == "" {
				continue
			}
			if item.Data.Image == "" {
				rejected++
				continue
			}

			data, mediaType, err := imaging.DecodeDataURL(item.Data.Image)
			if err != nil {
				log.Debug("sync item rejected", zap.String("media_id", item.ID), zap.Error(err))
				rejected++
				continue
			}

			sub := ingest.Submission{ID: item.ID, Data: data, MediaType: mediaType, OwnerID: owner}
			if item.Data.Text != "" {
				text := item.Data.Text
				sub.Description = &text
			}

			res, err := gw.Submit(c.Request.Context(), sub)
			switch {
			case res != nil && res.Deduplicated:
				skipped++
			case res != nil && errors.Is(err, processing.ErrBusy):
				// Stored; diagnosis waits for the recovery sweep.
				deferred++
			case res != nil:
				processed++
			case isValidationError(err):
				rejected++
			default:
				log.Warn("sync item failed", zap.String("media_id", item.ID), zap.Error(err))
				failed++
			}
		}

		status, message := "success", "Data synced successfully. Diagnosis is pending."
		if failed > 0 {
			status, message = "partial", "Some items could not be stored; retry the batch."
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"processed": processed,
			"deferred":  deferred,
			"skipped":   skipped,
			"rejected":  rejected,
			"failed":    failed,
			"message":   message,
		})
	}
}

func GetMediaStatus(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := q.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}

		resp := gin.H{
			"media_id":    st.ID,
			"status":      st.Status,
			"uploaded_at": st.CreatedAt,
			"updated_at":  st.UpdatedAt,
		}
		if st.Error != "" {
			resp["error"] = st.Error
		}
		c.JSON(http.StatusOK, resp)
	}
}

func GetPrediction(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := q.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondQueryError(c, err)
			return
		}

		resp := gin.H{
			"media_id":   res.ID,
			"status":     res.Status,
			"disease":    res.Result,
			"result":     res.Result,
			"confidence": res.Confidence,
		}
		if res.Error != "" {
			resp["error"] = res.Error
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetHistory lists the caller's media, or every record for an anonymous
// caller. Without limit the whole history is returned; with limit the next
// page is reached by passing the X-Next-Cursor header back as before.
func GetHistory(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		page, err := q.GetHistory(c.Request.Context(), query.HistoryRequest{
			OwnerID: middleware.OwnerID(c),
			Limit:   limit,
			Before:  c.Query("before"),
		})
		if errors.Is(err, query.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
			return
		}
		if err != nil {
			respondQueryError(c, err)
			return
		}
		if page.NextCursor != "" {
			c.Header(NextCursorHeader, page.NextCursor)
		}
		c.JSON(http.StatusOK, page.Items)
	}
}

func GetUpload(q *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		blob, err := q.FetchBlob(c.Request.Context(), c.Param("ref"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		defer blob.Body.Close()

		// Blobs are write-once.
		c.Header("Cache-Control", "public, max-age=31536000, immutable")
		c.DataFromReader(http.StatusOK, blob.Size, blob.ContentType, blob.Body, nil)
	}
}

func respondSubmitError(c *gin.Context, res *ingest.SubmitResult, err error, log *zap.Logger) {
	var storageErr *ingest.StorageError
	switch {
	case errors.Is(err, ingest.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, processing.ErrBusy):
		c.Header("Retry-After", retryAfterSeconds)
		resp := gin.H{"error": "Diagnosis queue is busy, retry later"}
		if res != nil {
			resp["media_id"] = res.ID
			resp["status"] = res.Status
		}
		c.JSON(http.StatusServiceUnavailable, resp)
	case errors.As(err, &storageErr):
		log.Error("store submission", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store media"})
	default:
		log.Error("submit media", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit media"})
	}
}

func respondQueryError(c *gin.Context, err error) {
	if errors.Is(err, query.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Media not found"})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load media"})
}

func isValidationError(err error) bool {
	return errors.Is(err, ingest.ErrEmptyPayload) ||
		errors.Is(err, ingest.ErrInvalidID) ||
		errors.Is(err, ingest.ErrUnsupportedMedia) ||
		errors.Is(err, ingest.ErrTooLarge)
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

func readFormFile(fh *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxBytes+1))
}
