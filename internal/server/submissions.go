package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wambui-N/f2s-sub002/internal/delivery"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

// maxUploadBytes caps a single uploaded file.
const maxUploadBytes = 10 << 20

type submissionResponsePayload struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// handleSubmissionIntake accepts a form post, persists it, and schedules
// fan-out in the background. The response carries the submission id as soon as
// the row is durable; destination failures never surface here.
func (h *httpHandler) handleSubmissionIntake(c *gin.Context) {
	formID := c.Param("formID")

	form, err := h.formsService.GetForm(c.Request.Context(), formID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "form_not_found"})
			return
		}
		h.logger.Error("form lookup failed", zap.String("form_id", formID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intake_failed"})
		return
	}

	payload, files, err := h.parseSubmissionRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submission, err := h.formsService.CreateSubmission(c.Request.Context(), formID, payload)
	if err != nil {
		h.logger.Error("submission persistence failed", zap.String("form_id", formID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intake_failed"})
		return
	}

	targets, err := h.resolver.Resolve(c.Request.Context(), formID)
	if err != nil {
		// The submission is already durable; fan-out proceeds with whatever
		// resolved, which may be nothing.
		h.logger.Error("target resolution failed", zap.String("form_id", formID), zap.Error(err))
	}

	h.dispatcher.DispatchAsync(delivery.Job{
		Form:       form,
		Submission: submission,
		Payload:    payload,
		Files:      files,
		Targets:    targets,
	})

	c.JSON(http.StatusAccepted, submissionResponsePayload{
		SubmissionID: submission.ID,
		Status:       string(submission.ProcessingStatus),
	})
}

// parseSubmissionRequest reads either a JSON object of field values or a
// multipart form carrying values plus file uploads.
func (h *httpHandler) parseSubmissionRequest(c *gin.Context) (map[string]string, []delivery.UploadedFile, error) {
	contentType := c.ContentType()
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		payload := map[string]string{}
		if err := c.ShouldBindJSON(&payload); err != nil {
			return nil, nil, err
		}
		return payload, nil, nil
	}

	multipartForm, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}

	payload := make(map[string]string, len(multipartForm.Value))
	for field, values := range multipartForm.Value {
		if len(values) > 0 {
			payload[field] = values[0]
		}
	}

	var files []delivery.UploadedFile
	for field, headers := range multipartForm.File {
		for _, header := range headers {
			if header.Size > maxUploadBytes {
				return nil, nil, errors.New("uploaded file exceeds size limit")
			}
			opened, err := header.Open()
			if err != nil {
				return nil, nil, err
			}
			content, err := io.ReadAll(io.LimitReader(opened, maxUploadBytes+1))
			closeErr := opened.Close()
			if err != nil {
				return nil, nil, err
			}
			if closeErr != nil {
				return nil, nil, closeErr
			}
			if len(content) > maxUploadBytes {
				return nil, nil, errors.New("uploaded file exceeds size limit")
			}
			files = append(files, delivery.UploadedFile{
				FieldID:  field,
				FileName: header.Filename,
				Bytes:    content,
			})
		}
	}
	return payload, files, nil
}

type submissionDetailPayload struct {
	SubmissionID     string            `json:"submission_id"`
	FormID           string            `json:"form_id"`
	Payload          map[string]string `json:"payload"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	ProcessingStatus string            `json:"processing_status"`
}

func (h *httpHandler) handleGetSubmission(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	submissionID := c.Param("submissionID")

	submission, err := h.formsService.GetSubmission(c.Request.Context(), submissionID)
	if err != nil {
		if errors.Is(err, forms.ErrSubmissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "submission_not_found"})
			return
		}
		h.logger.Error("submission lookup failed", zap.String("submission_id", submissionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	form, err := h.formsService.GetForm(c.Request.Context(), submission.FormID)
	if err != nil || form.OwnerUserID != userID {
		// Hide existence from non-owners.
		c.JSON(http.StatusNotFound, gin.H{"error": "submission_not_found"})
		return
	}

	payload, err := submission.Payload()
	if err != nil {
		h.logger.Error("stored payload decode failed", zap.String("submission_id", submissionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, submissionDetailPayload{
		SubmissionID:     submission.ID,
		FormID:           submission.FormID,
		Payload:          payload,
		SubmittedAt:      submission.SubmittedAt,
		ProcessingStatus: string(submission.ProcessingStatus),
	})
}

type createFormRequestPayload struct {
	Title       string `json:"title"`
	NotifyEmail string `json:"notify_email"`
}

type formResponsePayload struct {
	FormID      string `json:"form_id"`
	Title       string `json:"title"`
	NotifyEmail string `json:"notify_email"`
}

func (h *httpHandler) handleCreateForm(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createFormRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	form, err := h.formsService.CreateForm(c.Request.Context(), userID, request.Title, request.NotifyEmail)
	if err != nil {
		h.logger.Error("form creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, formResponsePayload{
		FormID:      form.ID,
		Title:       form.Title,
		NotifyEmail: form.NotifyEmail,
	})
}
