package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/model"
	"github.com/pdfcompare/api/internal/service"
	"github.com/pdfcompare/api/pkg/response"
)

var pdfSignature = []byte("%PDF")

type SessionHandler struct {
	sessions       *service.SessionService
	validator      *validator.Validate
	maxUploadBytes int64
}

func NewSessionHandler(svc *service.SessionService, v *validator.Validate, maxUploadBytes int64) *SessionHandler {
	return &SessionHandler{
		sessions:       svc,
		validator:      v,
		maxUploadBytes: maxUploadBytes,
	}
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	sess := h.sessions.Create()
	snap := sess.Snapshot()
	return response.Created(c, model.CreateSessionResponse{
		SessionID: sess.ID(),
		CreatedAt: snap.UpdatedAt,
	})
}

// Compare handles POST /api/sessions/:sessionId/compare
func (h *SessionHandler) Compare(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c.Params("sessionId"))
	if err != nil {
		return response.NotFound(c, "Session not found")
	}

	defaults := model.DefaultCompareParams()
	form := model.CompareForm{
		TextThreshold:  defaults.TextThreshold,
		ImageThreshold: defaults.ImageThreshold,
	}
	if v := c.FormValue("text_threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return response.ValidationError(c, "text_threshold must be a number", nil)
		}
		form.TextThreshold = f
	}
	if v := c.FormValue("image_threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return response.ValidationError(c, "image_threshold must be an integer", nil)
		}
		form.ImageThreshold = n
	}
	if err := h.validator.Struct(&form); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	docA, err := h.readDocument(c, "file_a")
	if err != nil {
		return uploadFailure(c, err)
	}
	docB, err := h.readDocument(c, "file_b")
	if err != nil {
		return uploadFailure(c, err)
	}
	if docA == nil || docB == nil {
		return response.ValidationError(c, "file_a and file_b are required", nil)
	}

	params := model.CompareParams{
		TextThreshold:  form.TextThreshold,
		ImageThreshold: form.ImageThreshold,
	}
	handle, err := sess.Submit(c.Context(), docA, docB, params)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingDocument):
			return response.ValidationError(c, err.Error(), nil)
		case errors.Is(err, service.ErrSessionClosed):
			return response.SessionClosed(c)
		}
		return response.UpstreamError(c, err.Error())
	}

	return response.Accepted(c, handle)
}

// Get handles GET /api/sessions/:sessionId
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	snap, err := h.sessions.Snapshot(c.Context(), c.Params("sessionId"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return response.NotFound(c, "Session not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, snap)
}

// Changes handles GET /api/sessions/:sessionId/changes
func (h *SessionHandler) Changes(c *fiber.Ctx) error {
	snap, err := h.sessions.Snapshot(c.Context(), c.Params("sessionId"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return response.NotFound(c, "Session not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, model.ChangesResponse{
		SessionID: snap.SessionID,
		JobID:     snap.JobID,
		Changes:   snap.Changes,
		Total:     len(snap.Changes),
	})
}

// Select handles POST /api/sessions/:sessionId/select/:changeId
func (h *SessionHandler) Select(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c.Params("sessionId"))
	if err != nil {
		return response.NotFound(c, "Session not found")
	}

	change, err := sess.Select(c.Params("changeId"))
	if err != nil {
		return response.NotFound(c, "Change not found")
	}
	return response.OK(c, change)
}

// Delete handles DELETE /api/sessions/:sessionId
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Close(c.Context(), c.Params("sessionId")); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return response.NotFound(c, "Session not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.NoContent(c)
}

// uploadError is a client mistake in an uploaded part
type uploadError struct {
	message string
	details interface{}
}

func (e *uploadError) Error() string {
	return e.message
}

func uploadFailure(c *fiber.Ctx, err error) error {
	var ue *uploadError
	if errors.As(err, &ue) {
		return response.ValidationError(c, ue.message, ue.details)
	}
	return response.ServiceError(c, err.Error())
}

// readDocument loads one uploaded PDF. A missing part yields (nil, nil).
func (h *SessionHandler) readDocument(c *fiber.Ctx, field string) (*client.Document, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return nil, nil
	}

	if h.maxUploadBytes > 0 && file.Size > h.maxUploadBytes {
		return nil, &uploadError{
			message: field + " exceeds upload limit",
			details: map[string]interface{}{
				"maxSize":  h.maxUploadBytes,
				"fileSize": file.Size,
			},
		}
	}

	contentType := file.Header.Get("Content-Type")
	if !strings.HasSuffix(strings.ToLower(contentType), "pdf") {
		return nil, &uploadError{
			message: field + " must be a PDF",
			details: map[string]interface{}{"contentType": contentType},
		}
	}

	f, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", field, err)
	}
	if !bytes.HasPrefix(data, pdfSignature) {
		return nil, &uploadError{message: field + " is not a valid PDF file"}
	}

	return &client.Document{
		Name:        file.Filename,
		ContentType: contentType,
		Body:        bytes.NewReader(data),
	}, nil
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

// SnapshotSource adapts the session service for the websocket hub
type SnapshotSource struct {
	Sessions *service.SessionService
}

func (s SnapshotSource) Snapshot(sessionID string) (model.SessionSnapshot, bool) {
	snap, err := s.Sessions.Snapshot(context.Background(), sessionID)
	if err != nil {
		return model.SessionSnapshot{}, false
	}
	return *snap, true
}
