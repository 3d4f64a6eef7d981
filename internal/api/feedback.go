package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"execution-insight/backend/internal/auth"
	"execution-insight/backend/pkg/models"
)

type feedbackRequest struct {
	TargetType models.TargetType   `json:"target_type"`
	TargetID   string              `json:"target_id"`
	ThreadID   string              `json:"thread_id,omitempty"`
	Type       models.FeedbackType `json:"type"`
	Rating     *int                `json:"rating,omitempty"`
	Content    string              `json:"content,omitempty"`
}

type resolveRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func principal(c echo.Context) (models.Principal, error) {
	p, ok := auth.PrincipalFrom(c.Request().Context())
	if !ok {
		return p, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated principal")
	}
	return p, nil
}

// SubmitFeedback records a rating or remark authored by the caller
// (POST /api/v1/feedback)
func (h *Handler) SubmitFeedback(c echo.Context) error {
	author, err := principal(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid feedback: %v", err)
	}
	f, err := h.svc.Feedback.Submit(c.Request().Context(), &models.Feedback{
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		ThreadID:   req.ThreadID,
		Type:       req.Type,
		Rating:     req.Rating,
		Content:    req.Content,
		Author:     author,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

// ResolveFeedback appends the caller's resolution to an entry
// (POST /api/v1/feedback/:id/resolve)
func (h *Handler) ResolveFeedback(c echo.Context) error {
	resolver, err := principal(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid resolution: %v", err)
	}
	f, err := h.svc.Feedback.Resolve(c.Request().Context(), c.Param("id"), models.Resolution{
		Status:     req.Status,
		Note:       req.Note,
		ResolvedBy: resolver.ID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, f)
}

func targetType(c echo.Context) (models.TargetType, error) {
	tt, err := models.ParseTargetType(c.Param("type"))
	if err != nil {
		return "", badRequest("%v", err)
	}
	return tt, nil
}

// (GET /api/v1/feedback/:type/:id)
func (h *Handler) ListFeedback(c echo.Context) error {
	tt, err := targetType(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.Feedback.List(c.Request().Context(), tt, c.Param("id"))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*models.Feedback{}
	}
	return c.JSON(http.StatusOK, entries)
}

// (GET /api/v1/feedback/:type/:id/summary)
func (h *Handler) FeedbackSummary(c echo.Context) error {
	tt, err := targetType(c)
	if err != nil {
		return err
	}
	agg, err := h.svc.Feedback.Aggregate(c.Request().Context(), tt, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agg)
}
