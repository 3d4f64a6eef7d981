package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"execution-insight/backend/internal/analytics"
	"execution-insight/backend/internal/similarity"
	"execution-insight/backend/pkg/models"
)

type similarityRequest struct {
	TargetType models.TargetType `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Domain     string            `json:"domain,omitempty"`
	TopK       int               `json:"top_k,omitempty"`
}

// AnalyzeSimilarity computes a new similarity record for a terminal thread
// or task. A record computed without the embedding provider is still
// returned, flagged degraded.
// (POST /api/v1/similarity)
func (h *Handler) AnalyzeSimilarity(c echo.Context) error {
	var req similarityRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid similarity request: %v", err)
	}
	if req.TopK < 0 {
		return badRequest("top_k must not be negative")
	}
	rec, err := h.svc.Similarity.AnalyzeWith(c.Request().Context(), similarity.Request{
		TargetID:   req.TargetID,
		TargetType: req.TargetType,
		Domain:     req.Domain,
		TopK:       req.TopK,
	})
	if err != nil && (rec == nil || !degraded(c, err)) {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, location(c, rec.ID))
	return c.JSON(http.StatusCreated, rec)
}

// (GET /api/v1/similarity/:id)
func (h *Handler) GetSimilarity(c echo.Context) error {
	rec, err := h.svc.Records.GetSimilarity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

type impactRequest struct {
	Trigger models.ChangeTrigger `json:"trigger"`
	Scope   models.Scope         `json:"scope"`
}

// AnalyzeImpact estimates the effect of a proposed change and stores the
// analysis under a new id
// (POST /api/v1/impact)
func (h *Handler) AnalyzeImpact(c echo.Context) error {
	var req impactRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid impact request: %v", err)
	}
	a, err := h.svc.Impact.Analyze(c.Request().Context(), req.Trigger, req.Scope)
	if err != nil && (a == nil || !degraded(c, err)) {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, location(c, a.ID))
	return c.JSON(http.StatusCreated, a)
}

// (GET /api/v1/impact/:id)
func (h *Handler) GetImpact(c echo.Context) error {
	a, err := h.svc.Impact.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// AnalyticsSummary rolls threads, tasks and feedback up into time buckets
// (GET /api/v1/analytics/summary)
func (h *Handler) AnalyticsSummary(c echo.Context) error {
	var q analytics.Query
	params := c.QueryParams()
	for name, dest := range map[string]any{
		"from":                  &q.From,
		"to":                    &q.To,
		"bucket":                &q.Bucket,
		"domain":                &q.Domain,
		"process_definition_id": &q.ProcessDefinitionID,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, params, dest); err != nil {
			return badRequest("invalid %s: %v", name, err)
		}
	}
	summary, err := h.svc.Analytics.Summary(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}

func location(c echo.Context, id string) string {
	return strings.TrimSuffix(c.Request().URL.Path, "/") + "/" + id
}
