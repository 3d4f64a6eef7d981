// Package api contains the HTTP handlers for the execution insight service
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"execution-insight/backend/internal/analytics"
	apperrors "execution-insight/backend/internal/errors"
	"execution-insight/backend/internal/ingest"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/internal/repository"
	"execution-insight/backend/internal/similarity"
	"execution-insight/backend/pkg/models"
)

// EventIngestor accepts lifecycle events. *ingest.Ingestor implements it.
type EventIngestor interface {
	Ingest(ctx context.Context, ev *models.Event) (ingest.Result, error)
	IngestBatch(ctx context.Context, events []*models.Event) []ingest.BatchResult
}

// ContextReader returns stored context blobs. *contextstore.Store implements it.
type ContextReader interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// FeedbackService is implemented by *feedback.Aggregator.
type FeedbackService interface {
	Submit(ctx context.Context, f *models.Feedback) (*models.Feedback, error)
	Resolve(ctx context.Context, id string, r models.Resolution) (*models.Feedback, error)
	Aggregate(ctx context.Context, targetType models.TargetType, id string) (*models.FeedbackAggregate, error)
	List(ctx context.Context, targetType models.TargetType, id string) ([]*models.Feedback, error)
}

// SimilarityService is implemented by *similarity.Engine.
type SimilarityService interface {
	AnalyzeWith(ctx context.Context, req similarity.Request) (*models.SimilarityRecord, error)
}

// ImpactService is implemented by *impact.Analyzer.
type ImpactService interface {
	Analyze(ctx context.Context, trigger models.ChangeTrigger, scope models.Scope) (*models.ImpactAnalysis, error)
	Get(ctx context.Context, id string) (*models.ImpactAnalysis, error)
}

// AnalyticsService is implemented by *analytics.Aggregator.
type AnalyticsService interface {
	Summary(ctx context.Context, q analytics.Query) (*models.AnalyticsSummary, error)
}

// HealthSource is implemented by *health.Monitor.
type HealthSource interface {
	Snapshot() *models.HealthSnapshot
}

// Services are the components the handlers delegate to.
type Services struct {
	Events     EventIngestor
	Threads    repository.ThreadStore
	Contexts   ContextReader
	Feedback   FeedbackService
	Similarity SimilarityService
	Records    repository.AnalysisStore
	Impact     ImpactService
	Analytics  AnalyticsService
	Health     HealthSource
}

// Handler contains HTTP handlers for the REST API
type Handler struct {
	svc    Services
	logger *logging.Logger
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(svc Services, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{svc: svc, logger: logger}
}

// HandleHealth returns the latest health snapshot. The status code is 503
// only when a critical dependency is down.
func (h *Handler) HandleHealth(c echo.Context) error {
	snap := h.svc.Health.Snapshot()
	code := http.StatusOK
	if snap.Status == "down" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, snap)
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) int {
	switch apperrors.Classify(err) {
	case apperrors.CategoryValidation:
		return http.StatusBadRequest
	case apperrors.CategoryNotFound:
		return http.StatusNotFound
	case apperrors.CategoryInvariant, apperrors.CategoryOrdering:
		return http.StatusConflict
	case apperrors.CategoryLimit:
		if errors.Is(err, apperrors.ErrContextTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusUnprocessableEntity
	case apperrors.CategoryDependency:
		return http.StatusServiceUnavailable
	case apperrors.CategoryCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every handler error as an RFC 7807 Problem Details
// response. Internal errors are logged and their detail withheld.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		problem := models.ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			problem.Status = he.Code
			problem.Title = http.StatusText(he.Code)
			if msg, ok := he.Message.(string); ok {
				problem.Detail = msg
			}
		} else {
			problem.Status = statusFor(err)
			problem.Title = http.StatusText(problem.Status)
			problem.Category = string(apperrors.Classify(err))
			problem.Detail = err.Error()
			if problem.Status == http.StatusInternalServerError {
				logger.Error("request failed", "path", problem.Instance, logging.ErrorKey, err)
				problem.Detail = "internal error"
			}
		}

		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(problem.Status)
			return
		}
		_ = c.JSON(problem.Status, problem)
	}
}

// degraded marks a partial analysis result with a Warning header and
// reports whether err was only a degradation.
func degraded(c echo.Context, err error) bool {
	var de *apperrors.DegradedError
	if !errors.As(err, &de) {
		return false
	}
	c.Response().Header().Set("Warning", `199 - "`+de.Error()+`"`)
	return true
}

func badRequest(format string, args ...any) error {
	return apperrors.Validation(format, args...)
}
