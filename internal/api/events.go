package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"execution-insight/backend/internal/ingest"
	"execution-insight/backend/pkg/models"
)

// MaxBatchEvents bounds a single batch request.
const MaxBatchEvents = 1000

// PostEvent ingests one lifecycle event
// (POST /api/v1/events)
func (h *Handler) PostEvent(c echo.Context) error {
	var ev models.Event
	if err := c.Bind(&ev); err != nil {
		return badRequest("invalid event: %v", err)
	}
	res, err := h.svc.Events.Ingest(c.Request().Context(), &ev)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if res.Status == ingest.StatusBuffered {
		code = http.StatusAccepted
	}
	return c.JSON(code, res)
}

type batchResponse struct {
	Results []ingest.BatchResult `json:"results"`
	Failed  int                  `json:"failed"`
}

// PostEventBatch ingests events in order per thread and reports a result for
// each one. Per-event failures do not fail the request.
// (POST /api/v1/events/batch)
func (h *Handler) PostEventBatch(c echo.Context) error {
	var events []*models.Event
	if err := c.Bind(&events); err != nil {
		return badRequest("invalid batch: %v", err)
	}
	if len(events) == 0 {
		return badRequest("batch is empty")
	}
	if len(events) > MaxBatchEvents {
		return badRequest("batch of %d events exceeds limit of %d", len(events), MaxBatchEvents)
	}
	resp := batchResponse{Results: h.svc.Events.IngestBatch(c.Request().Context(), events)}
	for _, r := range resp.Results {
		if r.Error != "" {
			resp.Failed++
		}
	}
	code := http.StatusOK
	if resp.Failed > 0 {
		code = http.StatusMultiStatus
	}
	return c.JSON(code, resp)
}
