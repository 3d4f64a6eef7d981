package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"

	"execution-insight/backend/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type threadListParams struct {
	Status              []string
	ProcessDefinitionID []string
	Domain              string
	StartedAfter        time.Time
	StartedBefore       time.Time
	Limit               int
}

func bindThreadList(c echo.Context) (models.ThreadFilter, error) {
	var p threadListParams
	q := c.QueryParams()
	for name, dest := range map[string]any{
		"status":                &p.Status,
		"process_definition_id": &p.ProcessDefinitionID,
		"domain":                &p.Domain,
		"started_after":         &p.StartedAfter,
		"started_before":        &p.StartedBefore,
		"limit":                 &p.Limit,
	} {
		if err := runtime.BindQueryParameter("form", true, false, name, q, dest); err != nil {
			return models.ThreadFilter{}, badRequest("invalid %s: %v", name, err)
		}
	}

	f := models.ThreadFilter{
		ProcessDefinitionIDs: p.ProcessDefinitionID,
		Domain:               p.Domain,
		StartedAfter:         p.StartedAfter,
		StartedBefore:        p.StartedBefore,
		Limit:                p.Limit,
	}
	for _, s := range p.Status {
		st, err := models.ParseStatus(s)
		if err != nil {
			return f, badRequest("%v", err)
		}
		f.Statuses = append(f.Statuses, st)
	}
	switch {
	case f.Limit < 0:
		return f, badRequest("limit must not be negative")
	case f.Limit == 0:
		f.Limit = defaultListLimit
	}
	f.Limit = min(f.Limit, maxListLimit)
	return f, nil
}

// ListThreads returns threads, newest first
// (GET /api/v1/threads)
func (h *Handler) ListThreads(c echo.Context) error {
	filter, err := bindThreadList(c)
	if err != nil {
		return err
	}
	threads, err := h.svc.Threads.ListThreads(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if threads == nil {
		threads = []*models.Thread{}
	}
	return c.JSON(http.StatusOK, threads)
}

// (GET /api/v1/threads/:id)
func (h *Handler) GetThread(c echo.Context) error {
	th, err := h.svc.Threads.GetThread(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, th)
}

// (GET /api/v1/threads/:id/tasks)
func (h *Handler) ListTasks(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.svc.Threads.GetThread(ctx, id); err != nil {
		return err
	}
	tasks, err := h.svc.Threads.ListTasks(ctx, id)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// ListEvents returns the thread's event log in sequence order
// (GET /api/v1/threads/:id/events)
func (h *Handler) ListEvents(c echo.Context) error {
	limit := 0
	if err := runtime.BindQueryParameter("form", true, false, "limit", c.QueryParams(), &limit); err != nil {
		return badRequest("invalid limit: %v", err)
	}
	if limit < 0 {
		return badRequest("limit must not be negative")
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.svc.Threads.GetThread(ctx, id); err != nil {
		return err
	}
	events, err := h.svc.Threads.Events(ctx, id, limit)
	if err != nil {
		return err
	}
	if events == nil {
		events = []*models.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// (GET /api/v1/tasks/:id)
func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.svc.Threads.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// GetContext returns a stored context blob verbatim
// (GET /api/v1/contexts/:hash)
func (h *Handler) GetContext(c echo.Context) error {
	data, err := h.svc.Contexts.Get(c.Request().Context(), c.Param("hash"))
	if err != nil {
		return err
	}
	ctype := echo.MIMEOctetStream
	if json.Valid(data) {
		ctype = echo.MIMEApplicationJSON
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Blob(http.StatusOK, ctype, data)
}
