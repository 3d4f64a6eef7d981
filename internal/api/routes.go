package api

import "github.com/labstack/echo/v4"

// RegisterHandlers mounts the REST API on g, normally the /api/v1 group.
func RegisterHandlers(g *echo.Group, h *Handler) {
	g.POST("/events", h.PostEvent)
	g.POST("/events/batch", h.PostEventBatch)

	g.GET("/threads", h.ListThreads)
	g.GET("/threads/:id", h.GetThread)
	g.GET("/threads/:id/tasks", h.ListTasks)
	g.GET("/threads/:id/events", h.ListEvents)
	g.GET("/tasks/:id", h.GetTask)
	g.GET("/contexts/:hash", h.GetContext)

	g.POST("/feedback", h.SubmitFeedback)
	g.POST("/feedback/:id/resolve", h.ResolveFeedback)
	g.GET("/feedback/:type/:id", h.ListFeedback)
	g.GET("/feedback/:type/:id/summary", h.FeedbackSummary)

	g.POST("/similarity", h.AnalyzeSimilarity)
	g.GET("/similarity/:id", h.GetSimilarity)

	g.POST("/impact", h.AnalyzeImpact)
	g.GET("/impact/:id", h.GetImpact)

	g.GET("/analytics/summary", h.AnalyticsSummary)
}
