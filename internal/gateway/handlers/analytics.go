package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// AnalyticsStore aggregates persisted log events
type AnalyticsStore interface {
	Analytics(ctx context.Context, since time.Time) (*models.Analytics, error)
}

type AnalyticsHandler struct {
	store  AnalyticsStore
	window time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewAnalyticsHandler(store AnalyticsStore, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		store:  store,
		window: 24 * time.Hour,
		now:    time.Now,
		logger: logger,
	}
}

// HandleAnalytics handles GET /analytics and reports on the last 24 hours
func (h *AnalyticsHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	since := h.now().UTC().Add(-h.window)

	stats, err := h.store.Analytics(r.Context(), since)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
