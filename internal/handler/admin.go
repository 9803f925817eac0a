package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatflow/internal/middleware"
	"github.com/capitalize-ai/chatflow/pkg/logger"
)

// CacheClearer drops cached instance to tenant mappings.
type CacheClearer interface {
	Clear() int
}

// TimeoutSweeper fires expired flow node deadlines.
type TimeoutSweeper interface {
	SweepTimeouts(ctx context.Context, now time.Time) (int, error)
}

// AdminHandler handles operational endpoints.
type AdminHandler struct {
	tenants CacheClearer
	sweeper TimeoutSweeper
	logger  *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(tenants CacheClearer, sweeper TimeoutSweeper, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		tenants: tenants,
		sweeper: sweeper,
		logger:  log.Named("admin"),
	}
}

// ClearTenantCache handles POST /api/v1/admin/tenant-cache/clear
func (h *AdminHandler) ClearTenantCache(w http.ResponseWriter, r *http.Request) {
	n := h.tenants.Clear()
	h.logger.Info("tenant cache cleared",
		zap.Int("entries", n),
		zap.String("user_id", middleware.GetUserID(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// SweepFlowTimeouts handles POST /api/v1/admin/flow/sweep
func (h *AdminHandler) SweepFlowTimeouts(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.SweepTimeouts(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("flow timeout sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}
