package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/service"
)

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// OperationsHandler serves operator endpoints: the audit trail and a manual
// reconciliation trigger.
type OperationsHandler struct {
	audit   domain.AuditStore
	sweeper Sweeper
	logger  *slog.Logger
}

// NewOperationsHandler creates an OperationsHandler.
func NewOperationsHandler(audit domain.AuditStore, sweeper Sweeper, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{
		audit:   audit,
		sweeper: sweeper,
		logger:  logger.With(slog.String("handler", "operations")),
	}
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0
func (h *OperationsHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// TriggerReconcile runs one drift sweep and returns its findings. It reports
// the sweep as skipped when another instance holds the sweep lock.
// POST /api/reconcile
func (h *OperationsHandler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: reconcile requested")
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "reconcile", err)
		return
	}
	if res.Drifts == nil {
		res.Drifts = []domain.QuantityDrift{}
	}
	writeJSON(w, http.StatusOK, res)
}
