package handlers

import (
	"net/http"

	"github.com/ledgerline/billing/httpx"
	"github.com/ledgerline/billing/internal/services"
)

// SchedulerHandler exposes the explicit "check now" trigger. Safe to call
// from anywhere, any number of times: the generation unit is idempotent, so
// an extra trigger can never duplicate an occurrence.
type SchedulerHandler struct {
	Sched *services.Scheduler
}

func NewSchedulerHandler(s *services.Scheduler) *SchedulerHandler {
	return &SchedulerHandler{Sched: s}
}

// Run: POST /scheduler/run
func (h *SchedulerHandler) Run(w http.ResponseWriter, r *http.Request) {
	res, err := h.Sched.RunTick(r.Context())
	if err != nil {
		httpx.Error(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}
