package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"programista_hub/internal/api/common"
	"programista_hub/internal/domain"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

type triggerResponse struct {
	RunID   uuid.UUID      `json:"run_id"`
	Trigger domain.Trigger `json:"trigger"`
}

// triggerSync starts a manual run. With ?wait=true the response is the
// finished run instead of an acknowledgement.
func (rt *routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	flight, _, err := rt.deps.Sync.Trigger(domain.TriggerManual)
	switch {
	case errors.Is(err, domain.ErrSyncInProgress):
		common.WriteErrorResponse(w, "Sync already in progress", http.StatusConflict)
		return
	case err != nil:
		rt.logger.Error("manual sync not started", "error", err)
		common.WriteErrorResponse(w, "Sync unavailable", http.StatusServiceUnavailable)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		common.WriteJSONResponse(w, triggerResponse{RunID: flight.RunID(), Trigger: domain.TriggerManual}, http.StatusAccepted)
		return
	}

	run, err := flight.Wait(r.Context())
	if run == nil {
		rt.logger.Warn("manual sync wait ended without a run", "run_id", flight.RunID(), "error", err)
		common.WriteErrorResponse(w, "Sync did not finish", http.StatusServiceUnavailable)
		return
	}
	common.WriteJSONResponse(w, run, http.StatusOK)
}

func (rt *routes) syncStatus(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, rt.deps.Sync.Status(), http.StatusOK)
}

func (rt *routes) listRuns(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Runs == nil {
		common.WriteErrorResponse(w, "Run history unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			common.WriteErrorResponse(w, "limit must be between 1 and 100", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := rt.deps.Runs.List(r.Context(), limit)
	if err != nil {
		rt.logger.Error("failed to list sync runs", "error", err)
		common.WriteErrorResponse(w, "Failed to list sync runs", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, map[string]any{"runs": runs}, http.StatusOK)
}
