package api

import (
	"context"
	"net/http"
	"time"

	"programista_hub/internal/api/common"
)

const healthTimeout = 2 * time.Second

type healthResponse struct {
	OK           bool      `json:"ok"`
	DBOK         bool      `json:"db_ok"`
	Time         time.Time `json:"time"`
	IndexVersion int64     `json:"index_version"`
	Error        string    `json:"error,omitempty"`
}

func (rt *routes) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, DBOK: true, Time: time.Now().UTC()}
	if rt.deps.Index != nil {
		resp.IndexVersion = rt.deps.Index.Version()
	}

	if rt.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := rt.deps.DB.Ping(ctx); err != nil {
			rt.logger.Warn("health check database ping failed", "error", err)
			resp.OK, resp.DBOK, resp.Error = false, false, err.Error()
			common.WriteJSONResponse(w, resp, http.StatusServiceUnavailable)
			return
		}
	}

	common.WriteJSONResponse(w, resp, http.StatusOK)
}
