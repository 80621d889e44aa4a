package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"programista_hub/internal/api/common"
	"programista_hub/internal/auth"
	"programista_hub/internal/domain"
)

const maxLabelRunes = 200

type registerRequest struct {
	InstallID  string `json:"install_id"`
	Label      string `json:"label"`
	AppVersion string `json:"app_version"`
	Platform   string `json:"platform"`
}

type registerResponse struct {
	APIKey string `json:"api_key"`
	Header string `json:"header"`
}

func (req registerRequest) validate() string {
	switch n := utf8.RuneCountInString(strings.TrimSpace(req.InstallID)); {
	case n == 0:
		return "Missing install_id"
	case n < 8 || n > 100:
		return "install_id must be 8 to 100 characters"
	}
	if utf8.RuneCountInString(req.Label) > maxLabelRunes {
		return "label must be at most 200 characters"
	}
	if utf8.RuneCountInString(req.AppVersion) > 50 {
		return "app_version must be at most 50 characters"
	}
	if utf8.RuneCountInString(req.Platform) > 80 {
		return "platform must be at most 80 characters"
	}
	return ""
}

// label joins the install details, prefixed by the caller's own label.
func (req registerRequest) label() string {
	parts := []string{"programista", strings.TrimSpace(req.InstallID)}
	for _, p := range []string{req.AppVersion, req.Platform} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	label := strings.Join(parts, " ")
	if own := strings.TrimSpace(req.Label); own != "" {
		label = own + " | " + label
	}
	return truncateRunes(label, maxLabelRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (rt *routes) register(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Keys == nil {
		common.WriteErrorResponse(w, "Registration unavailable", http.StatusServiceUnavailable)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		common.WriteErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	key, err := auth.GenerateKey()
	if err != nil {
		rt.logger.Error("failed to generate api key", "error", err)
		common.WriteErrorResponse(w, "Failed to issue API key", http.StatusInternalServerError)
		return
	}

	record := &domain.APIKey{Hash: auth.HashKey(key), Label: req.label()}
	if err := rt.deps.Keys.Create(r.Context(), record); err != nil {
		rt.logger.Error("failed to store api key", "error", err)
		common.WriteErrorResponse(w, "Failed to issue API key", http.StatusServiceUnavailable)
		return
	}

	rt.logger.Info("api key registered", "label", record.Label)
	common.WriteJSONResponse(w, registerResponse{APIKey: key, Header: rt.apiKeyHeader}, http.StatusOK)
}
