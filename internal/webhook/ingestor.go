// Package webhook receives provider release notifications and turns
// verified ones into sync triggers.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"programista_hub/internal/api/common"
	"programista_hub/internal/domain"
	"programista_hub/internal/service"
	"programista_hub/internal/telemetry"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"

	signaturePrefix = "sha256="
)

// Result labels for the webhook metric.
const (
	resultAccepted     = "accepted"
	resultIgnored      = "ignored"
	resultPing         = "ping"
	resultUnauthorized = "unauthorized"
	resultInvalid      = "invalid"
	resultUnavailable  = "unavailable"
)

type Triggerer interface {
	Trigger(trigger domain.Trigger) (*service.Flight, bool, error)
}

type Config struct {
	Secret string
	// Repository limits release events to one "owner/name". Empty accepts any.
	Repository   string
	MaxBodyBytes int64
}

type Ingestor struct {
	cfg       Config
	triggerer Triggerer
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewIngestor(cfg Config, triggerer Triggerer, metrics *telemetry.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		triggerer: triggerer,
		metrics:   metrics,
		logger:    logger.With("component", "webhook"),
	}
}

type ignoredResponse struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored"`
	Reason  string `json:"reason"`
}

type queuedResponse struct {
	OK        bool   `json:"ok"`
	Queued    bool   `json:"queued"`
	Tag       string `json:"tag"`
	Coalesced bool   `json:"coalesced"`
}

func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if i.cfg.Secret == "" {
		i.metrics.RecordWebhook(resultUnavailable)
		common.WriteErrorResponse(w, "Webhook secret not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, i.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			i.metrics.RecordWebhook(resultInvalid)
			common.WriteErrorResponse(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		i.metrics.RecordWebhook(resultInvalid)
		common.WriteErrorResponse(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !i.verify(body, r.Header.Get(SignatureHeader)) {
		i.metrics.RecordWebhook(resultUnauthorized)
		i.logger.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
		common.WriteErrorResponse(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	event := strings.ToLower(strings.TrimSpace(r.Header.Get(EventHeader)))
	if event == "ping" {
		i.metrics.RecordWebhook(resultPing)
		common.WriteJSONResponse(w, map[string]any{"ok": true, "event": "ping"}, http.StatusOK)
		return
	}

	if !gjson.ValidBytes(body) {
		i.metrics.RecordWebhook(resultInvalid)
		common.WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	payload := gjson.ParseBytes(body)

	if reason := i.ignoreReason(event, payload); reason != "" {
		i.metrics.RecordWebhook(resultIgnored)
		i.logger.Debug("webhook ignored", "event", event, "reason", reason)
		common.WriteJSONResponse(w, ignoredResponse{OK: true, Ignored: true, Reason: reason}, http.StatusOK)
		return
	}

	tag := strings.TrimSpace(payload.Get("release.tag_name").String())
	if tag == "" {
		tag = "published"
	}
	_, coalesced, err := i.triggerer.Trigger(domain.TriggerWebhook)
	if err != nil {
		i.metrics.RecordWebhook(resultUnavailable)
		i.logger.Error("webhook sync not queued", "tag", tag, "error", err)
		common.WriteErrorResponse(w, "Sync unavailable", http.StatusServiceUnavailable)
		return
	}

	i.metrics.RecordWebhook(resultAccepted)
	i.logger.Info("release webhook accepted",
		"tag", tag,
		"repository", payload.Get("repository.full_name").String(),
		"coalesced", coalesced,
	)
	common.WriteJSONResponse(w, queuedResponse{OK: true, Queued: true, Tag: tag, Coalesced: coalesced}, http.StatusAccepted)
}

func (i *Ingestor) ignoreReason(event string, payload gjson.Result) string {
	if event != "release" {
		return "event"
	}
	repo := strings.TrimSpace(payload.Get("repository.full_name").String())
	if i.cfg.Repository != "" && !strings.EqualFold(repo, i.cfg.Repository) {
		return "repo_mismatch"
	}
	if strings.ToLower(strings.TrimSpace(payload.Get("action").String())) != "published" {
		return "action_mismatch"
	}
	return ""
}

func (i *Ingestor) verify(body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(i.cfg.Secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeaderValue formats a signature the way senders put it on the wire.
func SignatureHeaderValue(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}
