package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"programista_hub/internal/api/common"
	"programista_hub/internal/domain"
	"programista_hub/internal/search"
)

type providersResponse struct {
	IndexVersion int64                 `json:"index_version"`
	Providers    []domain.ProviderInfo `json:"providers"`
}

type channelsResponse struct {
	IndexVersion int64                `json:"index_version"`
	Channels     []search.ChannelInfo `json:"channels"`
}

type manifestResponse struct {
	Schema             int                              `json:"schema"`
	ProviderAPIVersion string                           `json:"provider_api_version,omitempty"`
	Packages           map[string]manifestEntryResponse `json:"packages"`
}

type manifestEntryResponse struct {
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
	Asset   string `json:"asset"`
}

// searchBody is the POST /search payload.
type searchBody struct {
	Query     string        `json:"query"`
	Channels  []string      `json:"channels"`
	Providers []string      `json:"providers"`
	Kinds     []domain.Kind `json:"kinds"`
	From      *time.Time    `json:"from"`
	To        *time.Time    `json:"to"`
	At        *time.Time    `json:"at"`
	Limit     int           `json:"limit"`
}

func (b searchBody) request() search.Request {
	req := search.Request{
		Text:      b.Query,
		Channels:  b.Channels,
		Providers: b.Providers,
		Kinds:     b.Kinds,
		Limit:     b.Limit,
	}
	if b.From != nil {
		req.From = *b.From
	}
	if b.To != nil {
		req.To = *b.To
	}
	if b.At != nil {
		req.At = *b.At
	}
	return req
}

func (rt *routes) listProviders(w http.ResponseWriter, _ *http.Request) {
	providers, version := rt.deps.Search.Providers()
	common.WriteJSONResponse(w, providersResponse{IndexVersion: version, Providers: providers}, http.StatusOK)
}

func (rt *routes) listChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := domain.Kind(q.Get("kind"))
	if kind != "" && !kind.Valid() {
		common.WriteErrorResponse(w, fmt.Sprintf("Unknown kind %q", kind), http.StatusBadRequest)
		return
	}

	channels, version := rt.deps.Search.Channels(q.Get("provider"), kind)
	common.WriteJSONResponse(w, channelsResponse{IndexVersion: version, Channels: channels}, http.StatusOK)
}

func (rt *routes) latestManifest(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Manifest == nil {
		common.WriteErrorResponse(w, "Manifest unavailable", http.StatusServiceUnavailable)
		return
	}

	manifest, err := rt.deps.Manifest.Latest(r.Context())
	if err != nil {
		rt.logger.Error("failed to fetch manifest", "error", err)
		common.WriteErrorResponse(w, "Failed to fetch provider manifest", http.StatusBadGateway)
		return
	}

	resp := manifestResponse{
		Schema:             manifest.Schema,
		ProviderAPIVersion: manifest.ProviderAPIVersion,
		Packages:           make(map[string]manifestEntryResponse, len(manifest.Packages)),
	}
	for id, e := range manifest.Packages {
		resp.Packages[id] = manifestEntryResponse{Version: e.Version, SHA256: e.SHA256, Asset: e.Asset}
	}
	common.WriteJSONResponse(w, resp, http.StatusOK)
}

func (rt *routes) searchQuery(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchQuery(r.URL.Query())
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	rt.runSearch(w, req)
}

func (rt *routes) searchBody(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		common.WriteErrorResponse(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	rt.runSearch(w, body.request())
}

func (rt *routes) runSearch(w http.ResponseWriter, req search.Request) {
	result, err := rt.deps.Search.Search(req)
	if err != nil {
		if errors.Is(err, search.ErrInvalidQuery) {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		rt.logger.Error("search failed", "error", err)
		common.WriteErrorResponse(w, "Search failed", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, result, http.StatusOK)
}

func parseSearchQuery(q url.Values) (search.Request, error) {
	req := search.Request{
		Text:      q.Get("q"),
		Channels:  listParam(q, "channel"),
		Providers: listParam(q, "provider"),
	}
	for _, k := range listParam(q, "kind") {
		req.Kinds = append(req.Kinds, domain.Kind(k))
	}

	var err error
	if req.From, err = timeParam(q, "from"); err != nil {
		return req, err
	}
	if req.To, err = timeParam(q, "to"); err != nil {
		return req, err
	}
	if req.At, err = timeParam(q, "at"); err != nil {
		return req, err
	}

	if raw := q.Get("limit"); raw != "" {
		if req.Limit, err = strconv.Atoi(raw); err != nil {
			return req, fmt.Errorf("invalid limit %q", raw)
		}
	}
	return req, nil
}

// listParam accepts both repeated and comma separated values.
func listParam(q url.Values, name string) []string {
	var out []string
	for _, v := range q[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func timeParam(q url.Values, name string) (time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected RFC 3339", name, raw)
	}
	return t, nil
}
