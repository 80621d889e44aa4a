// Package provider downloads versioned provider data packages from the
// release feed and verifies them before they reach the reconciler.
package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"programista_hub/internal/domain"
	"programista_hub/internal/telemetry"
)

const (
	ManifestFile = "latest.json"
	MetaFile     = "pack.json"
	ScheduleFile = "schedule.json"

	schemaVersion = 1
)

// Config holds fetcher configuration.
type Config struct {
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	MaxPackageBytes int64
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Manifest is the release feed index.
type Manifest struct {
	Schema             int
	ProviderAPIVersion string
	Packages           map[string]ManifestEntry
}

type ManifestEntry struct {
	Version string `json:"version"`
	SHA256  string `json:"sha256"`
	Asset   string `json:"asset"`
}

// Fetcher pulls provider packages over HTTP.
type Fetcher struct {
	httpClient      *http.Client
	baseURL         string
	userAgent       string
	maxPackageBytes int64
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	metrics         *telemetry.Metrics
	logger          *slog.Logger
}

// New creates a new Fetcher. metrics may be nil.
func New(cfg Config, metrics *telemetry.Metrics, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:       cfg.UserAgent,
		maxPackageBytes: cfg.MaxPackageBytes,
		maxAttempts:     max(cfg.MaxAttempts, 1),
		initialBackoff:  cfg.InitialBackoff,
		maxBackoff:      cfg.MaxBackoff,
		metrics:         metrics,
		logger:          logger.With("component", "fetcher"),
	}
}

// Latest downloads and decodes the release manifest.
func (f *Fetcher) Latest(ctx context.Context) (*Manifest, error) {
	body, err := f.get(ctx, f.baseURL+"/"+ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	return parseManifest(body)
}

// Fetch returns the packages whose manifest version differs from known.
// An empty result means there is nothing new. Transfer failures abort the
// whole fetch; a package that fails verification is reported as a
// *domain.ProviderError joined into the returned error while the other
// packages are still returned.
func (f *Fetcher) Fetch(ctx context.Context, known map[string]string) ([]domain.ProviderPackage, error) {
	manifest, err := f.Latest(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(manifest.Packages))
	for id := range manifest.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		packages []domain.ProviderPackage
		failures []error
	)
	for _, id := range ids {
		entry := manifest.Packages[id]
		if known[id] == entry.Version {
			f.logger.Debug("provider up to date", "provider", id, "version", entry.Version)
			continue
		}

		pkg, err := f.fetchPackage(ctx, id, entry)
		if err != nil {
			if !errors.Is(err, domain.ErrIntegrity) {
				return nil, fmt.Errorf("fetch package %s: %w", id, err)
			}
			f.logger.Warn("package rejected", "provider", id, "version", entry.Version, "error", err)
			failures = append(failures, &domain.ProviderError{Provider: id, Err: err})
			continue
		}

		f.logger.Info("fetched package",
			"provider", id,
			"from_version", known[id],
			"to_version", pkg.Version,
			"bytes", len(pkg.Content),
		)
		packages = append(packages, pkg)
	}

	return packages, errors.Join(failures...)
}

func (f *Fetcher) fetchPackage(ctx context.Context, id string, entry ManifestEntry) (domain.ProviderPackage, error) {
	if entry.Asset == "" || entry.SHA256 == "" {
		return domain.ProviderPackage{}, fmt.Errorf("%w: manifest entry lacks asset or sha256", domain.ErrIntegrity)
	}

	body, err := f.get(ctx, f.assetURL(entry.Asset))
	if err != nil {
		return domain.ProviderPackage{}, err
	}

	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, entry.SHA256) {
		return domain.ProviderPackage{}, fmt.Errorf("%w: sha256 mismatch: want %s, got %s", domain.ErrIntegrity, entry.SHA256, got)
	}

	return openPackage(id, entry, body, f.limit())
}

// limit caps both the downloaded archive and each decompressed entry.
func (f *Fetcher) limit() int64 {
	if f.maxPackageBytes <= 0 {
		return 64 << 20
	}
	return f.maxPackageBytes
}

func (f *Fetcher) assetURL(asset string) string {
	if strings.HasPrefix(asset, "http://") || strings.HasPrefix(asset, "https://") {
		return asset
	}
	return f.baseURL + "/" + strings.TrimLeft(asset, "/")
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBackoff
	b.MaxInterval = f.maxBackoff

	body, err := backoff.Retry(ctx,
		func() ([]byte, error) {
			return f.doRequest(ctx, url)
		},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.maxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			f.metrics.RecordFetchRetry()
			f.logger.Warn("request failed, retrying",
				"url", url,
				"backoff", d,
				"error", err,
			)
		}),
	)
	if err == nil {
		return body, nil
	}

	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("get %s: %w", url, ctx.Err())
	case errors.Is(err, domain.ErrIntegrity):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: after %d attempts: %v", domain.ErrTransientFetch, f.maxAttempts, err)
	}
}

func (f *Fetcher) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Accept", "application/json, application/zip")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: unexpected status: %d", domain.ErrIntegrity, resp.StatusCode))
	}

	limit := f.limit()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, backoff.Permanent(fmt.Errorf("%w: body exceeds %d bytes", domain.ErrIntegrity, limit))
	}

	return body, nil
}

func parseManifest(body []byte) (*Manifest, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: manifest is not valid json", domain.ErrIntegrity)
	}

	doc := gjson.ParseBytes(body)
	m := &Manifest{
		Schema:             int(doc.Get("schema").Int()),
		ProviderAPIVersion: doc.Get("provider_api_version").String(),
		Packages:           make(map[string]ManifestEntry),
	}
	if m.Schema != 0 && m.Schema != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported manifest schema %d", domain.ErrIntegrity, m.Schema)
	}

	packages := doc.Get("packages")
	if !packages.Exists() {
		packages = doc.Get("packs")
	}
	if !packages.IsObject() {
		return nil, fmt.Errorf("%w: manifest lists no packages", domain.ErrIntegrity)
	}

	packages.ForEach(func(k, v gjson.Result) bool {
		m.Packages[k.String()] = ManifestEntry{
			Version: v.Get("version").String(),
			SHA256:  v.Get("sha256").String(),
			Asset:   v.Get("asset").String(),
		}
		return true
	})

	return m, nil
}

func openPackage(id string, entry ManifestEntry, body []byte, limit int64) (domain.ProviderPackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return domain.ProviderPackage{}, fmt.Errorf("%w: open archive: %v", domain.ErrIntegrity, err)
	}

	meta, err := readFile(zr, MetaFile, limit)
	if err != nil {
		return domain.ProviderPackage{}, err
	}
	schedule, err := readFile(zr, ScheduleFile, limit)
	if err != nil {
		return domain.ProviderPackage{}, err
	}

	if !gjson.ValidBytes(meta) {
		return domain.ProviderPackage{}, fmt.Errorf("%w: %s is not valid json", domain.ErrIntegrity, MetaFile)
	}
	doc := gjson.ParseBytes(meta)
	if s := doc.Get("schema"); s.Exists() && s.Int() != schemaVersion {
		return domain.ProviderPackage{}, fmt.Errorf("%w: unsupported package schema %s", domain.ErrIntegrity, s.Raw)
	}

	info := domain.ProviderInfo{
		ID:          doc.Get("provider").String(),
		Kind:        domain.Kind(doc.Get("kind").String()),
		DisplayName: doc.Get("display_name").String(),
		Version:     doc.Get("version").String(),
	}
	if info.ID != id {
		return domain.ProviderPackage{}, fmt.Errorf("%w: package declares provider %q", domain.ErrIntegrity, info.ID)
	}
	if info.Version != entry.Version {
		return domain.ProviderPackage{}, fmt.Errorf("%w: package version %q does not match manifest %q", domain.ErrIntegrity, info.Version, entry.Version)
	}
	if !info.Kind.Valid() {
		return domain.ProviderPackage{}, fmt.Errorf("%w: unknown provider kind %q", domain.ErrIntegrity, info.Kind)
	}
	if info.DisplayName == "" {
		info.DisplayName = info.ID
	}
	for _, ch := range doc.Get("channels").Array() {
		info.Channels = append(info.Channels, domain.Channel{
			ID:   ch.Get("id").String(),
			Name: ch.Get("name").String(),
		})
	}

	if !gjson.ValidBytes(schedule) {
		return domain.ProviderPackage{}, fmt.Errorf("%w: %s is not valid json", domain.ErrIntegrity, ScheduleFile)
	}

	sum := sha256.Sum256(body)
	return domain.ProviderPackage{
		ProviderInfo: info,
		SHA256:       hex.EncodeToString(sum[:]),
		FetchedAt:    time.Now().UTC(),
		Content:      schedule,
	}, nil
}

// readFile reads one archive entry, refusing entries that expand past limit
// whatever their header claims.
func readFile(zr *zip.Reader, name string, limit int64) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: archive lacks %s", domain.ErrIntegrity, name)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() > limit {
		return nil, fmt.Errorf("%w: %s expands to %d bytes, limit %d", domain.ErrIntegrity, name, fi.Size(), limit)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrIntegrity, name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrIntegrity, name, limit)
	}
	return data, nil
}
