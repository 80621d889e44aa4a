package provider

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"programista_hub/internal/domain"
)

type FetcherTestSuite struct {
	suite.Suite
	ctx    context.Context
	logger *slog.Logger

	mux    *http.ServeMux
	server *httptest.Server
}

func (s *FetcherTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s.mux = http.NewServeMux()
	s.server = httptest.NewServer(s.mux)
}

func (s *FetcherTestSuite) TearDownTest() {
	s.server.Close()
}

func TestFetcherTestSuite(t *testing.T) {
	suite.Run(t, new(FetcherTestSuite))
}

func (s *FetcherTestSuite) fetcher() *Fetcher {
	return New(Config{
		BaseURL:         s.server.URL + "/",
		UserAgent:       "ProgramistaHub/test",
		Timeout:         2 * time.Second,
		MaxPackageBytes: 1 << 20,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
	}, nil, s.logger)
}

func buildPackage(s *FetcherTestSuite, meta, schedule string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{MetaFile: meta, ScheduleFile: schedule} {
		w, err := zw.Create(name)
		s.Require().NoError(err)
		_, err = w.Write([]byte(content))
		s.Require().NoError(err)
	}
	s.Require().NoError(zw.Close())
	return buf.Bytes()
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

const tvpMeta = `{"schema":1,"provider":"tvp","kind":"tv","display_name":"TVP","version":"v2",
	"channels":[{"id":"tvp1","name":"TVP 1"}],"maintainer":"someone"}`

const tvpSchedule = `{"schema":1,"entries":[{"channel":"tvp1","start":"2024-05-01T20:00:00Z","end":"2024-05-01T21:00:00Z","title":"A"}]}`

func (s *FetcherTestSuite) serveManifest(entries string) {
	s.mux.HandleFunc("/latest.json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"schema":1,"provider_api_version":"1","packages":{%s},"generated_by":"ci"}`, entries)
	})
}

func (s *FetcherTestSuite) TestFetch_DownloadsChangedPackages() {
	tvp := buildPackage(s, tvpMeta, tvpSchedule)
	s.mux.HandleFunc("/tvp-v2.zip", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("ProgramistaHub/test", r.Header.Get("User-Agent"))
		_, _ = w.Write(tvp)
	})
	s.mux.HandleFunc("/polsat-v1.zip", func(w http.ResponseWriter, _ *http.Request) {
		s.Fail("unchanged provider must not be downloaded")
	})
	s.serveManifest(fmt.Sprintf(`
		"tvp":{"version":"v2","sha256":"%s","asset":"tvp-v2.zip"},
		"polsat":{"version":"v1","sha256":"00","asset":"polsat-v1.zip"}`, checksum(tvp)))

	pkgs, err := s.fetcher().Fetch(s.ctx, map[string]string{"tvp": "v1", "polsat": "v1"})
	s.Require().NoError(err)
	s.Require().Len(pkgs, 1)

	pkg := pkgs[0]
	s.Equal("tvp", pkg.ID)
	s.Equal(domain.KindTV, pkg.Kind)
	s.Equal("v2", pkg.Version)
	s.Equal("TVP", pkg.DisplayName)
	s.Equal([]domain.Channel{{ID: "tvp1", Name: "TVP 1"}}, pkg.Channels)
	s.Equal(checksum(tvp), pkg.SHA256)
	s.JSONEq(tvpSchedule, string(pkg.Content))
}

func (s *FetcherTestSuite) TestFetch_NoUpdate() {
	s.serveManifest(`"tvp":{"version":"v2","sha256":"ab","asset":"tvp-v2.zip"}`)

	pkgs, err := s.fetcher().Fetch(s.ctx, map[string]string{"tvp": "v2"})
	s.NoError(err)
	s.Empty(pkgs)
}

func (s *FetcherTestSuite) TestFetch_LegacyPacksKey() {
	s.mux.HandleFunc("/latest.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"schema":1,"packs":{"tvp":{"version":"v2","sha256":"ab","asset":"a.zip"}}}`))
	})

	m, err := s.fetcher().Latest(s.ctx)
	s.Require().NoError(err)
	s.Equal("v2", m.Packages["tvp"].Version)
}

func (s *FetcherTestSuite) TestFetch_ChecksumMismatchIsIntegrityError() {
	tvp := buildPackage(s, tvpMeta, tvpSchedule)
	polsat := buildPackage(s,
		`{"provider":"polsat","kind":"tv","version":"v3"}`,
		`{"entries":[]}`)
	s.mux.HandleFunc("/tvp-v2.zip", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(tvp) })
	s.mux.HandleFunc("/polsat-v3.zip", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(polsat) })
	s.serveManifest(fmt.Sprintf(`
		"tvp":{"version":"v2","sha256":"%s","asset":"tvp-v2.zip"},
		"polsat":{"version":"v3","sha256":"%s","asset":"polsat-v3.zip"}`,
		checksum([]byte("something else")), checksum(polsat)))

	pkgs, err := s.fetcher().Fetch(s.ctx, nil)

	s.ErrorIs(err, domain.ErrIntegrity)
	failures := domain.ProviderErrors(err)
	s.Require().Len(failures, 1)
	s.Equal("tvp", failures[0].Provider)

	s.Require().Len(pkgs, 1)
	s.Equal("polsat", pkgs[0].ID)
}

func (s *FetcherTestSuite) TestFetch_MetadataMismatch() {
	tvp := buildPackage(s, `{"provider":"tvp","kind":"tv","version":"v9"}`, tvpSchedule)
	s.mux.HandleFunc("/tvp.zip", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(tvp) })
	s.serveManifest(fmt.Sprintf(`"tvp":{"version":"v2","sha256":"%s","asset":"tvp.zip"}`, checksum(tvp)))

	_, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrIntegrity)
}

func (s *FetcherTestSuite) TestFetch_NotAnArchive() {
	body := []byte("definitely not a zip")
	s.mux.HandleFunc("/tvp.zip", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(body) })
	s.serveManifest(fmt.Sprintf(`"tvp":{"version":"v2","sha256":"%s","asset":"tvp.zip"}`, checksum(body)))

	_, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrIntegrity)
}

func (s *FetcherTestSuite) TestFetch_OversizedEntryIsRejected() {
	// Deflates to a few KiB but expands past the 1 MiB package limit.
	schedule := `{"entries":[` + strings.Repeat(" ", 2<<20) + `]}`
	tvp := buildPackage(s, tvpMeta, schedule)
	s.Require().Less(len(tvp), 1<<20)
	s.mux.HandleFunc("/tvp.zip", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(tvp) })
	s.serveManifest(fmt.Sprintf(`"tvp":{"version":"v2","sha256":"%s","asset":"tvp.zip"}`, checksum(tvp)))

	pkgs, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrIntegrity)
	s.ErrorContains(err, ScheduleFile)
	s.Empty(pkgs)
}

func (s *FetcherTestSuite) TestOpenPackage_UnderstatedEntrySize() {
	content := []byte(`{"entries":[` + strings.Repeat(" ", 4096) + `]}`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(MetaFile)
	s.Require().NoError(err)
	_, err = w.Write([]byte(tvpMeta))
	s.Require().NoError(err)
	raw, err := zw.CreateRaw(&zip.FileHeader{
		Name:               ScheduleFile,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(content),
		CompressedSize64:   uint64(len(content)),
		UncompressedSize64: 16,
	})
	s.Require().NoError(err)
	_, err = raw.Write(content)
	s.Require().NoError(err)
	s.Require().NoError(zw.Close())

	_, err = openPackage("tvp", ManifestEntry{Version: "v2"}, buf.Bytes(), 1024)
	s.ErrorIs(err, domain.ErrIntegrity)
}

func (s *FetcherTestSuite) TestFetch_RetriesTransientStatus() {
	var calls atomic.Int32
	s.mux.HandleFunc("/latest.json", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"schema":1,"packages":{}}`))
	})

	pkgs, err := s.fetcher().Fetch(s.ctx, nil)
	s.NoError(err)
	s.Empty(pkgs)
	s.Equal(int32(3), calls.Load())
}

func (s *FetcherTestSuite) TestFetch_ExhaustedRetriesAreTransient() {
	var calls atomic.Int32
	s.mux.HandleFunc("/latest.json", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrTransientFetch)
	s.Equal(int32(3), calls.Load())
}

func (s *FetcherTestSuite) TestFetch_ClientErrorIsNotRetried() {
	var calls atomic.Int32
	s.mux.HandleFunc("/latest.json", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrIntegrity)
	s.Equal(int32(1), calls.Load())
}

func (s *FetcherTestSuite) TestFetch_TransientPackageFailureAbortsFetch() {
	s.mux.HandleFunc("/tvp.zip", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s.serveManifest(`"tvp":{"version":"v2","sha256":"ab","asset":"tvp.zip"}`)

	pkgs, err := s.fetcher().Fetch(s.ctx, nil)
	s.ErrorIs(err, domain.ErrTransientFetch)
	s.Nil(pkgs)
}
