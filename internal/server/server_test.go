package server_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahmethakanbesel/expiry-archiver/internal/archive"
	"github.com/ahmethakanbesel/expiry-archiver/internal/candle"
	"github.com/ahmethakanbesel/expiry-archiver/internal/candle/smartapi"
	"github.com/ahmethakanbesel/expiry-archiver/internal/delivery"
	"github.com/ahmethakanbesel/expiry-archiver/internal/pipeline"
	"github.com/ahmethakanbesel/expiry-archiver/internal/plan"
	"github.com/ahmethakanbesel/expiry-archiver/internal/platform/sqlite"
	runrepo "github.com/ahmethakanbesel/expiry-archiver/internal/repository/run"
	"github.com/ahmethakanbesel/expiry-archiver/internal/run"
	"github.com/ahmethakanbesel/expiry-archiver/internal/server"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// fakeSmartAPI serves candles for token 1 and an empty data set for any
// other token.
func fakeSmartAPI(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SymbolToken string `json:"symboltoken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.SymbolToken == "1" {
			_, _ = io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":[
				["2024-10-24T09:15:00+05:30",80100.5,80120,80090,80110.25,1200],
				["2024-10-24T09:16:00+05:30",80110.25,80130,80100,80125,900]]}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":true,"message":"SUCCESS","errorcode":"","data":[]}`)
	}))
}

type telegramSink struct {
	mu    sync.Mutex
	names []string
	docs  [][]byte
}

func (s *telegramSink) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("document")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)

		s.mu.Lock()
		s.names = append(s.names, hdr.Filename)
		s.docs = append(s.docs, b)
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
}

type env struct {
	srv  *httptest.Server
	svc  *run.Service
	sink *telegramSink
}

func setupE2E(t *testing.T, manifest string) *env {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	api := fakeSmartAPI(t)
	t.Cleanup(api.Close)
	sink := &telegramSink{}
	tg := sink.server(t)
	t.Cleanup(tg.Close)

	src := smartapi.New(
		smartapi.WithClient(api.Client()),
		smartapi.WithEndpoint(api.URL),
		smartapi.WithCredentials("api-key", "jwt"),
	)
	fetcher := pipeline.NewRetryingFetcher(src, pipeline.FetcherConfig{
		Exchange:       "BFO",
		Interval:       candle.OneMinute,
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}, nil)
	enc, err := archive.NewEncoder(archive.FormatCSV, ist)
	if err != nil {
		t.Fatal(err)
	}
	transporter := delivery.NewTransporter(
		delivery.NewTelegram("TOKEN", "-1", delivery.WithTelegramURL(tg.URL)),
		delivery.WithTempDir(t.TempDir()),
	)
	pl := pipeline.New(fetcher, enc, transporter, 2, nil)

	manifestPath := filepath.Join(t.TempDir(), "instruments.csv")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	builder := plan.Builder{
		ManifestPath:  manifestPath,
		LookbackDays:  90,
		Location:      ist,
		ArchivePrefix: "SENSEX_expiry",
		IntervalLabel: candle.OneMinute.Label(),
		AllowEmpty:    true,
	}

	svc := run.NewService(runrepo.NewRepository(db.DB), pl, builder.Build)
	t.Cleanup(svc.Wait)

	srv := httptest.NewServer(server.NewHandler(server.Deps{
		Runs: svc,
		DB:   db,
		NextRun: func() (time.Time, bool) {
			return time.Date(2024, 10, 31, 15, 45, 0, 0, ist), true
		},
	}))
	t.Cleanup(srv.Close)

	return &env{srv: srv, svc: svc, sink: sink}
}

type envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func getJSON[T any](t *testing.T, url string, wantStatus int) T {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: expected %d, got %d: %s", url, wantStatus, resp.StatusCode, b)
	}
	var out envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out.Data
}

func TestHealth(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	got := getJSON[map[string]any](t, e.srv.URL+"/health", http.StatusOK)
	if got["status"] != "ok" || got["database"] != "ok" {
		t.Errorf("unexpected health: %v", got)
	}
	if _, ok := got["nextRun"]; !ok {
		t.Error("expected nextRun in health response")
	}
}

func TestStartRun_EndToEnd(t *testing.T) {
	e := setupE2E(t, "symbol,token\nSENSEX24O2480000CE,1\nSENSEX24O2480000PE,2\n")

	resp, err := http.Post(e.srv.URL+"/api/v1/runs?expiry=2024-10-24", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var started envelope[struct {
		ID string `json:"id"`
	}]
	_ = json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if started.Data.ID == "" {
		t.Fatal("expected run id")
	}

	e.svc.Wait()

	got := getJSON[run.Run](t, e.srv.URL+"/api/v1/runs/"+started.Data.ID, http.StatusOK)
	if got.Status != run.StatusCompleted {
		t.Errorf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	if got.Total != 2 || got.SucceededCount != 1 || got.FailedCount != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
	if len(got.Failures) != 1 || got.Failures[0].Reason != "No data" {
		t.Errorf("unexpected failures: %+v", got.Failures)
	}
	if !got.Delivered || got.ArchiveName != "SENSEX_expiry_241024_1min.zip" {
		t.Errorf("unexpected delivery: delivered=%v archive=%s", got.Delivered, got.ArchiveName)
	}

	e.sink.mu.Lock()
	defer e.sink.mu.Unlock()
	if len(e.sink.docs) != 1 {
		t.Fatalf("expected 1 uploaded document, got %d", len(e.sink.docs))
	}
	if e.sink.names[0] != "SENSEX_expiry_241024_1min.zip" {
		t.Errorf("unexpected document name %s", e.sink.names[0])
	}
	zr, err := zip.NewReader(bytes.NewReader(e.sink.docs[0]), int64(len(e.sink.docs[0])))
	if err != nil {
		t.Fatalf("uploaded document is not a zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "SENSEX24O2480000CE.csv" {
		t.Errorf("unexpected archive entries: %v", zr.File)
	}

	list := getJSON[[]run.Run](t, e.srv.URL+"/api/v1/runs", http.StatusOK)
	if len(list) != 1 || list[0].ID != started.Data.ID {
		t.Errorf("unexpected run list: %+v", list)
	}
}

func TestStartRun_NoSuccessesSkipsUpload(t *testing.T) {
	e := setupE2E(t, "symbol,token\nA,2\nB,3\n")

	r, err := e.svc.Execute(context.Background(), run.StartRunRequest{Trigger: run.TriggerOnce, Expiry: "2024-10-24"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.SucceededCount != 0 || r.FailedCount != 2 || r.Delivered {
		t.Errorf("unexpected run: %+v", r)
	}
	if len(e.sink.docs) != 0 {
		t.Errorf("expected no upload, got %d", len(e.sink.docs))
	}
}

func TestStartRun_BadExpiry(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	resp, err := http.Post(e.srv.URL+"/api/v1/runs?expiry=24-10-2024", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetRun_Errors(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	getJSON[any](t, e.srv.URL+"/api/v1/runs/not-a-uuid", http.StatusBadRequest)
	getJSON[any](t, e.srv.URL+"/api/v1/runs/6f1c2f3e-8a44-4b8e-9d7e-0d6a8f1b2c3d", http.StatusNotFound)
}

func TestListRuns_BadQuery(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	getJSON[any](t, e.srv.URL+"/api/v1/runs?limit=ten", http.StatusBadRequest)
	getJSON[any](t, e.srv.URL+"/api/v1/runs?status=paused", http.StatusBadRequest)
}

func TestMetrics(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	// Generate at least one labelled sample.
	getJSON[any](t, e.srv.URL+"/health", http.StatusOK)

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "expiry_archiver_http_requests_total") {
		t.Errorf("expected archiver metrics in output")
	}
}

func TestRequestID(t *testing.T) {
	e := setupE2E(t, "symbol,token\n")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}

	resp, err = http.Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected generated request id")
	}
}
