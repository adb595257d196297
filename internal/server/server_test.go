package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"synthgen/internal/config"
	"synthgen/internal/db"
	"synthgen/internal/domain"
	"synthgen/internal/engine"
	"synthgen/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer builds a workspace with one finalized version of "payments".
func newTestServer(t *testing.T, secret string) (*testServer, engine.Result) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, config.Settings{Workspace: workspace, CardinalityCap: 10000}, logger)
	if _, err := e.Init("payments"); err != nil {
		t.Fatalf("init dataset: %v", err)
	}
	doc := "name: payments\nrow_count: 50\nformat: csv\n"
	if err := os.WriteFile(filepath.Join(workspace, "datasets", "payments", config.DatasetFile), []byte(doc), 0o644); err != nil {
		t.Fatalf("write dataset.yaml: %v", err)
	}
	res, err := e.Run(context.Background(), engine.RunOptions{Dataset: "payments", Version: "v1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret, Logger: logger}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv, res
}

func doGet(t *testing.T, client *http.Client, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwtClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestListDatasetsAndVersions(t *testing.T) {
	srv, run := newTestServer(t, "")
	client := srv.Client()

	res, data := doGet(t, client, srv.URL+"/v0/datasets", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list datasets status %d: %s", res.StatusCode, string(data))
	}
	var datasets []DatasetResponse
	if err := json.Unmarshal(data, &datasets); err != nil {
		t.Fatalf("unmarshal datasets: %v", err)
	}
	if len(datasets) != 1 || datasets[0].Dataset != "payments" || datasets[0].LatestVersion != "v1" {
		t.Fatalf("unexpected datasets: %+v", datasets)
	}

	res, data = doGet(t, client, srv.URL+"/v0/datasets/payments/versions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list versions status %d: %s", res.StatusCode, string(data))
	}
	var versions []domain.RegistryVersion
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions) != 1 || versions[0].ContentHash != run.Final.ContentHash {
		t.Fatalf("unexpected versions: %+v", versions)
	}

	res, data = doGet(t, client, srv.URL+"/v0/datasets/payments/versions/v1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get version status %d: %s", res.StatusCode, string(data))
	}
	var v VersionResponse
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if v.Final.ContentHash != run.Final.ContentHash || v.Final.RowCount != 50 {
		t.Fatalf("unexpected final metadata: %+v", v.Final)
	}
}

func TestVersionDataAndReports(t *testing.T) {
	srv, run := newTestServer(t, "")
	client := srv.Client()

	res, data := doGet(t, client, srv.URL+"/v0/datasets/payments/versions/v1/data", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("data status %d: %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Content-Sha256"); got != run.Final.ContentHash {
		t.Fatalf("content hash header %q, want %q", got, run.Final.ContentHash)
	}
	onDisk, err := os.ReadFile(filepath.Join(run.RunDir, "data.csv"))
	if err != nil {
		t.Fatalf("read data.csv: %v", err)
	}
	if string(onDisk) != string(data) {
		t.Fatalf("served data differs from data.csv")
	}

	res, data = doGet(t, client, srv.URL+"/v0/datasets/payments/versions/v1/reports/validation", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validation report status %d: %s", res.StatusCode, string(data))
	}
	var report domain.ValidationReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Passed || report.RowCount != 50 {
		t.Fatalf("unexpected report: %+v", report)
	}

	res, data = doGet(t, client, srv.URL+"/v0/datasets/payments/versions/v1/reports/prior_profile", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing prior profile, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnfinalizedVersionIsNotServed(t *testing.T) {
	srv, _ := newTestServer(t, "")
	client := srv.Client()
	for _, url := range []string{
		"/v0/datasets/payments/versions/v2",
		"/v0/datasets/payments/versions/v2/data",
		"/v0/datasets/payments/versions/v2/reports/evaluation",
		"/v0/datasets/other/versions",
	} {
		res, data := doGet(t, client, srv.URL+url, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d %s", url, res.StatusCode, string(data))
		}
		var envelope apiError
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Body.Code != "not_found" {
			t.Fatalf("%s: unexpected error body %s", url, string(data))
		}
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, run := newTestServer(t, "")
	res, data := doGet(t, srv.Client(), srv.URL+"/v0/events?run_id="+run.RunID+"&limit=3", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 3 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	if page.Items[0].Type != "run.registered" {
		t.Fatalf("newest event should be run.registered, got %s", page.Items[0].Type)
	}

	res, data = doGet(t, srv.Client(), srv.URL+"/v0/events?run_id="+run.RunID+"&cursor="+page.NextCursor+"&limit=10", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var rest paginatedEvents
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(rest.Items) != 5 || rest.NextCursor != "" {
		t.Fatalf("expected the remaining 5 events, got %+v", rest)
	}

	res, _ = doGet(t, srv.Client(), srv.URL+"/v0/events?cursor=abc", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestJWTRequiredWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, testSecret)
	client := srv.Client()

	res, _ := doGet(t, client, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doGet(t, client, srv.URL+"/v0/datasets", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doGet(t, client, srv.URL+"/v0/datasets", map[string]string{"Authorization": "Bearer " + signToken(t, "wrong", "reader")})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad signature, got %d", res.StatusCode)
	}
	res, data := doGet(t, client, srv.URL+"/v0/datasets", map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "reader")})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d %s", res.StatusCode, string(data))
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("bearer parse failed: %q %v", tok, ok)
	}
	if _, ok := bearerToken("Basic abc"); ok {
		t.Fatalf("basic auth must not parse as bearer")
	}
	if _, err := authenticateJWT(signToken(t, testSecret, ""), testSecret); err == nil {
		t.Fatalf("token without subject must be rejected")
	}
}
