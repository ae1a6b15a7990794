// ABOUTME: Tests for gateway construction, store selection, and health endpoints
// ABOUTME: Exercises the gRPC health service over a loopback listener

package gateway

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/consent-gateway/internal/analyzer"
	"github.com/2389/consent-gateway/internal/config"
	"github.com/2389/consent-gateway/internal/store"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml), false)
	require.NoError(t, err)
	return cfg
}

func TestInitStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		driver string
		path   string
		want   any
	}{
		{config.DriverSQLite, filepath.Join(dir, "consent.db"), &store.SQLiteStore{}},
		{config.DriverBolt, filepath.Join(dir, "consent.bolt"), &store.BoltStore{}},
		{config.DriverMemory, "", &store.MockStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := &config.Config{Database: config.DatabaseConfig{Driver: tt.driver, Path: tt.path}}
			cfg.Monitor.HistoryLimit = 10
			s, err := initStore(cfg)
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.want, s)
		})
	}

	_, err := initStore(&config.Config{Database: config.DatabaseConfig{Driver: "postgres"}})
	assert.ErrorContains(t, err, "unknown database driver")
}

func TestInitStore_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("CONSENT_DB_PATH", path)

	cfg := &config.Config{Database: config.DatabaseConfig{Driver: config.DriverSQLite, Path: "/nonexistent/ignored.db"}}
	s, err := initStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestBuildAnalyzer(t *testing.T) {
	st := store.NewMockStore()

	cfg := testConfig(t, `
server: {http_addr: "127.0.0.1:0"}
database: {driver: memory}
`)
	a, err := buildAnalyzer(cfg, st)
	require.NoError(t, err)
	assert.IsType(t, &analyzer.Lexicon{}, a)

	cfg.Analyzer.Kind = config.AnalyzerHTTP
	cfg.Analyzer.URL = "http://classifier.invalid/evaluate"
	a, err = buildAnalyzer(cfg, st)
	require.NoError(t, err)
	assert.IsType(t, &analyzer.HTTP{}, a)

	cfg.Analyzer.Kind = "oracle"
	_, err = buildAnalyzer(cfg, st)
	assert.Error(t, err)
}

func TestMonitorConfig(t *testing.T) {
	cfg := testConfig(t, `
server: {http_addr: "127.0.0.1:0"}
database: {driver: memory}
monitor:
  failure_threshold: 4
  analyzer_timeout: "3s"
  record_snapshots: true
  pause_threshold: 25
  resume_threshold: 85
`)
	mc := monitorConfig(cfg)
	assert.Equal(t, 25, mc.Policy.PauseThreshold)
	assert.Equal(t, 85, mc.Policy.ResumeThreshold)
	assert.Equal(t, 4, mc.FailureThreshold)
	assert.Equal(t, 3*time.Second, mc.AnalyzerTimeout)
	assert.True(t, mc.RecordSnapshots)
}

func TestGateway_HealthAndReady(t *testing.T) {
	cfg := testConfig(t, `
server:
  http_addr: "127.0.0.1:0"
  grpc_addr: "127.0.0.1:0"
database: {driver: memory}
`)
	gw, err := New(cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	health := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	// A record persisted as active is picked up on restore
	_, err = gw.Supervisor().StartMonitoring(t.Context(), "c1", "u1", "u2")
	require.NoError(t, err)
	require.NoError(t, gw.Restore(t.Context()))

	assert.Equal(t, http.StatusOK, get("/health/ready"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, gw.Shutdown(ctx))
}

func TestGateway_NoGRPCWithoutAddress(t *testing.T) {
	cfg := testConfig(t, `
server: {http_addr: "127.0.0.1:0"}
database: {driver: memory}
`)
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, gw.grpcServer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, gw.Shutdown(ctx))
}

func TestGateway_RunServesUntilCanceled(t *testing.T) {
	cfg := testConfig(t, `
server: {http_addr: "127.0.0.1:0"}
database: {driver: memory}
`)
	gw, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, gw.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, gw.ready.Load())
}
