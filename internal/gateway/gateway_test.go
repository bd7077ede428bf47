// ABOUTME: Tests for Gateway construction, lifecycle and the gRPC health endpoint
// ABOUTME: Runs the gateway on loopback ports and checks that shutdown is clean

package gateway

import (
	"context"
	"io"
	"log/slog"
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

	"github.com/2389/dm-gateway/internal/config"
)

// freeAddr reserves a loopback port and releases it for the server to take.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a complete config backed by a temp database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: freeAddr(t),
			GRPCAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path:   filepath.Join(dir, "dm.db"),
			Driver: "sqlite",
		},
		Auth: config.AuthConfig{
			JWTSecret: "gateway-test-secret",
			TokenTTL:  time.Hour,
			DevLogin:  true,
		},
		Dispatch: config.DispatchConfig{
			MaxContentLength: 500,
			PreviewLength:    40,
			UnreadStrategy:   "store",
			HistoryLimit:     50,
			DedupeTTL:        5 * time.Minute,
		},
		Journal: config.JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "message_log.ndjson"),
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway and serves its handler from an httptest server.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return gw, srv
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.presence)
	assert.NotNil(t, gw.hub)
	assert.NotNil(t, gw.binder)
	assert.NotNil(t, gw.engine)
	assert.NotNil(t, gw.journal, "journal is enabled in the test config")
	assert.NotNil(t, gw.grpcServer)
	assert.NotEmpty(t, gw.serverID)
}

func TestGatewayNew_RejectsUnknownUnreadStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.UnreadStrategy = "bogus"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestGatewayNew_DBPathFromEnv(t *testing.T) {
	cfg := testConfig(t)
	envPath := filepath.Join(t.TempDir(), "nested", "env.db")
	t.Setenv(EnvDBPath, envPath)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.FileExists(t, envPath)
}

func TestGatewayRun_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGatewayRun_HTTPOnlyWithoutGRPCAddr(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	grpcLn, httpLn, err := gw.setupListeners(t.Context())
	require.NoError(t, err)
	assert.Nil(t, grpcLn)
	require.NotNil(t, httpLn)
	require.NoError(t, httpLn.Close())
	require.NoError(t, gw.Shutdown(context.Background()))
}

func TestAppendCloseError(t *testing.T) {
	var errs []error
	errs = appendCloseError(errs, "nothing", nil)
	assert.Empty(t, errs)

	errs = appendCloseError(errs, "store close", io.ErrClosedPipe)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], io.ErrClosedPipe)
	assert.Contains(t, errs[0].Error(), "store close")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	require.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/dm")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dm", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, filepath.Join("dm-gateway", "tailscale"))
}
