package server

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/RoomGate/config"
	"github.com/sifan077/RoomGate/internal/app/conference"
	"github.com/sifan077/RoomGate/internal/app/repository"
	"github.com/sifan077/RoomGate/internal/app/service"
	inthttp "github.com/sifan077/RoomGate/internal/http/handler"
	"github.com/sifan077/RoomGate/internal/http/middleware"
	httpUtil "github.com/sifan077/RoomGate/internal/http/util"
	infraPrometheus "github.com/sifan077/RoomGate/internal/infra/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *promclient.Registry) {
	t.Helper()

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Server.AdminKey = "admin"
	cfg.Server.RateLimit.MaxRequests = 2
	if mutate != nil {
		mutate(cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := promclient.NewRegistry()
	metrics, err := infraPrometheus.NewMetrics(reg)
	require.NoError(t, err)

	policy := service.DefaultPolicy()
	policy.DefaultResource = "Lobby"
	registry, err := service.NewLinkRegistry(repository.NewMemoryTokenStore(nil), policy, service.WithMetrics(metrics))
	require.NoError(t, err)

	provider, err := conference.NewProvider(cfg.Conference.Domain, "", "", 0)
	require.NoError(t, err)
	signer, err := httpUtil.NewClientIDSigner([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	s := New(Dependencies{
		Logger:     zap.NewNop(),
		Config:     cfg,
		Registry:   registry,
		Conference: provider,
		Cookies:    &inthttp.ClientCookies{Name: cfg.Server.CookieName, Signer: signer, MaxAge: time.Hour},
		Redis:      client,
		Requests:   metrics,
	})
	return s, reg
}

func TestServer_IssueAndRedeem(t *testing.T) {
	s, reg := newTestServer(t, nil)

	req := httptest.NewRequest("POST", "/links", strings.NewReader(`{"resource_ref":"Standup"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	body, _ := io.ReadAll(resp.Body)
	token := strings.Split(strings.Split(string(body), `"token":"`)[1], `"`)[0]

	resp, err = s.App().Test(httptest.NewRequest("GET", "/links/"+token, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	issued, err := testutil.GatherAndCount(reg, "roomgate_links_issued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, issued)
	requests, err := testutil.GatherAndCount(reg, "roomgate_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, requests, "one series per method and route")
}

func TestServer_RateLimitsIssuance(t *testing.T) {
	s, _ := newTestServer(t, nil)

	status := func() int {
		resp, err := s.App().Test(httptest.NewRequest("POST", "/links", nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}
	assert.Equal(t, fiber.StatusCreated, status())
	assert.Equal(t, fiber.StatusCreated, status())
	assert.Equal(t, fiber.StatusTooManyRequests, status())
}

func TestServer_RateLimitDisabled(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Server.RateLimit.Enabled = false })

	for i := 0; i < 4; i++ {
		resp, err := s.App().Test(httptest.NewRequest("POST", "/links", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}
}

func TestServer_RevokeNeedsAdminKey(t *testing.T) {
	s, _ := newTestServer(t, nil)

	resp, err := s.App().Test(httptest.NewRequest("DELETE", "/links/AbCdEfGhIjKlMnOpQrStU_", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
