package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func limitedRouter(client *redis.Client, limit int, window time.Duration) *gin.Engine {
	r := gin.New()
	r.POST("/submit", NewRateLimiter(RateLimiterConfig{
		RedisClient: client,
		Limit:       limit,
		Window:      window,
		KeyPrefix:   "rl:test:",
		Extractor:   func(c *gin.Context) string { return c.GetHeader("X-Client") },
		Log:         zap.NewNop(),
	}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func hit(r *gin.Engine, client string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.Header.Set("X-Client", client)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_WindowResets(t *testing.T) {
	client := setupRedis(t)
	r := limitedRouter(client, 2, 500*time.Millisecond)

	for i := 0; i < 2; i++ {
		if w := hit(r, "a"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := hit(r, "a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over limit: status %d", w.Code)
	}
	if n, _ := strconv.Atoi(w.Header().Get("Retry-After")); n < 1 {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
	if w := hit(r, "b"); w.Code != http.StatusOK {
		t.Fatalf("other client limited: status %d", w.Code)
	}

	time.Sleep(700 * time.Millisecond)
	if w := hit(r, "a"); w.Code != http.StatusOK {
		t.Fatalf("after window: status %d", w.Code)
	}
}

func TestRateLimiter_KeyWithoutTTLExpires(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	// A counter left behind without an expiry, already over the limit.
	if err := client.Set(ctx, "rl:test:stuck", 100, 0).Err(); err != nil {
		t.Fatal(err)
	}
	r := limitedRouter(client, 2, 500*time.Millisecond)

	w := hit(r, "stuck")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "0" {
		t.Fatal("Retry-After is 0 for a counter that never expires")
	}
	ttl, err := client.PTTL(ctx, "rl:test:stuck").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 {
		t.Fatalf("counter still has no expiry: %v", ttl)
	}

	time.Sleep(700 * time.Millisecond)
	if w := hit(r, "stuck"); w.Code != http.StatusOK {
		t.Fatalf("client stayed locked out: status %d", w.Code)
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	defer client.Close()
	r := limitedRouter(client, 1, time.Minute)

	for i := 0; i < 3; i++ {
		if w := hit(r, "a"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d with redis down", i, w.Code)
		}
	}
}
