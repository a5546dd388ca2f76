package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/database"
	"github.com/replaysMike/binner-auth/internal/di"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newInstance wires a full application against dsn and the redis at
// redisAddr and serves it over httptest. Instances created with the same
// arguments share state the way replicas behind a load balancer do.
func newInstance(t *testing.T, dsn, redisAddr string) string {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("REDIS_ADDR", redisAddr)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(ctx, db, cfg.DatabaseDriver, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	a, cleanup, err := di.InitializeApp(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("initialize app: %v", err)
	}
	srv := httptest.NewServer(a.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		cleanup()
	})
	return srv.URL
}

func sqliteDSN(t *testing.T) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), "auth.db") + "?_busy_timeout=5000"
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, apiEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp, env
}

func startRedisContainer(t *testing.T) (*redis.Client, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container integration test in short mode")
	}
	if !dockerAvailable() {
		t.Skip("docker is not available; skipping redis container integration test")
	}

	hostPort := reserveLocalPort(t)
	containerName := "binner-auth-redis-it-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.Itoa(rand.Intn(1000))

	runCmd := exec.Command("docker", "run", "-d", "--rm",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:6379", hostPort),
		"redis:7-alpine",
		"redis-server", "--save", "", "--appendonly", "no",
	)
	out, err := runCmd.CombinedOutput()
	if err != nil {
		t.Skipf("unable to start redis container: %v output=%s", err, strings.TrimSpace(string(out)))
	}

	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = client.Close()
		_ = exec.Command("docker", "rm", "-f", containerName).Run()
	})

	ctx := context.Background()
	deadline := time.Now().Add(20 * time.Second)
	for client.Ping(ctx).Err() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for redis container %s to become ready", containerName)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return client, addr
}

func dockerAvailable() bool {
	return exec.Command("docker", "version", "--format", "{{.Server.Version}}").Run() == nil
}

func reserveLocalPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve local port: %v", err)
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected addr type %T", l.Addr())
	}
	return addr.Port
}
