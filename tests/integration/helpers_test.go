package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/cpcache/cpcache/internal/cache"
	"github.com/cpcache/cpcache/internal/config"
	"github.com/cpcache/cpcache/internal/download"
	"github.com/cpcache/cpcache/internal/kvstore"
	"github.com/cpcache/cpcache/internal/mirror"
	"github.com/cpcache/cpcache/internal/proxy"
	"github.com/cpcache/cpcache/internal/serializer"
	"github.com/cpcache/cpcache/internal/server"
)

// testProxy 打包一个完整装配的代理实例与它的全部内部组件。
type testProxy struct {
	app   *fiber.App
	store *cache.Store
	kv    *kvstore.Store
	cfg   *config.Config
}

// newTestProxy 按 main.go 的装配顺序搭一个完整代理，镜像列表由测试注入。
func newTestProxy(t *testing.T, mirrors []string) *testProxy {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := &config.Config{
		Port:              7076,
		CacheDirectory:    dir,
		WantedPackagesDir: filepath.Join(dir, "wanted_packages"),
		DatabasePath:      filepath.Join(dir, "cpcache.db"),
		MirrorsPredefined: mirrors,
		MirrorSelection:   "predefined",
		RecvPackages:      config.RecvPackagesConfig{Key: "746573742d6b6579"},
	}

	store, err := cache.NewStore(cfg.CacheDirectory)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	kv, err := kvstore.Open(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("kvstore error: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	ser := serializer.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ser.Run(ctx)

	client := &http.Client{Timeout: 30 * time.Second}
	handler := proxy.NewHandler(proxy.Options{
		Logger:     logger,
		Store:      store,
		KV:         kv,
		Mirrors:    mirror.NewPredefined(cfg.MirrorCandidates()),
		Serializer: ser,
		Downloader: download.New(client, store, logger),
		Probe:      client,
		Config:     cfg,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: cfg.Port,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &testProxy{app: app, store: store, kv: kv, cfg: cfg}
}

func (p *testProxy) get(t *testing.T, target string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := p.app.Test(req, fiber.TestConfig{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return body
}

// waitForFileSize 轮询缓存文件直到达到期望大小。
func waitForFileSize(t *testing.T, store *cache.Store, key string, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		size, exists, err := store.Stat(key)
		if err != nil {
			t.Fatalf("stat error: %v", err)
		}
		if exists && size == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("cache file %s never reached %d bytes", key, want)
}
