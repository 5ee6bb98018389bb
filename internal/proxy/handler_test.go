package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/cpcache/cpcache/internal/auth"
)

// newTestApp 在测试内搭一个只挂代理路由的 Fiber 应用。
func newTestApp(h *Handler) *fiber.App {
	app := fiber.New(fiber.Config{BodyLimit: 500_000})
	app.Post("/:hostname", h.HandlePost)
	app.Get("/*", h.HandleGet)
	return app
}

func TestDatabaseRedirect(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	resp := doGet(t, app, "/extra/os/x86_64/core.db", nil)
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusMovedPermanently {
		t.Fatalf("数据库文件应 301, got %d", resp.StatusCode)
	}
	want := "https://mirror.example.org/arch/extra/os/x86_64/core.db"
	if got := resp.Header.Get("Location"); got != want {
		t.Fatalf("Location 错误: %s", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("301 不应携带正文: %d bytes", len(body))
	}
}

func TestCompleteFileWithRange(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	payload := bytes.Repeat([]byte{0x41}, 1000)
	seedCacheBytes(t, h, "core/a.pkg", payload)
	if err := h.kv.PutContentLength("a.pkg", 1000); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	resp := doGet(t, app, "/core/a.pkg", map[string]string{"Range": "bytes=250-"})
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("范围请求沿用状态码 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 250-999/1000" {
		t.Fatalf("Content-Range 错误: %s", got)
	}
	if got := resp.Header.Get("Content-Length"); got != "750" {
		t.Fatalf("Content-Length 错误: %s", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, payload[250:]) {
		t.Fatalf("正文应为文件后缀: %d bytes", len(body))
	}
}

func TestCompleteFileRangeAtTotal(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	seedCacheBytes(t, h, "core/b.pkg", make([]byte, 100))
	if err := h.kv.PutContentLength("b.pkg", 100); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	resp := doGet(t, app, "/core/b.pkg", map[string]string{"Range": "bytes=100-"})
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("range==total 应返回 200 头部, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("range==total 不应有正文: %d bytes", len(body))
	}
}

func TestRangeOnUncachedFileRedirects(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	resp := doGet(t, app, "/core/uncached.pkg", map[string]string{"Range": "bytes=100-"})
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusMovedPermanently {
		t.Fatalf("未缓存文件的范围请求应 301, got %d", resp.StatusCode)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	resp := doGet(t, app, "/a/../../../etc/passwd", nil)
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("路径穿越应 404, got %d", resp.StatusCode)
	}
}

func TestFreshDownloadStoresAndStreams(t *testing.T) {
	payload := bytes.Repeat([]byte{0x41}, 1000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/core/fresh.pkg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write(payload)
	}))
	defer upstream.Close()

	h := newTestHandler(t, []string{upstream.URL})
	app := newTestApp(h)

	resp := doGet(t, app, "/core/fresh.pkg", nil)
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("冷取应 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("正文错误: %d bytes", len(body))
	}

	if total, found := h.kv.ContentLength("fresh.pkg"); !found || total != 1000 {
		t.Fatalf("内容长度表应被填充: total=%d found=%v", total, found)
	}
	waitForCacheSize(t, h, "core/fresh.pkg", 1000)
}

func TestFreshDownloadAllMirrors404(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	h := newTestHandler(t, []string{upstream.URL})
	app := newTestApp(h)

	resp := doGet(t, app, "/core/gone.pkg", nil)
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("所有镜像 404 时应 404, got %d", resp.StatusCode)
	}
}

func TestPostStoresWantedPackages(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	body := []byte("hello")
	ts := time.Now().Unix()
	mac := auth.Sign(h.secret, body, ts)

	resp := doPost(t, app, "/host1", body, mac, ts)
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("合法上传应 200, got %d", resp.StatusCode)
	}

	stored, err := os.ReadFile(filepath.Join(h.wantedDir, "host1"))
	if err != nil {
		t.Fatalf("上传内容未写入: %v", err)
	}
	if !bytes.Equal(stored, body) {
		t.Fatalf("上传内容错误: %q", stored)
	}
}

func TestPostRejectsStaleTimestamp(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	body := []byte("hello")
	ts := time.Now().Unix() - 120
	mac := auth.Sign(h.secret, body, ts)

	resp := doPost(t, app, "/host1", body, mac, ts)
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("过期时间戳应 403, got %d", resp.StatusCode)
	}
}

func TestPostRejectsFlippedMAC(t *testing.T) {
	h := newTestHandler(t, []string{"https://mirror.example.org/arch"})
	app := newTestApp(h)

	body := []byte("hello")
	ts := time.Now().Unix()
	mac := []byte(auth.Sign(h.secret, body, ts))
	if mac[0] == '0' {
		mac[0] = '1'
	} else {
		mac[0] = '0'
	}

	resp := doPost(t, app, "/host1", body, string(mac), ts)
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("篡改签名应 403, got %d", resp.StatusCode)
	}
}

func doGet(t *testing.T, app *fiber.App, target string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func doPost(t *testing.T, app *fiber.App, target string, body []byte, mac string, ts int64) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("Authorization", mac)
	req.Header.Set("Timestamp", strconv.FormatInt(ts, 10))
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func seedCacheBytes(t *testing.T, h *Handler, key string, data []byte) {
	t.Helper()
	f, err := h.store.OpenWrite(key, 0)
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	f.Close()
}

func waitForCacheSize(t *testing.T, h *Handler, key string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		size, exists, err := h.store.Stat(key)
		if err != nil {
			t.Fatalf("stat 失败: %v", err)
		}
		if exists && size == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("缓存文件未达到 %d 字节", want)
}
