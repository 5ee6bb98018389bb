// Package proxy implements the per-request state machine: classify the URI
// against the local cache, then serve it via redirect, plain file, spliced
// cache+upstream stream or a fresh coordinated download.
package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/cpcache/cpcache/internal/auth"
	"github.com/cpcache/cpcache/internal/cache"
	"github.com/cpcache/cpcache/internal/config"
	"github.com/cpcache/cpcache/internal/download"
	"github.com/cpcache/cpcache/internal/kvstore"
	"github.com/cpcache/cpcache/internal/logging"
	"github.com/cpcache/cpcache/internal/mirror"
	"github.com/cpcache/cpcache/internal/serializer"
)

// Handler 负责 orchestrate “分类 → 协调器握手 → 选定服务策略” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与磁盘缓存。
type Handler struct {
	logger     *logrus.Logger
	store      *cache.Store
	kv         *kvstore.Store
	mirrors    mirror.Selector
	ser        *serializer.Serializer
	downloader *download.Downloader
	probe      *http.Client
	wantedDir  string
	secret     []byte

	headGroup     singleflight.Group
	now           func() time.Time
	watchInterval time.Duration
}

// Options 汇总 Handler 的全部依赖。
type Options struct {
	Logger     *logrus.Logger
	Store      *cache.Store
	KV         *kvstore.Store
	Mirrors    mirror.Selector
	Serializer *serializer.Serializer
	Downloader *download.Downloader
	Probe      *http.Client
	Config     *config.Config
}

// NewHandler constructs the proxy handler from its collaborators.
func NewHandler(opts Options) *Handler {
	return &Handler{
		logger:     opts.Logger,
		store:      opts.Store,
		kv:         opts.KV,
		mirrors:    opts.Mirrors,
		ser:        opts.Serializer,
		downloader: opts.Downloader,
		probe:      opts.Probe,
		wantedDir:  opts.Config.WantedPackagesDir,
		secret:     opts.Config.SecretKey(),
		now:        time.Now,
	}
}

// HandleGet 处理包文件与数据库文件的 GET 请求。
func (h *Handler) HandleGet(c fiber.Ctx) error {
	started := h.now()

	key, err := cache.NormalizeKey(string(c.Request().URI().PathOriginal()))
	if err != nil {
		return c.Status(fiber.StatusNotFound).SendString("not found")
	}

	rangeStart, hasRange := parseRangeStart(c.Get("Range"))

	class, err := h.classify(key)
	if err != nil {
		h.logError(key, "classify", err)
		return h.internalError(c)
	}

	switch class.kind {
	case classInvalid:
		h.logger.WithFields(logrus.Fields{"action": "classify", "key": key}).Warn("path traversal rejected")
		return c.Status(fiber.StatusNotFound).SendString("not found")

	case classDatabase:
		return h.redirectToMirror(c, key)

	case classComplete:
		return h.serveComplete(c, key, class.total, rangeStart, started)

	case classPartial:
		result, err := h.ser.Query(key)
		if err != nil {
			h.logError(key, "state_query", err)
			return h.internalError(c)
		}
		switch result.State {
		case serializer.StateInvalidPath:
			return c.Status(fiber.StatusNotFound).SendString("not found")
		case serializer.StateDownloading:
			return h.serveGrowing(c, key, result.ContentLength, rangeStart, started)
		default:
			return h.serveCacheThenHTTP(c, key, class, rangeStart, hasRange, result.Pending, started)
		}

	default: // classNotFound
		if hasRange {
			// 从偏移量开始的新下载会缓存一个错位的前缀，违反前缀正确性，
			// 所以不落缓存，直接把客户端交给镜像。
			return h.redirectToMirror(c, key)
		}
		result, err := h.ser.Query(key)
		if err != nil {
			h.logError(key, "state_query", err)
			return h.internalError(c)
		}
		switch result.State {
		case serializer.StateInvalidPath:
			return c.Status(fiber.StatusNotFound).SendString("not found")
		case serializer.StateDownloading:
			return h.serveGrowing(c, key, result.ContentLength, rangeStart, started)
		default:
			return h.serveFreshDownload(c, key, result.Pending, started)
		}
	}
}

// serveComplete 直接从磁盘送出完整文件，Range 请求送出后缀切片。
func (h *Handler) serveComplete(c fiber.Ctx, key string, total, rangeStart int64, started time.Time) error {
	if rangeStart > total {
		return h.redirectToMirror(c, key)
	}

	h.setEntityHeaders(c, total, rangeStart)
	c.Status(fiber.StatusOK)

	if rangeStart == total {
		h.logServe(c, key, "complete_file", true, started, nil)
		return nil
	}

	f, err := h.store.Open(key)
	if err != nil {
		h.logError(key, "complete_file", err)
		return h.internalError(c)
	}
	if rangeStart > 0 {
		if _, err := f.Seek(rangeStart, 0); err != nil {
			f.Close()
			h.logError(key, "complete_file", err)
			return h.internalError(c)
		}
	}

	h.logServe(c, key, "complete_file", true, started, nil)
	return c.SendStream(f, int(total-rangeStart))
}

// serveGrowing 让客户端跟读另一个请求正在写入的文件。
func (h *Handler) serveGrowing(c fiber.Ctx, key string, total, rangeStart int64, started time.Time) error {
	if total == 0 {
		var err error
		total, err = h.contentLength(key)
		if err != nil {
			h.logError(key, "growing_file", err)
			return h.internalError(c)
		}
	}
	if rangeStart > total {
		return h.redirectToMirror(c, key)
	}
	if rangeStart == total {
		h.setEntityHeaders(c, total, rangeStart)
		c.Status(fiber.StatusOK)
		h.logServe(c, key, "growing_file", true, started, nil)
		return nil
	}

	filePath, err := h.store.FilePath(key)
	if err != nil {
		return c.Status(fiber.StatusNotFound).SendString("not found")
	}

	tr, err := newTailReader(filePath, total, rangeStart, h.watchInterval, nil)
	if err != nil {
		h.logError(key, "growing_file", err)
		return h.internalError(c)
	}

	h.setEntityHeaders(c, total, rangeStart)
	c.Status(fiber.StatusOK)
	h.logServe(c, key, "growing_file", true, started, nil)
	return c.SendStream(tr, int(total-rangeStart))
}

// serveCacheThenHTTP 拼接本地前缀与上游续传：磁盘里的部分直接送出，
// 其余字节由新启动的下载器续写，客户端全程只看到一个响应。
func (h *Handler) serveCacheThenHTTP(
	c fiber.Ctx,
	key string,
	class classification,
	rangeStart int64,
	hasRange bool,
	pending *serializer.Pending,
	started time.Time,
) error {
	filesize, total := class.size, class.total

	// 实际上已经完整：降级为普通文件服务。
	if filesize == total {
		pending.Complete()
		return h.serveComplete(c, key, total, rangeStart, started)
	}
	if hasRange && rangeStart == total {
		pending.Complete()
		h.setEntityHeaders(c, total, rangeStart)
		c.Status(fiber.StatusOK)
		h.logServe(c, key, "cache_then_http", true, started, nil)
		return nil
	}
	if hasRange && rangeStart > filesize {
		// 本地前缀覆盖不到请求的起点；交给镜像是安全的选择。
		pending.Complete()
		return h.redirectToMirror(c, key)
	}

	result, err := h.downloader.TryAll(h.mirrors.GetAll(), key, filesize)
	if err != nil {
		pending.NotFound()
		if errors.Is(err, download.ErrNotFound) {
			h.logServe(c, key, "cache_then_http", false, started, err)
			return c.Status(fiber.StatusNotFound).SendString("not found")
		}
		h.logServe(c, key, "cache_then_http", false, started, err)
		return h.internalError(c)
	}

	total = result.ContentLength
	pending.ContentLength(total, result.Handle)

	return h.streamFrom(c, key, "cache_then_http", total, rangeStart, result.Handle, started)
}

// serveFreshDownload 本地一无所有：启动下载并从零开始跟读。
func (h *Handler) serveFreshDownload(c fiber.Ctx, key string, pending *serializer.Pending, started time.Time) error {
	result, err := h.downloader.TryAll(h.mirrors.GetAll(), key, 0)
	if err != nil {
		pending.NotFound()
		if errors.Is(err, download.ErrNotFound) {
			_ = h.store.Remove(key)
			h.logServe(c, key, "fresh_download", false, started, err)
			return c.Status(fiber.StatusNotFound).SendString("not found")
		}
		h.logServe(c, key, "fresh_download", false, started, err)
		return h.internalError(c)
	}

	total := result.ContentLength
	if err := h.kv.PutContentLength(path.Base(key), total); err != nil {
		h.logError(key, "content_length_put", err)
	}
	pending.ContentLength(total, result.Handle)

	return h.streamFrom(c, key, "fresh_download", total, 0, result.Handle, started)
}

// streamFrom 建立针对增长文件的响应流。关闭流时终止下载器：正常完成时
// 这是无操作，客户端提前断开时则撤销本请求对缓存文件的写入承诺。
func (h *Handler) streamFrom(
	c fiber.Ctx,
	key, strategy string,
	total, rangeStart int64,
	handle *download.Handle,
	started time.Time,
) error {
	filePath, err := h.store.FilePath(key)
	if err != nil {
		handle.Kill()
		return c.Status(fiber.StatusNotFound).SendString("not found")
	}

	tr, err := newTailReader(filePath, total, rangeStart, h.watchInterval, func() {
		handle.Kill()
		h.ser.DownloadEnded(key, handle)
	})
	if err != nil {
		handle.Kill()
		h.logError(key, strategy, err)
		return h.internalError(c)
	}

	h.setEntityHeaders(c, total, rangeStart)
	c.Status(fiber.StatusOK)
	h.logServe(c, key, strategy, false, started, nil)
	return c.SendStream(tr, int(total-rangeStart))
}

// HandlePost 处理签名的 wanted-packages 上传。
func (h *Handler) HandlePost(c fiber.Ctx) error {
	hostname := c.Params("hostname")
	if hostname == "" || strings.ContainsAny(hostname, "/\\") || hostname == "." || hostname == ".." {
		return c.Status(fiber.StatusNotFound).SendString("not found")
	}

	body := c.Body()

	timestamp, err := strconv.ParseInt(strings.TrimSpace(c.Get("Timestamp")), 10, 64)
	if err != nil {
		return h.forbidden(c, hostname, errors.New("missing or malformed timestamp"))
	}
	if err := auth.Verify(h.secret, body, c.Get("Authorization"), timestamp, h.now()); err != nil {
		return h.forbidden(c, hostname, err)
	}

	if err := os.MkdirAll(h.wantedDir, 0o755); err != nil {
		h.logError(hostname, "recv_packages", err)
		return h.internalError(c)
	}
	target := filepath.Join(h.wantedDir, hostname)
	if err := os.WriteFile(target, body, 0o644); err != nil {
		h.logError(hostname, "recv_packages", err)
		return h.internalError(c)
	}

	h.logger.WithFields(logrus.Fields{
		"action":   "recv_packages",
		"hostname": hostname,
		"bytes":    len(body),
	}).Info("wanted packages stored")
	return c.Status(fiber.StatusOK).SendString("OK")
}

func (h *Handler) forbidden(c fiber.Ctx, hostname string, err error) error {
	h.logger.WithFields(logrus.Fields{
		"action":   "recv_packages",
		"hostname": hostname,
		"error":    err.Error(),
	}).Warn("upload rejected")
	return c.Status(fiber.StatusForbidden).SendString("forbidden")
}

// redirectToMirror 把请求交给当前的主镜像。301 响应不带正文。
func (h *Handler) redirectToMirror(c fiber.Ctx, key string) error {
	mirrors := h.mirrors.GetAll()
	if len(mirrors) == 0 {
		return h.internalError(c)
	}
	c.Set("Location", strings.TrimSuffix(mirrors[0], "/")+"/"+key)
	c.Status(fiber.StatusMovedPermanently)
	return nil
}

// contentLength 返回文件的完整长度：先查表，未命中时对镜像做一次 HEAD。
// 并发请求同一文件时 singleflight 保证只有一个 HEAD 出门。
func (h *Handler) contentLength(key string) (int64, error) {
	basename := path.Base(key)
	if total, found := h.kv.ContentLength(basename); found {
		return total, nil
	}

	value, err, _ := h.headGroup.Do(basename, func() (interface{}, error) {
		for _, base := range h.mirrors.GetAll() {
			target := strings.TrimSuffix(base, "/") + "/" + key
			resp, err := h.probe.Head(target)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
				if err := h.kv.PutContentLength(basename, resp.ContentLength); err != nil {
					h.logError(key, "content_length_put", err)
				}
				return resp.ContentLength, nil
			}
		}
		return int64(0), fmt.Errorf("content length unavailable for %s", key)
	})
	if err != nil {
		return 0, err
	}
	return value.(int64), nil
}

// setEntityHeaders 写出长度与（可选的）范围头。与上游源保持一致：范围
// 响应依旧使用状态码 200 搭配 Content-Range，而不是 206。
func (h *Handler) setEntityHeaders(c fiber.Ctx, total, rangeStart int64) {
	c.Response().Header.SetContentLength(int(total - rangeStart))
	if rangeStart > 0 && rangeStart < total {
		c.Set("Content-Range", formatContentRange(rangeStart, total))
	}
}

func (h *Handler) internalError(c fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).SendString("internal server error")
}

func (h *Handler) logServe(c fiber.Ctx, key, strategy string, cacheHit bool, started time.Time, err error) {
	fields := logging.RequestFields(key, strategy, cacheHit)
	fields["action"] = "serve"
	fields["status"] = c.Response().StatusCode()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("serve_failed")
		return
	}
	h.logger.WithFields(fields).Info("serve")
}

func (h *Handler) logError(key, action string, err error) {
	h.logger.WithFields(logrus.Fields{
		"action": action,
		"key":    key,
		"error":  err.Error(),
	}).Error(err.Error())
}

