// Package download fetches package files from the mirror list and appends
// them to the local cache file. One download owns the write side of its file
// for its whole lifetime; everyone else reads.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cpcache/cpcache/internal/cache"
	"github.com/cpcache/cpcache/internal/serializer"
)

var (
	// ErrNotFound 表示所有镜像都返回了 404。
	ErrNotFound = errors.New("no mirror has the file")
	// ErrAllMirrorsFailed 表示镜像列表耗尽且至少有一个非 404 错误。
	ErrAllMirrorsFailed = errors.New("all mirrors failed")
)

const (
	// attemptHeaderTimeout 限定单个镜像从拨号到返回响应头的时间。
	// 握手后不再说话的镜像以单镜像错误的形式触发回退。
	attemptHeaderTimeout = serializer.FollowUpTimeout / 2
	// tryAllBudget 限定整条回退链的响应头等待总量。TryAll 运行在协调器的
	// 跟进窗口内，必须严格小于 serializer.FollowUpTimeout 才能保证窗口内
	// 一定有结果。
	tryAllBudget = serializer.FollowUpTimeout - time.Second
	// defaultBodyIdleTimeout 是正文两次读取之间允许的最长停顿，超过视为
	// 镜像停滞，下载以失败终止并释放文件名。
	defaultBodyIdleTimeout = 30 * time.Second
)

// Handle 代表一次正在进行的下载。Kill 取消底层请求；Done 在写入协程退出后
// 关闭，之后 Err 返回终态（nil 为成功）。
type Handle struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Kill 无条件终止下载。幂等。
func (h *Handle) Kill() {
	h.cancel()
}

// Done 在下载协程退出后关闭。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err 返回下载的终态，仅在 Done 关闭后有效。
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Key 返回该下载负责的缓存键。
func (h *Handle) Key() string {
	return h.key
}

// Result 是 TryAll 成功后的返回值：完整长度立即可用，句柄代表后台写入。
type Result struct {
	ContentLength int64
	Handle        *Handle
}

// Downloader 封装镜像回退逻辑，复用共享 http.Client 与缓存存储。
type Downloader struct {
	client          *http.Client
	store           *cache.Store
	logger          *logrus.Logger
	bodyIdleTimeout time.Duration
}

// New 构造 Downloader。
func New(client *http.Client, store *cache.Store, logger *logrus.Logger) *Downloader {
	return &Downloader{
		client:          client,
		store:           store,
		logger:          logger,
		bodyIdleTimeout: defaultBodyIdleTimeout,
	}
}

// TryAll 按顺序尝试每个镜像：发起（可选 Range 的）GET，打开本地文件，
// 启动后台写入协程，并在拿到响应头后立即返回完整长度。单个镜像的 HTTP
// 或 IO 错误换下一个；全部 404 返回 ErrNotFound；其余耗尽返回
// ErrAllMirrorsFailed。下载与调用方的请求生命周期无关，只能通过 Kill 终止。
func (d *Downloader) TryAll(urls []string, key string, startOffset int64) (*Result, error) {
	if len(urls) == 0 {
		return nil, ErrAllMirrorsFailed
	}

	allNotFound := true
	deadline := time.Now().Add(tryAllBudget)
	for _, base := range urls {
		if time.Until(deadline) <= 0 {
			allNotFound = false
			d.logger.WithFields(logrus.Fields{
				"action": "download_attempt",
				"key":    key,
				"error":  "header budget exhausted",
			}).Warn("mirror fallback aborted")
			break
		}
		result, notFound, err := d.tryOne(base, key, startOffset, deadline)
		if err == nil {
			return result, nil
		}
		if !notFound {
			allNotFound = false
		}
		d.logger.WithFields(logrus.Fields{
			"action": "download_attempt",
			"mirror": base,
			"key":    key,
			"offset": startOffset,
			"error":  err.Error(),
		}).Warn("mirror attempt failed")
	}

	if allNotFound {
		return nil, ErrNotFound
	}
	return nil, ErrAllMirrorsFailed
}

func (d *Downloader) tryOne(base, key string, startOffset int64, deadline time.Time) (*Result, bool, error) {
	ctx, cancel := context.WithCancel(context.Background())

	target := strings.TrimSuffix(base, "/") + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	// 响应头必须在单镜像上限与整体预算的较小者内到达；定时器覆盖拨号、
	// TLS 与首包，触发即取消本次请求。
	headerBound := attemptHeaderTimeout
	if remaining := time.Until(deadline); remaining < headerBound {
		headerBound = remaining
	}
	headerTimer := time.AfterFunc(headerBound, cancel)

	resp, err := d.client.Do(req)
	if !headerTimer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, false, fmt.Errorf("mirror did not answer within %v", headerBound)
	}
	if err != nil {
		cancel()
		return nil, false, err
	}

	total, err := totalFromResponse(resp, startOffset)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, resp.StatusCode == http.StatusNotFound, err
	}

	file, err := d.store.OpenWrite(key, startOffset)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, false, err
	}

	handle := &Handle{
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	resp.Body = newWatchdogBody(resp.Body, d.bodyIdleTimeout, cancel)
	go d.stream(handle, resp, file, total, startOffset)

	return &Result{ContentLength: total, Handle: handle}, false, nil
}

// stream 把响应体顺序追加到缓存文件，结束后设置终态并关闭 done。
// 失败的全新下载会删除占位文件，保证缓存里只留下正确的前缀。
func (d *Downloader) stream(h *Handle, resp *http.Response, file io.WriteCloser, total, startOffset int64) {
	written, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	resp.Body.Close()

	err := copyErr
	if err == nil {
		err = closeErr
	}
	if err == nil && written != total-startOffset {
		err = fmt.Errorf("short body: got %d of %d bytes", written, total-startOffset)
	}

	if err != nil && startOffset == 0 {
		if removeErr := d.store.Remove(h.key); removeErr != nil {
			d.logger.WithFields(logrus.Fields{
				"action": "download_cleanup",
				"key":    h.key,
				"error":  removeErr.Error(),
			}).Warn("failed to remove placeholder")
		}
	}

	fields := logrus.Fields{
		"action":  "download",
		"key":     h.key,
		"offset":  startOffset,
		"written": written,
		"total":   total,
	}
	if err != nil {
		fields["error"] = err.Error()
		d.logger.WithFields(fields).Warn("download ended abnormally")
	} else {
		d.logger.WithFields(fields).Info("download complete")
	}

	h.err = err
	close(h.done)
}

// totalFromResponse 推导文件的完整长度：206 响应取 Content-Range 的总量，
// 200 响应取 Content-Length 加上起始偏移（仅偏移为 0 时允许 200）。
func totalFromResponse(resp *http.Response, startOffset int64) (int64, error) {
	switch resp.StatusCode {
	case http.StatusOK:
		if startOffset > 0 {
			// 服务器忽略了 Range；追加这个响应会破坏前缀。
			return 0, fmt.Errorf("mirror ignored range request (status 200 at offset %d)", startOffset)
		}
		if resp.ContentLength < 0 {
			return 0, errors.New("content length unknown")
		}
		return resp.ContentLength, nil
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, nil
		}
		if resp.ContentLength >= 0 {
			return resp.ContentLength + startOffset, nil
		}
		return 0, errors.New("content range missing")
	default:
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// parseContentRangeTotal 解析 "bytes start-end/total" 形式的头部。
func parseContentRangeTotal(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, false
	}
	slash := strings.LastIndexByte(value, '/')
	if slash < 0 {
		return 0, false
	}
	total, err := strconv.ParseInt(value[slash+1:], 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}
	return total, true
}
