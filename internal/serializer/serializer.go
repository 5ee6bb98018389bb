// Package serializer hosts the coordinator that makes the cache safe under
// concurrency: for every filename there is at most one downloader, and every
// client learns about in-flight downloads through a single ordered message
// stream. The coordinator is one goroutine owning its maps; nothing else
// touches them.
package serializer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cpcache/cpcache/internal/cache"
)

// State 是状态查询的回复种类。
type State int

const (
	// StateUnknown 表示没有针对该文件的下载；查询方必须在 5 秒内跟进。
	StateUnknown State = iota
	// StateDownloading 表示已有下载器在写该文件。
	StateDownloading
	// StateInvalidPath 表示文件名逃逸出缓存根目录。
	StateInvalidPath
)

const (
	// replyTimeout 是客户端等待状态回复的上限。
	replyTimeout = 500 * time.Millisecond
	// FollowUpTimeout 是 Unknown 回复之后等待跟进消息的上限，超时视为协议
	// 违例并使进程崩溃。查询方在窗口内要完成的最长动作是对镜像的首包请求，
	// 因此上游客户端的响应头超时必须严格小于该值（见 server 包的共享传输层）。
	FollowUpTimeout = 5 * time.Second
)

// Handle 是协调器对下载器的最小视角：存活与终态。*download.Handle 满足它。
type Handle interface {
	Done() <-chan struct{}
	Err() error
}

// QueryResult 携带状态回复。State 为 Unknown 时 Pending 非 nil，调用方必须
// 恰好调用其 ContentLength/NotFound/Complete 之一。
type QueryResult struct {
	State         State
	ContentLength int64
	Pending       *Pending
}

type followKind int

const (
	followContentLength followKind = iota
	followNotFound
	followComplete
)

type followUp struct {
	kind   followKind
	cl     int64
	handle Handle
}

// Pending 是 Unknown 回复之后的跟进通道。协调器在收到跟进前不处理任何
// 其它消息，这正是同一文件名只有一个下载者的保证。
type Pending struct {
	ch chan followUp
}

// ContentLength 宣告下载已启动：登记长度并开始监视下载器的存活。
func (p *Pending) ContentLength(cl int64, h Handle) {
	p.ch <- followUp{kind: followContentLength, cl: cl, handle: h}
}

// NotFound 宣告上游没有该文件，不做状态变更。
func (p *Pending) NotFound() {
	p.ch <- followUp{kind: followNotFound}
}

// Complete 宣告文件其实已经完整，不做状态变更。
func (p *Pending) Complete() {
	p.ch <- followUp{kind: followComplete}
}

type queryMsg struct {
	key   string
	reply chan QueryResult
}

type eventMsg struct {
	key        string // download_ended 时非空
	handle     Handle
	terminated bool
}

// Serializer 是每个文件名的写者协调器。
type Serializer struct {
	logger  *logrus.Logger
	queries chan queryMsg
	events  chan eventMsg
	stopped chan struct{}

	// 以下仅由 Run 协程访问。
	lengths map[string]int64
	handles map[string]Handle
	keys    map[Handle]string

	monitorCtx    context.Context
	monitorCancel context.CancelFunc
}

// New 构造协调器；必须随后在独立协程中调用 Run。
func New(logger *logrus.Logger) *Serializer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Serializer{
		logger:        logger,
		queries:       make(chan queryMsg),
		events:        make(chan eventMsg),
		stopped:       make(chan struct{}),
		lengths:       make(map[string]int64),
		handles:       make(map[string]Handle),
		keys:          make(map[Handle]string),
		monitorCtx:    ctx,
		monitorCancel: cancel,
	}
}

// Run 按 FIFO 处理消息直到 ctx 结束。消息之间绝不并发。
func (s *Serializer) Run(ctx context.Context) {
	defer close(s.stopped)
	defer s.monitorCancel()

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-s.queries:
			s.handleQuery(ctx, q)
		case e := <-s.events:
			s.handleEvent(e)
		}
	}
}

func (s *Serializer) handleQuery(ctx context.Context, q queryMsg) {
	if !cache.ValidKey(q.key) {
		q.reply <- QueryResult{State: StateInvalidPath}
		return
	}

	if cl, ok := s.lengths[q.key]; ok {
		q.reply <- QueryResult{State: StateDownloading, ContentLength: cl}
		return
	}

	pending := &Pending{ch: make(chan followUp, 1)}
	q.reply <- QueryResult{State: StateUnknown, Pending: pending}

	// Unknown 回复与跟进之间不处理任何其它消息：后到的查询在此期间排队，
	// 同一文件名不可能出现第二个下载者。
	select {
	case f := <-pending.ch:
		if f.kind == followContentLength {
			s.register(q.key, f.cl, f.handle)
		}
	case <-time.After(FollowUpTimeout):
		panic(fmt.Sprintf("serializer: no follow-up for %q within %v", q.key, FollowUpTimeout))
	case <-ctx.Done():
	}
}

func (s *Serializer) register(key string, cl int64, h Handle) {
	s.lengths[key] = cl
	s.handles[key] = h
	s.keys[h] = key

	go func() {
		select {
		case <-h.Done():
		case <-s.monitorCtx.Done():
			return
		}
		select {
		case s.events <- eventMsg{handle: h, terminated: true}:
		case <-s.monitorCtx.Done():
		}
	}()
}

func (s *Serializer) handleEvent(e eventMsg) {
	key, known := s.keys[e.handle]
	if !known {
		// 迟到的通知：条目已被更早的 download_ended 清理。
		return
	}
	if e.key != "" && e.key != key {
		return
	}

	delete(s.lengths, key)
	delete(s.handles, key)
	delete(s.keys, e.handle)

	if e.terminated {
		if err := e.handle.Err(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "downloader_terminated",
				"key":    key,
				"error":  err.Error(),
			}).Warn("downloader exited abnormally")
		}
	}
}

// Query 查询文件状态。回复超过 500ms 视为硬错误。
func (s *Serializer) Query(key string) (QueryResult, error) {
	reply := make(chan QueryResult, 1)

	select {
	case s.queries <- queryMsg{key: key, reply: reply}:
	case <-s.stopped:
		return QueryResult{}, fmt.Errorf("serializer stopped")
	case <-time.After(replyTimeout):
		return QueryResult{}, fmt.Errorf("serializer busy: query for %q timed out", key)
	}

	select {
	case result := <-reply:
		return result, nil
	case <-time.After(replyTimeout):
		return QueryResult{}, fmt.Errorf("serializer reply for %q timed out", key)
	}
}

// DownloadEnded 无条件移除 handle 对应的登记。拆除以下载器句柄为键，
// 与当前监视令牌无关。
func (s *Serializer) DownloadEnded(key string, h Handle) {
	if h == nil {
		return
	}
	select {
	case s.events <- eventMsg{key: key, handle: h}:
	case <-s.stopped:
	}
}
