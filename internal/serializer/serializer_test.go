package serializer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeHandle 模拟一个下载器：close(done) 前设置 err 即为异常退出。
type fakeHandle struct {
	done chan struct{}
	err  error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (f *fakeHandle) Done() <-chan struct{} { return f.done }

func (f *fakeHandle) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

func (f *fakeHandle) finish(err error) {
	f.err = err
	close(f.done)
}

func TestQueryUnknownThenDownloading(t *testing.T) {
	s := newRunningSerializer(t)
	handle := newFakeHandle()

	result, err := s.Query("core/a.pkg")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if result.State != StateUnknown || result.Pending == nil {
		t.Fatalf("首次查询应为 Unknown: %+v", result)
	}
	result.Pending.ContentLength(1000, handle)

	second, err := s.Query("core/a.pkg")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if second.State != StateDownloading || second.ContentLength != 1000 {
		t.Fatalf("登记后应回复 Downloading(1000): %+v", second)
	}
}

func TestNotFoundLeavesStateUnchanged(t *testing.T) {
	s := newRunningSerializer(t)

	result, err := s.Query("core/b.pkg")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	result.Pending.NotFound()

	second, err := s.Query("core/b.pkg")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if second.State != StateUnknown {
		t.Fatalf("not_found 不应改变状态: %+v", second)
	}
	second.Pending.Complete()
}

func TestQueryRejectsPathTraversal(t *testing.T) {
	s := newRunningSerializer(t)

	result, err := s.Query("../../../etc/passwd")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if result.State != StateInvalidPath {
		t.Fatalf("路径穿越应回复 InvalidPath: %+v", result)
	}
}

func TestDownloadEndedRemovesEntryKeyedOnHandle(t *testing.T) {
	s := newRunningSerializer(t)
	current := newFakeHandle()
	stale := newFakeHandle()

	result, _ := s.Query("core/c.pkg")
	result.Pending.ContentLength(500, current)

	// 过期句柄不应拆除当前条目。
	s.DownloadEnded("core/c.pkg", stale)
	mid, err := s.Query("core/c.pkg")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if mid.State != StateDownloading {
		t.Fatalf("过期句柄不应拆除登记: %+v", mid)
	}

	s.DownloadEnded("core/c.pkg", current)
	waitForState(t, s, "core/c.pkg", StateUnknown)
}

func TestDownloaderCrashReleasesFilename(t *testing.T) {
	s := newRunningSerializer(t)
	handle := newFakeHandle()

	result, _ := s.Query("core/d.pkg")
	result.Pending.ContentLength(800, handle)

	handle.finish(errors.New("killed"))
	waitForState(t, s, "core/d.pkg", StateUnknown)
}

func TestNormalTerminationReleasesFilename(t *testing.T) {
	s := newRunningSerializer(t)
	handle := newFakeHandle()

	result, _ := s.Query("core/e.pkg")
	result.Pending.ContentLength(100, handle)

	handle.finish(nil)
	waitForState(t, s, "core/e.pkg", StateUnknown)
}

// waitForState 轮询直到状态查询返回期望值；Unknown 回复会立即以 Complete 跟进。
func waitForState(t *testing.T, s *Serializer, key string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		result, err := s.Query(key)
		if err != nil {
			t.Fatalf("查询失败: %v", err)
		}
		if result.Pending != nil {
			result.Pending.Complete()
		}
		if result.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待状态 %v 超时", want)
}

func newRunningSerializer(t *testing.T) *Serializer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}
