package proxy

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/cpcache/cpcache/internal/filewatch"
)

// errStreamInterrupted 表示下载在文件写满之前就停止了。
var errStreamInterrupted = errors.New("stream interrupted before completion")

// tailReader 把一个正在增长的缓存文件暴露成普通的 io.ReadCloser：
// 读者用定位读消费已落盘的字节，追上写者后阻塞等待 filewatch 通知，
// 直到文件达到完整长度。响应写出的快慢天然反压到通知消费节奏上。
type tailReader struct {
	file   *os.File
	pos    int64 // 下一个要交付的绝对偏移
	limit  int64 // 文件的完整长度
	avail  int64 // 已观测到的落盘大小
	events <-chan filewatch.Event
	cancel context.CancelFunc
	onDone func()
	closed bool
}

// newTailReader 从 start 偏移开始读取 path，直到 limit 字节全部交付。
// onDone 在流关闭时调用一次（成功、出错或客户端提前断开都算）。
func newTailReader(path string, limit, start int64, interval time.Duration, onDone func()) (*tailReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	avail := info.Size()
	if avail > limit {
		avail = limit
	}

	if interval <= 0 {
		interval = filewatch.DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	events := filewatch.WatchInterval(ctx, path, limit, avail, interval)

	return &tailReader{
		file:   f,
		pos:    start,
		limit:  limit,
		avail:  avail,
		events: events,
		cancel: cancel,
		onDone: onDone,
	}, nil
}

func (r *tailReader) Read(p []byte) (int, error) {
	if r.pos >= r.limit {
		return 0, io.EOF
	}

	for r.pos >= r.avail {
		e, open := <-r.events
		if !open {
			// watcher 只在文件完整或被取消后退出；重新 stat 区分两者。
			info, err := r.file.Stat()
			if err != nil {
				return 0, err
			}
			if info.Size() < r.limit {
				return 0, errStreamInterrupted
			}
			r.avail = r.limit
			break
		}
		r.avail = e.New
	}

	max := r.avail - r.pos
	if int64(len(p)) < max {
		max = int64(len(p))
	}
	n, err := r.file.ReadAt(p[:max], r.pos)
	r.pos += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Close 停止 watcher 并释放文件。fasthttp 在响应结束或连接断开时调用。
func (r *tailReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if r.onDone != nil {
		r.onDone()
	}
	return r.file.Close()
}
