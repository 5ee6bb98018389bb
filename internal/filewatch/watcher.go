// Package filewatch observes a growing file by polling its size. Change
// notifications from the OS are deliberately not used; a 100 ms poll is
// portable and plenty for package downloads.
package filewatch

import (
	"context"
	"os"
	"time"
)

// DefaultInterval 是轮询间隔的设计目标。
const DefaultInterval = 100 * time.Millisecond

// Event 描述一次观测结果。Complete 为 true 时这是终态事件，通道随后关闭。
type Event struct {
	Prev     int64
	New      int64
	Complete bool
}

// Watch 以默认间隔监视 path 的增长，直到文件达到 expected 字节或 ctx 结束。
// start 是消费者已经看到的大小，低于 start 的增长不会重复通知。
func Watch(ctx context.Context, path string, expected, start int64) <-chan Event {
	return WatchInterval(ctx, path, expected, start, DefaultInterval)
}

// WatchInterval 与 Watch 相同，但允许测试注入更短的轮询间隔。
// 事件通道无缓冲：消费者处理完上一个事件之前不会产生下一次观测，
// 写端因此天然被下游限速。文件在监视开始时就已完整的情况会立即收到终态事件。
func WatchInterval(ctx context.Context, path string, expected, start int64, interval time.Duration) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		prev := start
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			info, err := os.Stat(path)
			if err == nil {
				size := info.Size()
				switch {
				case size >= expected:
					select {
					case events <- Event{Prev: prev, New: expected, Complete: true}:
					case <-ctx.Done():
					}
					return
				case size > prev:
					select {
					case events <- Event{Prev: prev, New: size}:
						prev = size
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events
}
