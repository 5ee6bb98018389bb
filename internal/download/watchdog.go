package download

import (
	"io"
	"time"
)

// watchdogBody 包装响应体，在两次读取之间计时。正文停滞超过 timeout 时
// 触发 abort（取消底层请求），慢到黑洞的镜像因此表现为普通的下载失败，
// 而不是让写入协程与所有跟读者一起挂死。
type watchdogBody struct {
	body    io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdogBody(body io.ReadCloser, timeout time.Duration, abort func()) io.ReadCloser {
	if timeout <= 0 {
		return body
	}
	return &watchdogBody{
		body:    body,
		timer:   time.AfterFunc(timeout, abort),
		timeout: timeout,
	}
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	if err != nil {
		b.timer.Stop()
	}
	return n, err
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
