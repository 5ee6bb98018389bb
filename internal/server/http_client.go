package server

import (
	"net"
	"net/http"
	"time"

	"github.com/cpcache/cpcache/internal/serializer"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// UpstreamHeaderTimeout 限定镜像返回响应头的时间。镜像首包请求发生在
// 协调器的跟进窗口内，这里必须严格小于 serializer.FollowUpTimeout，
// 卡住的镜像才会以单镜像错误的形式触发回退，而不是拖垮协调器。
const UpstreamHeaderTimeout = serializer.FollowUpTimeout / 2

// NewUpstreamClient 返回共享 http.Client，用于所有镜像请求。下载正文可能
// 持续很久，因此不设整体超时；响应头有硬上限，正文的停滞检测由下载器的
// 空闲看门狗负责，取消由调用方的 context 负责。
func NewUpstreamClient() *http.Client {
	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = UpstreamHeaderTimeout
	return &http.Client{
		Transport: transport,
	}
}

// NewProbeClient 返回带整体超时的客户端，用于 HEAD 探测等短请求。
func NewProbeClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}
