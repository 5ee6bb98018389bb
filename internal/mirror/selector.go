// Package mirror produces the ordered list of upstream base URLs used for
// every upstream fetch. Two implementations exist: a predefined list rotated
// round-robin, and an auto selector that periodically benchmarks the
// candidates and keeps the survivors sorted by score.
package mirror

import (
	"context"
	"sync"
)

// Selector 返回按优先级排序的镜像基址列表。
type Selector interface {
	// GetAll 返回当前排序下的全部镜像。调用方按顺序尝试，第一个即主镜像。
	GetAll() []string
	// Run 驱动后台维护逻辑（auto 模式的周期评分）；predefined 模式下立即返回。
	Run(ctx context.Context)
}

// predefinedSelector 按配置顺序轮转镜像，计数器由互斥锁保证单写。
type predefinedSelector struct {
	mu      sync.Mutex
	mirrors []string
	next    int
}

// NewPredefined 构建 predefined 模式的选择器，列表须已剔除黑名单。
func NewPredefined(mirrors []string) Selector {
	return &predefinedSelector{mirrors: mirrors}
}

func (p *predefinedSelector) GetAll() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.mirrors)
	if n == 0 {
		return nil
	}

	rotated := make([]string, 0, n)
	for i := 0; i < n; i++ {
		rotated = append(rotated, p.mirrors[(p.next+i)%n])
	}
	p.next = (p.next + 1) % n
	return rotated
}

func (p *predefinedSelector) Run(ctx context.Context) {}
