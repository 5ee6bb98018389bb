package proxy

import (
	"path"
	"strings"

	"github.com/cpcache/cpcache/internal/cache"
)

type classKind int

const (
	classInvalid classKind = iota
	classDatabase
	classComplete
	classPartial
	classNotFound
)

// classification 描述一次 GET 请求的缓存状态。size 是本地文件当前大小，
// total 是内容长度表中的完整大小（仅 complete/partial 有效）。
type classification struct {
	kind  classKind
	size  int64
	total int64
}

// classify 决定请求走哪条服务路径。数据库文件永远重定向；内容长度未知的
// 本地文件按 not_found 处理，绝不把可能过期的前缀当作完整文件提供。
func (h *Handler) classify(key string) (classification, error) {
	if !cache.ValidKey(key) {
		return classification{kind: classInvalid}, nil
	}

	if strings.HasSuffix(path.Base(key), ".db") {
		return classification{kind: classDatabase}, nil
	}

	size, exists, err := h.store.Stat(key)
	if err != nil {
		return classification{}, err
	}

	total, found := h.kv.ContentLength(path.Base(key))
	if !exists || size == 0 || !found {
		return classification{kind: classNotFound}, nil
	}

	if size >= total {
		return classification{kind: classComplete, size: size, total: total}, nil
	}
	return classification{kind: classPartial, size: size, total: total}, nil
}
