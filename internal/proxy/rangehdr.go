package proxy

import (
	"fmt"
	"strconv"
	"strings"
)

// parseRangeStart 解析 "bytes=N-" 形式的 Range 头。后缀范围（bytes=-N）与
// 闭区间（bytes=N-M）不支持，视同没有 Range。
func parseRangeStart(header string) (int64, bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") {
		return 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if !strings.HasSuffix(spec, "-") {
		return 0, false
	}
	raw := strings.TrimSuffix(spec, "-")
	start, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

// formatContentRange 生成 "bytes r-(total-1)/total" 形式的头部值。
func formatContentRange(start, total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, total-1, total)
}
