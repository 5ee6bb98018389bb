package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Config 是 TOML 文件映射的整体结构，所有组件共享同一份参数。
type Config struct {
	Port              int      `mapstructure:"port"`
	CacheDirectory    string   `mapstructure:"cache_directory"`
	WantedPackagesDir string   `mapstructure:"wanted_packages_directory"`
	DatabasePath      string   `mapstructure:"database_path"`
	IPv6Enabled       bool     `mapstructure:"ipv6_enabled"`
	MirrorsPredefined []string `mapstructure:"mirrors_predefined"`
	MirrorsBlacklist  []string `mapstructure:"mirrors_blacklist"`
	MirrorSelection   string   `mapstructure:"mirror_selection_method"`

	LogLevel      string `mapstructure:"log_level"`
	LogFilePath   string `mapstructure:"log_file_path"`
	LogMaxSize    int    `mapstructure:"log_max_size"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress"`

	RecvPackages RecvPackagesConfig `mapstructure:"recv_packages"`
	MirrorsAuto  MirrorsAutoConfig  `mapstructure:"mirrors_auto"`
}

// RecvPackagesConfig 控制签名 POST 上传端点。
type RecvPackagesConfig struct {
	Key string `mapstructure:"key"`
}

// MirrorsAutoConfig 决定 auto 模式下镜像评分的过滤条件与节奏。
type MirrorsAutoConfig struct {
	HTTPSRequired bool     `mapstructure:"https_required"`
	IPv4          bool     `mapstructure:"ipv4"`
	IPv6          bool     `mapstructure:"ipv6"`
	MaxScore      float64  `mapstructure:"max_score"`
	Timeout       Duration `mapstructure:"timeout"`
	TestInterval  Duration `mapstructure:"test_interval"`
}

// SecretKey 返回上传端点的共享密钥。配置值若是合法的 hex 字符串则先解码，
// 否则按原始字节使用。密钥未配置时返回 nil，上传端点将拒绝所有请求。
func (c *Config) SecretKey() []byte {
	raw := strings.TrimSpace(c.RecvPackages.Key)
	if raw == "" {
		return nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(raw)
}

// MirrorCandidates 返回剔除黑名单后的镜像列表，保持配置顺序。
func (c *Config) MirrorCandidates() []string {
	if len(c.MirrorsPredefined) == 0 {
		return nil
	}
	blacklist := make(map[string]struct{}, len(c.MirrorsBlacklist))
	for _, entry := range c.MirrorsBlacklist {
		blacklist[normalizeMirror(entry)] = struct{}{}
	}
	result := make([]string, 0, len(c.MirrorsPredefined))
	for _, mirror := range c.MirrorsPredefined {
		normalized := normalizeMirror(mirror)
		if normalized == "" {
			continue
		}
		if _, banned := blacklist[normalized]; banned {
			continue
		}
		result = append(result, normalized)
	}
	return result
}

// normalizeMirror 去掉末尾斜杠，保证黑名单比较与 URL 拼接的一致性。
func normalizeMirror(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}
