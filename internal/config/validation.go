package config

import (
	"errors"
	"fmt"
	"net/url"
)

const supportedSelectionMethods = "auto|predefined"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return newFieldError("port", "必须在 1-65535")
	}
	if c.CacheDirectory == "" {
		return newFieldError("cache_directory", "不能为空")
	}

	switch c.MirrorSelection {
	case "auto", "predefined":
	default:
		return newFieldError("mirror_selection_method", "仅支持 "+supportedSelectionMethods)
	}

	if len(c.MirrorCandidates()) == 0 {
		return newFieldError("mirrors_predefined", "剔除黑名单后至少需要一个镜像")
	}
	for _, mirror := range c.MirrorsPredefined {
		if err := validateMirrorURL(mirror); err != nil {
			return fmt.Errorf("mirrors_predefined: %w", err)
		}
	}

	if c.MirrorSelection == "auto" {
		auto := c.MirrorsAuto
		if auto.MaxScore <= 0 {
			return newFieldError("mirrors_auto.max_score", "必须大于 0")
		}
		if auto.Timeout.DurationValue() <= 0 {
			return newFieldError("mirrors_auto.timeout", "必须大于 0")
		}
		if auto.TestInterval.DurationValue() <= 0 {
			return newFieldError("mirrors_auto.test_interval", "必须大于 0")
		}
		if !auto.IPv4 && !auto.IPv6 {
			return newFieldError("mirrors_auto", "ipv4 与 ipv6 不能同时关闭")
		}
	}

	return nil
}

func validateMirrorURL(raw string) error {
	if raw == "" {
		return errors.New("镜像地址不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，镜像: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("镜像缺少 Host: %s", raw)
	}
	return nil
}
