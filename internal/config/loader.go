package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultPath 是打包安装时的标准配置位置。
const DefaultPath = "/etc/cpcache/cpcache.toml"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.CacheDirectory)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.CacheDirectory = absCache

	if cfg.WantedPackagesDir == "" {
		cfg.WantedPackagesDir = filepath.Join(absCache, "wanted_packages")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(absCache, "cpcache.db")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 7076)
	v.SetDefault("cache_directory", "/var/cache/cpcache")
	v.SetDefault("mirror_selection_method", "predefined")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file_path", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_compress", true)
	v.SetDefault("mirrors_auto.max_score", 2.5)
	v.SetDefault("mirrors_auto.timeout", "5s")
	v.SetDefault("mirrors_auto.test_interval", "1h")
	v.SetDefault("mirrors_auto.ipv4", true)
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 7076
	}
	if trimmed := strings.TrimSpace(cfg.MirrorSelection); trimmed == "" {
		cfg.MirrorSelection = "predefined"
	} else {
		cfg.MirrorSelection = strings.ToLower(trimmed)
	}
	if cfg.MirrorsAuto.Timeout.DurationValue() == 0 {
		cfg.MirrorsAuto.Timeout = Duration(5 * time.Second)
	}
	if cfg.MirrorsAuto.TestInterval.DurationValue() == 0 {
		cfg.MirrorsAuto.TestInterval = Duration(time.Hour)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
