package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求路径/策略/命中状态字段，供代理请求日志复用。
func RequestFields(key, strategy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"key":       key,
		"strategy":  strategy,
		"cache_hit": cacheHit,
	}
}
