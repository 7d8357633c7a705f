package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// GenerationFields 描述缓存代际（版本号 + 缓存名），供生命周期日志复用。
func GenerationFields(action, version, storeName string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": version,
		"store":   storeName,
	}
}

// RequestFields 提供方法/路径/策略/来源字段，供拦截请求日志复用。
func RequestFields(method, path, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
