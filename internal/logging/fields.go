package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点与 worker 版本字段，供生命周期日志复用。
func SiteFields(site, domain, version string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"domain":  domain,
		"version": version,
	}
}

// WorkerFields 提供 worker 日志字段，origin 是回源地址，与路由用的 domain 区分。
func WorkerFields(site, origin, version string) logrus.Fields {
	return logrus.Fields{
		"site":    site,
		"origin":  origin,
		"version": version,
	}
}

// FetchFields 描述一次拦截请求：缓存键、来源（cache/network/bypass）与命中状态。
func FetchFields(site, key, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"key":       key,
		"source":    source,
		"cache_hit": cacheHit,
	}
}
