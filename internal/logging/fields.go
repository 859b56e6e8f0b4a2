package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供分类/策略/分区字段，供 fetch 拦截日志复用。
func FetchFields(category, strategy, partition, url string) logrus.Fields {
	return logrus.Fields{
		"category":  category,
		"strategy":  strategy,
		"partition": partition,
		"url":       url,
	}
}

// EventFields 描述一次生命周期事件，供 install/activate/sync/push 日志使用。
func EventFields(kind, version string) logrus.Fields {
	return logrus.Fields{
		"action":  "event",
		"event":   kind,
		"version": version,
	}
}
