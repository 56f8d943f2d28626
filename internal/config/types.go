package config

import (
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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储驱动：fs 为目录树，bolt 为每站点一个 bbolt 文件。
const (
	StorageDriverFS   = "fs"
	StorageDriverBolt = "bolt"
)

// 默认的三个缓存桶名称。
const (
	DefaultStagingCache  = "app-temp-cache"
	DefaultContentCache  = "app-cache"
	DefaultManifestCache = "app-manifest"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	CompressEntries    bool     `mapstructure:"CompressEntries"`
	CompressThreshold  int      `mapstructure:"CompressThreshold"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	OfflineConcurrency int      `mapstructure:"OfflineConcurrency"`
	WatchManifests     bool     `mapstructure:"WatchManifests"`
}

// SiteConfig 描述一个被离线缓存托管的 Web 应用。
type SiteConfig struct {
	Name          string   `mapstructure:"Name"`
	Domain        string   `mapstructure:"Domain"`
	Upstream      string   `mapstructure:"Upstream"`
	ManifestPath  string   `mapstructure:"ManifestPath"`
	Shell         []string `mapstructure:"Shell"`
	StagingCache  string   `mapstructure:"StagingCache"`
	ContentCache  string   `mapstructure:"ContentCache"`
	ManifestCache string   `mapstructure:"ManifestCache"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// Origin 返回去掉末尾斜杠的上游 origin，形如 https://app.example.com。
func (s SiteConfig) Origin() string {
	return strings.TrimRight(strings.TrimSpace(s.Upstream), "/")
}

// SiteNames 返回所有站点名称，供启动日志输出。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = site.Name
	}
	return result
}
