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

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
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

// 支持的缓存后端。
const (
	StoreBackendFS     = "fs"
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志与缓存存储。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	StoreBackend        string   `mapstructure:"StoreBackend"`
	PopulateConcurrency int      `mapstructure:"PopulateConcurrency"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	DiagnosticsSize     int      `mapstructure:"DiagnosticsSize"`
}

// ReleaseConfig 描述一次发布：版本号决定缓存代际，Manifest 列出安装时必须预热的资源。
type ReleaseConfig struct {
	Version     string   `mapstructure:"Version"`
	Origin      string   `mapstructure:"Origin"`
	CachePrefix string   `mapstructure:"CachePrefix"`
	Manifest    []string `mapstructure:"Manifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig  `mapstructure:",squash"`
	Release ReleaseConfig `mapstructure:"Release"`
}

// StoreName 返回当前版本对应的缓存名称（前缀 + 版本号）。
func (r ReleaseConfig) StoreName() string {
	return r.CachePrefix + r.Version
}

// ManifestCopy 返回 Manifest 的副本，避免调用方修改配置本身。
func (r ReleaseConfig) ManifestCopy() []string {
	if len(r.Manifest) == 0 {
		return nil
	}
	return append([]string(nil), r.Manifest...)
}
