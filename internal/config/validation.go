package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStoreBackends = map[string]struct{}{
	StoreBackendFS:     {},
	StoreBackendSQLite: {},
	StoreBackendMemory: {},
}

const supportedStoreBackendList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStoreBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 "+supportedStoreBackendList)
	}
	if g.StoreBackend != StoreBackendMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.PopulateConcurrency <= 0 {
		return newFieldError("Global.PopulateConcurrency", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.DiagnosticsSize < 0 {
		return newFieldError("Global.DiagnosticsSize", "不能为负数")
	}

	return c.Release.validate()
}

func (r ReleaseConfig) validate() error {
	if r.Version == "" {
		return newFieldError("Release.Version", "不能为空")
	}
	if err := validateNameSegment(r.Version); err != nil {
		return newFieldError("Release.Version", err.Error())
	}
	if r.CachePrefix != "" {
		if err := validateNameSegment(r.CachePrefix); err != nil {
			return newFieldError("Release.CachePrefix", err.Error())
		}
	}
	if err := validateOrigin(r.Origin); err != nil {
		return fmt.Errorf("Release.Origin: %w", err)
	}
	for i, entry := range r.Manifest {
		if err := validateManifestEntry(entry); err != nil {
			return fmt.Errorf("%s: %w", manifestField(i), err)
		}
	}
	return nil
}

// validateNameSegment 保证版本号/前缀可以安全地作为目录名或表键使用。
func validateNameSegment(value string) error {
	if strings.ContainsAny(value, `/\`) {
		return errors.New("不允许包含路径分隔符")
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return errors.New("不允许包含空白字符")
	}
	if strings.HasPrefix(value, ".") {
		return errors.New("不允许以 . 开头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询串或片段: %s", raw)
	}
	return nil
}

func validateManifestEntry(entry string) error {
	if entry == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(entry)
	if err != nil {
		return err
	}
	if parsed.IsAbs() && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https 资源: %s", entry)
	}
	if parsed.IsAbs() && parsed.Host == "" {
		return fmt.Errorf("资源缺少 Host: %s", entry)
	}
	return nil
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (r ReleaseConfig) OriginURL() (*url.URL, error) {
	parsed, err := url.Parse(r.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %s: %w", r.Origin, err)
	}
	return parsed, nil
}
