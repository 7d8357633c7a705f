package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变更：每次写入后重新走一遍 Load（默认值 + 校验），
// 成功时回调 onChange，失败时回调 onError，旧配置保持生效。
// viper 的 WatchConfig 没有停止接口，监听随进程结束。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		path = "config.toml"
	}
	if onChange == nil {
		return fmt.Errorf("onChange callback required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
