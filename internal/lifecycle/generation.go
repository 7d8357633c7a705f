// Package lifecycle drives cache generations through install (populate the
// manifest into a fresh store), activate (reap every other store) and claim
// (atomically publish the generation every later request is served from).
package lifecycle

import (
	"net/http"

	"github.com/offline-hub/offline-hub/internal/config"
)

// Doer 抽象出站 HTTP 客户端，测试中可替换为假实现。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Generation 描述一个内容代际：版本号、对应缓存名以及需要预热的清单。
type Generation struct {
	Version   string
	StoreName string
	Manifest  []string
}

// GenerationFromConfig 根据配置中的 Release 段构造代际。
func GenerationFromConfig(cfg *config.Config) Generation {
	return Generation{
		Version:   cfg.Release.Version,
		StoreName: cfg.Release.StoreName(),
		Manifest:  cfg.Release.ManifestCopy(),
	}
}

// State 对应代际的生命周期阶段。
type State string

const (
	StateNone       State = "none"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)
