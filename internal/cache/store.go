package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Storage 管理全部代际的缓存：按名称打开、枚举、整体删除。
type Storage interface {
	// Open 打开名为 name 的缓存，不存在时创建；重复调用是幂等的。
	Open(ctx context.Context, name string) (Store, error)

	// Names 返回当前存在的全部缓存名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Has 判断名为 name 的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Lookup 只读地获取已存在的缓存；不存在时返回 ok=false，且不会创建。
	Lookup(ctx context.Context, name string) (store Store, ok bool, err error)

	// Delete 整体删除名为 name 的缓存；不存在时不报错。
	Delete(ctx context.Context, name string) error

	io.Closer
}

// Store 是单个代际的请求 → 响应快照映射。
type Store interface {
	Name() string

	// Put 写入（或覆盖）key 对应的快照。仅接受 GET。
	Put(ctx context.Context, key RequestKey, snap *Snapshot) error

	// Match 返回 key 对应的快照副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Snapshot, error)

	// Keys 返回当前缓存中全部条目的请求标识，按 URL 排序。
	Keys(ctx context.Context) ([]RequestKey, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示尝试缓存非 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
	// ErrInvalidStoreName 表示缓存名称无法安全地映射到底层存储。
	ErrInvalidStoreName = errors.New("invalid store name")
	// ErrStoreDeleted 表示写入的代际已被整体删除。
	ErrStoreDeleted = errors.New("cache store has been deleted")
)

// StoreName 拼接代际缓存名称：prefix + version。
func StoreName(prefix, version string) string {
	return prefix + version
}

func validateStoreName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidStoreName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidStoreName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidStoreName, name)
	}
	return nil
}

func validatePut(key RequestKey, snap *Snapshot) error {
	if key.Method != "GET" {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, key.Method)
	}
	if key.URL == "" {
		return errors.New("request url required")
	}
	if snap == nil {
		return errors.New("snapshot required")
	}
	return nil
}
