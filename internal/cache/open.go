package cache

import "fmt"

// New 按后端名称构造 Storage：fs（默认）、sqlite、memory。
func New(backend, basePath string) (Storage, error) {
	switch backend {
	case "", "fs":
		return NewFileStorage(basePath)
	case "sqlite":
		return NewSQLiteStorage(basePath)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}
