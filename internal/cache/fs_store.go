package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个代际对应一个子目录。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有代际共享一份锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Lookup(ctx context.Context, name string) (Store, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, false, err
	}
	return &fileStore{storage: s, name: name, dir: dir}, true, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return err
	}
	// 先改名再删除，避免删除过程中被 Names 枚举到半个目录。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(trash)
	if err := os.Rename(dir, filepath.Join(trash, "store")); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, key RequestKey) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entryPath := f.entryPath(key)
	info, err := os.Stat(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(entryPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (f *fileStore) Put(ctx context.Context, key RequestKey, snap *Snapshot) error {
	if err := validatePut(key, snap); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeSnapshot(key, snap)
	if err != nil {
		return err
	}

	entryPath := f.entryPath(key)
	unlock := f.storage.lockEntry(entryPath)
	defer unlock()

	// 代际目录只由 Open 创建，被删除后不再复活。
	tempFile, err := os.CreateTemp(f.dir, ".cache-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrStoreDeleted, f.name)
		}
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, entryPath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (f *fileStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]RequestKey, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		key, _, err := DecodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (f *fileStore) entryPath(key RequestKey) string {
	return filepath.Join(f.dir, key.Digest())
}

func sortKeys(keys []RequestKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
