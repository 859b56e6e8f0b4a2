package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘分区存储，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
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

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 保证同一分区内同一 key 的 put/match 原子。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta 文件内容，正文单独存放在 .body 中。
type entryMeta struct {
	Key       Key       `json:"key"`
	Response  Response  `json:"response"`
	SizeBytes int64     `json:"size_bytes"`
	WrittenAt time.Time `json:"written_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
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

// Keys 按名称排序返回分区，Match 也按此顺序查找。
func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || validatePartitionName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.partitionDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		dir, _ := s.partitionDir(name)
		part := &filePartition{store: s, name: name, dir: dir}
		resp, err := part.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartitionName(name); err != nil {
		return "", fmt.Errorf("%w: %q", err, name)
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", ErrInvalidPartition
	}
	return dir, nil
}

func (s *fileStore) lockEntry(lockKey string) func() {
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := p.entryBase(key)
	unlock := p.store.lockEntry(base)
	defer unlock()

	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := meta.Response
	resp.Body = body
	resp.Source = SourceCache
	return &resp, nil
}

// Put 先写正文再写 meta，均通过临时文件 + rename 完成；meta 出现即代表条目完整。
func (p *filePartition) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	base := p.entryBase(key)
	unlock := p.store.lockEntry(base)
	defer unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	if err := writeAtomic(p.dir, base+bodySuffix, resp.Body); err != nil {
		return err
	}

	stored := resp.Clone()
	stored.Body = nil
	stored.Source = ""
	meta := entryMeta{
		Key:       key,
		Response:  *stored,
		SizeBytes: int64(len(resp.Body)),
		WrittenAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(p.dir, base+metaSuffix, payload)
}

func (p *filePartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	base := p.entryBase(key)
	unlock := p.store.lockEntry(base)
	defer unlock()

	err := os.Remove(base + metaSuffix)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(base + bodySuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func (p *filePartition) entryBase(key Key) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(p.dir, hex.EncodeToString(sum[:]))
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

func writeAtomic(dir, target string, data []byte) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
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

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
