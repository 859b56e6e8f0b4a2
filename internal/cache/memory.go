package cache

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// NewMemoryStore 返回进程内存储，适合测试与无需持久化的部署。
// 每个分区是一个不过期的 go-cache 实例，Match 按分区创建顺序查找。
func NewMemoryStore() Storage {
	return &memoryStore{partitions: make(map[string]*memoryPartition)}
}

type memoryStore struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
	order      []string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if part, ok := s.partitions[name]; ok {
		return part, nil
	}
	part := &memoryPartition{
		name:    name,
		entries: gocache.New(gocache.NoExpiration, 0),
	}
	s.partitions[name] = part
	s.order = append(s.order, name)
	return part, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	part.entries.Flush()
	delete(s.partitions, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStore) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	parts := make([]*memoryPartition, 0, len(s.order))
	for _, name := range s.order {
		parts = append(parts, s.partitions[name])
	}
	s.mu.RUnlock()

	for _, part := range parts {
		if resp, err := part.Match(ctx, key); err == nil {
			return resp, nil
		}
	}
	return nil, ErrNotFound
}

type memoryPartition struct {
	name    string
	entries *gocache.Cache
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, ok := p.entries.Get(string(key))
	if !ok {
		return nil, ErrNotFound
	}
	return value.(*Response).WithSource(SourceCache), nil
}

func (p *memoryPartition) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := resp.Clone()
	stored.Source = ""
	p.entries.Set(string(key), stored, gocache.NoExpiration)
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, existed := p.entries.Get(string(key))
	p.entries.Delete(string(key))
	return existed, nil
}

func (p *memoryPartition) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := p.entries.Items()
	keys := make([]Key, 0, len(items))
	for k := range items {
		keys = append(keys, Key(k))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
