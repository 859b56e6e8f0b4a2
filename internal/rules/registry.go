package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rowhni/rowhni-sw/internal/cache"
	"github.com/rowhni/rowhni-sw/internal/fetch"
)

// StrategyKind 标识分类命中后使用的缓存策略。
type StrategyKind string

const (
	CacheFirst             StrategyKind = "cache-first"
	CacheFirstWithFallback StrategyKind = "cache-first-with-fallback"
	NetworkFirst           StrategyKind = "network-first"
	StaleWhileRevalidate   StrategyKind = "stale-while-revalidate"
)

// MatchFunc 判断请求是否属于某个分类；originHost 是 worker 自身来源的主机名。
type MatchFunc func(req *fetch.Request, originHost string) bool

// Rule 描述一个请求分类：优先级越小越先匹配。
type Rule struct {
	Category    string       `json:"category"`
	Description string       `json:"description"`
	Priority    int          `json:"priority"`
	Strategy    StrategyKind `json:"strategy"`
	Partition   cache.Role   `json:"partition"`
	Match       MatchFunc    `json:"-"`
}

var globalRegistry = newRegistry()

type registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func newRegistry() *registry {
	return &registry{rules: make(map[string]Rule)}
}

// Register 将分类规则加入全局注册表，重复分类会返回错误。
func Register(rule Rule) error {
	return globalRegistry.register(rule)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(rule Rule) {
	if err := Register(rule); err != nil {
		panic(err)
	}
}

// Resolve 返回指定分类的规则。
func Resolve(category string) (Rule, bool) {
	return globalRegistry.resolve(category)
}

// List 按匹配顺序返回全部规则。
func List() []Rule {
	return globalRegistry.list()
}

// Keys 按匹配顺序返回分类名称，供诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, rule := range items {
		result[i] = rule.Category
	}
	return result
}

func (r *registry) normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(rule Rule) error {
	key := r.normalizeKey(rule.Category)
	if key == "" {
		return fmt.Errorf("rule category is required")
	}
	if rule.Match == nil {
		return fmt.Errorf("rule %s requires a match function", key)
	}
	switch rule.Strategy {
	case CacheFirst, CacheFirstWithFallback, NetworkFirst, StaleWhileRevalidate:
	default:
		return fmt.Errorf("rule %s has unknown strategy %q", key, rule.Strategy)
	}
	rule.Category = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[key]; exists {
		return fmt.Errorf("rule %s already registered", key)
	}
	r.rules[key] = rule
	return nil
}

func (r *registry) resolve(key string) (Rule, bool) {
	if key == "" {
		return Rule{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[r.normalizeKey(key)]
	return rule, ok
}

func (r *registry) list() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.rules) == 0 {
		return nil
	}
	result := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		result = append(result, rule)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].Category < result[j].Category
	})
	return result
}

// Classify 返回首个命中的规则；没有规则命中时返回 default 分类。
func Classify(req *fetch.Request, originHost string) Rule {
	return globalRegistry.classify(req, originHost)
}

func (r *registry) classify(req *fetch.Request, originHost string) Rule {
	for _, rule := range r.list() {
		if rule.Match(req, originHost) {
			return rule
		}
	}
	return fallbackRule
}
