package breaker

import "sync"

// Table 维护服务名到熔断器的映射
// 外层读写锁只保护映射本身，每个熔断器有自己的互斥锁，
// 状态变更的竞争范围限定在单个服务名内
type Table struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	settings Settings
}

// NewTable 创建熔断器表
func NewTable(settings Settings) *Table {
	return &Table{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
	}
}

// Get 获取或惰性创建服务的熔断器
// 每个服务名只有一个熔断器，所有实例共享
func (t *Table) Get(service string) *CircuitBreaker {
	t.mu.RLock()
	b, ok := t.breakers[service]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[service]; ok {
		return b
	}
	b = New(service, t.settings)
	t.breakers[service] = b
	return b
}

// Snapshots 返回所有熔断器的状态快照
func (t *Table) Snapshots() map[string]Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Snapshot, len(t.breakers))
	for name, b := range t.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
