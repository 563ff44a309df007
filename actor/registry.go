package actor

import (
	"sort"
	"sync"

	"deqinarbiter/wire"
)

// Registry 是 arbiter 的全局身份注册表，保存 arbiter、monitor 与被管理 Actor 的代理。
// 只有 arbiter 循环写入；读取可以来自任意 goroutine。
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]wire.ActorProxy
	byName map[string]string
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]wire.ActorProxy),
		byName: make(map[string]string),
	}
}

// Register 登记代理；名称非空时同时建立名称索引。
func (r *Registry) Register(p wire.ActorProxy) {
	r.mu.Lock()
	r.byID[p.ID] = p
	if p.Name != "" && p.Name != p.ID {
		r.byName[p.Name] = p.ID
	}
	r.mu.Unlock()
}

// Unregister 移除代理及其名称索引。
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	if p, ok := r.byID[id]; ok {
		if r.byName[p.Name] == id {
			delete(r.byName, p.Name)
		}
		delete(r.byID, id)
	}
	r.mu.Unlock()
}

// Get 按身份或名称查找。
func (r *Registry) Get(key string) (wire.ActorProxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byID[key]; ok {
		return p, true
	}
	if id, ok := r.byName[key]; ok {
		p, ok := r.byID[id]
		return p, ok
	}
	return wire.ActorProxy{}, false
}

// Has 报告身份是否已注册。
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	return ok
}

// Len 返回注册数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs 返回排序后的全部身份。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Snapshot 返回注册表的拷贝。
func (r *Registry) Snapshot() map[string]wire.ActorProxy {
	r.mu.RLock()
	out := make(map[string]wire.ActorProxy, len(r.byID))
	for k, v := range r.byID {
		out[k] = v
	}
	r.mu.RUnlock()
	return out
}
