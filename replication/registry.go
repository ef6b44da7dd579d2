package replication

import (
	"sort"

	"zonelink/wire"
)

// RemoteEntity 其他玩家在本地的代理（最后已知状态）
type RemoteEntity struct {
	ID            string             `json:"id"`
	Position      wire.Vec3          `json:"position"`
	Yaw           float64            `json:"yaw"`
	LastAnimation wire.AnimationKind `json:"animation,omitempty"`
}

// Registry 远端玩家表。只在模拟线程上访问，不加锁
type Registry struct {
	entities map[string]*RemoteEntity
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*RemoteEntity)}
}

// Get 返回代理的副本
func (r *Registry) Get(id string) (RemoteEntity, bool) {
	e, ok := r.entities[id]
	if !ok {
		return RemoteEntity{}, false
	}
	return *e, true
}

func (r *Registry) Exists(id string) bool {
	_, ok := r.entities[id]
	return ok
}

// Upsert 已存在则原地更新，否则生成；返回是否为新生成
func (r *Registry) Upsert(id string, pos wire.Vec3, yaw float64) bool {
	if e, ok := r.entities[id]; ok {
		e.Position = pos
		e.Yaw = yaw
		return false
	}
	r.entities[id] = &RemoteEntity{ID: id, Position: pos, Yaw: yaw}
	return true
}

// Remove 不存在时静默返回 false
func (r *Registry) Remove(id string) bool {
	if _, ok := r.entities[id]; !ok {
		return false
	}
	delete(r.entities, id)
	return true
}

// ApplyAnimation 记录最后一次动画；代理不存在时返回 false
func (r *Registry) ApplyAnimation(id string, kind wire.AnimationKind) bool {
	e, ok := r.entities[id]
	if !ok {
		return false
	}
	e.LastAnimation = kind
	return true
}

func (r *Registry) Len() int { return len(r.entities) }

// Clear 清空并返回被移除的 id（有序）
func (r *Registry) Clear() []string {
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.entities = make(map[string]*RemoteEntity)
	return ids
}

// Entities 按 id 排序的副本，供渲染层与快照使用
func (r *Registry) Entities() []RemoteEntity {
	out := make([]RemoteEntity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
