package replication

import (
	"sync"
	"time"

	"zonelink/wire"
)

// Inbound 已解码的入站消息，由网络协程交给模拟线程
type Inbound struct {
	Kind       wire.Kind
	RoutingKey string
	Envelope   wire.Envelope
	ReceivedAt time.Time
}

// Handoff 两个执行上下文之间唯一共享的结构：一把锁保护的 FIFO
type Handoff struct {
	mu    sync.Mutex
	items []Inbound
}

func NewHandoff() *Handoff { return &Handoff{} }

// Push 入队，返回入队后的深度
func (h *Handoff) Push(in Inbound) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, in)
	return len(h.items)
}

// Drain 取走全部待处理消息，保持入队顺序
func (h *Handoff) Drain() []Inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.items
	h.items = nil
	return out
}

func (h *Handoff) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
